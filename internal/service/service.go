package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"ticketledger/backend/internal/cache"
	"ticketledger/backend/internal/domain"
	"ticketledger/backend/internal/ledger"
	"ticketledger/backend/internal/lock"
	"ticketledger/backend/internal/logging"
	"ticketledger/backend/internal/store"
	"ticketledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ValidationError reports request fields that failed validation, keyed by
// field name with the failed rule as value.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid input: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == store.ErrInvalidInput
}

func invalid(field string, rule string) error {
	return &ValidationError{Fields: map[string]string{field: rule}}
}

type Options struct {
	SettingsCache    cache.SettingsCache
	SettingsCacheTTL time.Duration
	Locker           lock.Locker
	Logger           logrus.FieldLogger
	InitLeftoversPIN string
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

type Service struct {
	repo             store.Repository
	settingsCache    cache.SettingsCache
	settingsCacheTTL time.Duration
	locker           lock.Locker
	logger           logrus.FieldLogger
	validate         *validator.Validate
	initLeftoversPIN []byte
	now              func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.SettingsCache == nil {
		opts.SettingsCache = cache.NoopSettingsCache{}
	}
	if opts.SettingsCacheTTL <= 0 {
		opts.SettingsCacheTTL = 30 * time.Second
	}
	if opts.Locker == nil {
		opts.Locker = lock.NoopLocker{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	svc := &Service{
		repo:             repo,
		settingsCache:    opts.SettingsCache,
		settingsCacheTTL: opts.SettingsCacheTTL,
		locker:           opts.Locker,
		logger:           opts.Logger.WithField("module", "service"),
		validate:         validator.New(validator.WithRequiredStructEnabled()),
		now:              opts.Now,
	}
	if pin := strings.TrimSpace(opts.InitLeftoversPIN); pin != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
		if err != nil {
			svc.logger.WithError(err).Warn("hash initial leftovers pin failed, seeding disabled")
		} else {
			svc.initLeftoversPIN = hash
		}
	}
	return svc
}

// validLeftoversPIN reports whether pin matches the configured PIN.
func (s *Service) validLeftoversPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.initLeftoversPIN, []byte(input)) == nil
}

// validateStruct runs the struct tags and converts failures into a
// ValidationError keyed by field name.
func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}

func validateDate(field string, raw string) error {
	if _, err := ledger.ParseDate(raw); err != nil {
		return invalid(field, "date")
	}
	return nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.IsAdmin() {
		return domain.Actor{}, fmt.Errorf("%w: admin role required", store.ErrForbidden)
	}
	return actor, nil
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func (s *Service) today() string {
	return s.now().UTC().Format(ledger.DateLayout)
}

// Settings returns the global settings row, creating it with defaults on
// first use.
func (s *Service) Settings(ctx context.Context) (domain.Settings, error) {
	cached, ok, err := s.settingsCache.Get(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("settings cache read failed")
	}
	if ok && cached != nil {
		return *cached, nil
	}

	settings, err := s.repo.GetOrCreateSettings(ctx, domain.DefaultSettings())
	if err != nil {
		return domain.Settings{}, err
	}
	if err := s.settingsCache.Set(ctx, settings, s.settingsCacheTTL); err != nil {
		s.logger.WithError(err).Warn("settings cache write failed")
	}
	return *settings, nil
}

func (s *Service) UpdateSettings(ctx context.Context, req domain.SettingsUpdateRequest) (domain.Settings, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Settings{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return domain.Settings{}, err
	}

	current, err := s.Settings(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	updated := current
	if req.BatteryMode != nil {
		updated.BatteryMode = *req.BatteryMode
	}
	if req.BatteryUnitPrice != nil {
		if req.BatteryUnitPrice.IsNegative() {
			return domain.Settings{}, invalid("battery_unit_price", "gte")
		}
		updated.BatteryUnitPrice = ledger.Round2(*req.BatteryUnitPrice)
	}
	if req.BatteryQty != nil {
		updated.BatteryQty = *req.BatteryQty
	}
	if _, err := ledger.SurchargeTotal(updated.BatteryMode, updated.BatteryUnitPrice, updated.BatteryQty); err != nil {
		return domain.Settings{}, invalid("battery_mode", "oneof")
	}

	saved, err := s.repo.UpdateSettings(ctx, updated)
	if err != nil {
		return domain.Settings{}, err
	}
	if err := s.settingsCache.Invalidate(ctx); err != nil {
		logging.LogError(s.logger, "service", "UpdateSettings", "settings cache invalidation failed", nil, err)
	}

	s.logAudit(ctx, domain.AuditSettingsUpdated, "settings", saved.ID,
		fmt.Sprintf("mode=%s,unit_price=%s,qty=%d", saved.BatteryMode, saved.BatteryUnitPrice.StringFixed(2), saved.BatteryQty))
	return *saved, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLog, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListAuditLogs(ctx, filter)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("aud"),
		Actor:      actorName(ctx),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now().UTC(),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}
