package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	InitLeftoversPIN      string
	// BootstrapAdminPassword creates the "admin" account on a store that has none.
	BootstrapAdminPassword string
	LogLevel               string
	LogFormat              string
	SettingsCacheTTL       time.Duration
	LockTTL                time.Duration
	LoginRatePerMinute     int
}

// Load reads configuration from the environment. A .env file in the working
// directory, when present, is loaded first and never overrides variables that
// are already set.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("SETTINGS_CACHE_TTL_SECONDS", 30)
	v.SetDefault("LOCK_TTL_SECONDS", 30)
	v.SetDefault("LOGIN_RATE_PER_MINUTE", 5)

	return Config{
		Port:                   v.GetString("PORT"),
		AllowedOrigin:          v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:            v.GetString("DATABASE_URL"),
		RedisAddr:              v.GetString("REDIS_ADDR"),
		RedisPassword:          v.GetString("REDIS_PASSWORD"),
		RedisDB:                v.GetInt("REDIS_DB"),
		AuthSecret:             strings.TrimSpace(v.GetString("AUTH_SECRET")),
		AccessTokenTTLMinutes:  positive(v.GetInt("ACCESS_TOKEN_TTL_MINUTES"), 480),
		InitLeftoversPIN:       strings.TrimSpace(v.GetString("INIT_LEFTOVERS_PIN")),
		BootstrapAdminPassword: v.GetString("BOOTSTRAP_ADMIN_PASSWORD"),
		LogLevel:               v.GetString("LOG_LEVEL"),
		LogFormat:              v.GetString("LOG_FORMAT"),
		SettingsCacheTTL:       time.Duration(positive(v.GetInt("SETTINGS_CACHE_TTL_SECONDS"), 30)) * time.Second,
		LockTTL:                time.Duration(positive(v.GetInt("LOCK_TTL_SECONDS"), 30)) * time.Second,
		LoginRatePerMinute:     positive(v.GetInt("LOGIN_RATE_PER_MINUTE"), 5),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func positive(val int, fallback int) int {
	if val < 1 {
		return fallback
	}
	return val
}
