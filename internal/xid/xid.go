package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random id tagged with prefix, e.g. "tkt_5f0c…".
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
