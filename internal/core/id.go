package core

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// Entity id prefixes. Every identifier in the system is an opaque string
// of the form <prefix>_<base32>.
const (
	PrefixWorkflow   = "wf"
	PrefixTask       = "tk"
	PrefixCheckpoint = "cp"
	PrefixMessage    = "msg"
	PrefixAgent      = "ag"
	PrefixWorkspace  = "ws"
	PrefixRepository = "rp"
	PrefixTemplate   = "tmpl"
	PrefixSession    = "sp"
)

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID generates a fresh identifier for the given entity prefix.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + strings.ToLower(idEncoding.EncodeToString(u[:]))
}

// HasPrefix reports whether id carries the given entity prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
