package contracts

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixed identifier constructors. The prefix makes ids self-describing in
// logs and wire payloads; the body is a hyphen-free UUID.
func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewErrorID() string    { return newID("err") }
func NewSolutionID() string { return newID("sol") }
func NewSessionID() string  { return newID("sess") }
func NewRequestID() string  { return newID("req") }
func NewScanID() string     { return newID("scan") }
func NewTraceID() string    { return newID("trace") }
