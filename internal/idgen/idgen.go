// Package idgen produces the human-readable <prefix>_<timestamp>_<counter>
// identifiers named throughout SPEC_FULL.md §3, resolving the otherwise
// unspecified format using the original Python source's turn_{timestamp}
// and day YYYY-MM-DD conventions (SPEC_FULL.md §12).
package idgen

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var counter uint64

// New returns "<prefix>_<unixNanoTimestamp>_<counter>". The counter is a
// process-wide atomic sequence so two ids minted within the same
// nanosecond tick still sort uniquely and deterministically.
func New(prefix string) string {
	n := atomic.AddUint64(&counter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

// NewUUID mints a fully random id (used for provenance rows and session
// ids per SPEC_FULL.md §11, where google/uuid is wired alongside the
// human-readable scheme; dossier ids use New).
func NewUUID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// DayID returns the YYYY-MM-DD day identifier for t, per the original
// source's convention.
func DayID(t time.Time) string {
	return t.Format("2006-01-02")
}
