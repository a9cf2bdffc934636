// Package ids mints the sortable identifiers used for users, roles,
// organizations, token records and request ids.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID for the current instant.
func New() string {
	return At(time.Now())
}

// At returns a ULID whose timestamp component is t. Ids minted within the
// same millisecond stay strictly increasing.
func At(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s is a canonical ULID string.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
