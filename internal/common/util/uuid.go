package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewULID returns a lowercase ULID for the current time.
func NewULID() string {
	return NewULIDAt(time.Now())
}

// NewULIDAt returns a lowercase ULID carrying the millisecond of t. Ids generated for the same millisecond are
// strictly increasing.
func NewULIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}

// ULIDTime returns the time encoded in an id made by NewULID.
func ULIDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(strings.ToUpper(id))
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
