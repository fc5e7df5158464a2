// Package id generates the lexically sortable job identifiers attached to logs,
// spans and run reports.
package id

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewAt returns a job id whose timestamp component is t. Ids created within the
// same millisecond are strictly increasing.
func NewAt(t time.Time) (string, error) {
	mutex.Lock()
	defer mutex.Unlock()

	v, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// New returns a job id for the current time.
func New() (string, error) {
	return NewAt(time.Now())
}

// Time extracts the creation time encoded in a job id.
func Time(s string) (time.Time, error) {
	v, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(v.Time()), nil
}

func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
