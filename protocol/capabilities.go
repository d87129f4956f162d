package protocol

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get when a key has no value.
var ErrNotFound = errors.New("key not found")

// Store is the embedded key-value capability backing all ledger state. The
// ledger persists after every mutation; implementations decide durability
// (the leveldb implementation syncs writes).
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	// Iterate visits every key with the given prefix. Returning an error from
	// fn stops iteration.
	Iterate(prefix string, fn func(key string, value []byte) error) error
}

// Response is the result of one transport request. Headers carries one
// value per key; the ledger endpoints never send multi-valued headers.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
}

// Transport is the HTTP capability. The ledger never constructs
// net/http clients itself; the host injects a Transport at startup and tests
// inject fakes.
type Transport interface {
	LoadURL(ctx context.Context, url string, headers map[string]string, body []byte, contentType, method string) (*Response, error)
}

// TimerID identifies a scheduled one-shot timer. Zero means idle.
type TimerID uint32

// TimerScheduler is the timer capability. Set schedules fn once after delay;
// Kill cancels a pending timer. Implementations must tolerate Kill on an
// already-fired id.
type TimerScheduler interface {
	Set(delay time.Duration, fn func()) TimerID
	Kill(id TimerID)
}
