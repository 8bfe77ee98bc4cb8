// Package ids generates identifiers for supportdesk records.
//
// Messages and events use ULIDs: lexicographic order equals creation order
// within a process, which gives every conversation a stable ordering key.
package ids

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lower-case ULID.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// Prefixed returns prefix + "_" + ULID, e.g. "conv_01j...".
func Prefixed(prefix string) string {
	return prefix + "_" + New()
}

// Trace returns a new trace id.
func Trace() string {
	return uuid.New().String()
}

// RefundKey returns a refund idempotency key. It is generated once per
// ReturnRecord and reused on every retry.
func RefundKey() string {
	return "RF" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:24]
}

// RMA returns a return merchandise authorization number.
func RMA(now time.Time) string {
	return "RMA" + now.UTC().Format("20060102") + strings.ToUpper(New()[20:])
}
