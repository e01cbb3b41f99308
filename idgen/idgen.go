// Package idgen generates the identifiers the ad runtime hands out: session
// ids for a runtime instance, request ids for the control surfaces, and slot
// ids for mounted placements.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/adslot/adnet"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 IDs of the given length.
// Short and URL-safe; used for request ids.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every ID of gen ("sess_", "req_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Session is the generator for runtime session ids.
var Session = Prefixed("sess_", UUIDv7())

// Request is the generator for control and MCP request ids.
var Request = Prefixed("req_", NanoID(12))

// SlotIDs hands out slot ids of the form placement_<unix millis>. Two calls
// within the same millisecond would collide and be deduplicated away by the
// registry, so the timestamp is forced to increase strictly across calls.
// Safe for concurrent use.
type SlotIDs struct {
	mu    sync.Mutex
	clock func() time.Time
	last  int64
}

// NewSlotIDs returns a SlotIDs reading clock. A nil clock uses time.Now.
func NewSlotIDs(clock func() time.Time) *SlotIDs {
	if clock == nil {
		clock = time.Now
	}
	return &SlotIDs{clock: clock}
}

// Next returns a fresh slot id for placement.
func (g *SlotIDs) Next(placement string) string {
	g.mu.Lock()
	ms := g.clock().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	g.mu.Unlock()
	return adnet.SlotID(placement, time.UnixMilli(ms))
}
