package dedup

import (
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"inboxflow/internal/domain"
)

// Store keeps the time each fingerprint was last marked processed.
type Store interface {
	Seen(hash string) (time.Time, bool)
	Mark(hash string, at time.Time)
	Prune(before time.Time) int
}

// Detector answers whether an inbound message was already handled within the
// duplicate window. It fails open: anything it cannot find is treated as new.
type Detector struct {
	window     time.Duration
	bodyPrefix int
	store      Store
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(window time.Duration, bodyPrefix int, store Store) *Detector {
	return &Detector{
		window:     window,
		bodyPrefix: bodyPrefix,
		store:      store,
		now:        time.Now,
		inflight:   make(map[string]struct{}),
	}
}

// NewMemory builds a detector backed by an in-process expiring cache.
func NewMemory(window time.Duration, bodyPrefix, maxEntries int) *Detector {
	return New(window, bodyPrefix, NewMemoryStore(maxEntries, 2*window))
}

// SetClock overrides the time source.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

func (d *Detector) Window() time.Duration { return d.window }

func (d *Detector) Now() time.Time { return d.now() }

// Fingerprint hashes the sender address, the subject and the first bytes of
// the body after whitespace has been collapsed.
func (d *Detector) Fingerprint(env domain.Envelope) string {
	body := collapse(env.Body)
	if len(body) > d.bodyPrefix {
		body = body[:d.bodyPrefix]
	}
	h := xxhash.New()
	_, _ = h.WriteString(senderAddress(env.From))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strings.ToLower(collapse(env.Subject)))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(body)
	return strconv.FormatUint(h.Sum64(), 16)
}

// IsDuplicate reports whether hash was marked processed inside the window.
// It never mutates state.
func (d *Detector) IsDuplicate(hash string) bool {
	at, ok := d.store.Seen(hash)
	if !ok {
		return false
	}
	return d.now().Sub(at) < d.window
}

// MarkProcessed records hash as processed at the given time and drops any
// in-flight claim on it. The record is written before the claim is dropped,
// which Claim relies on.
func (d *Detector) MarkProcessed(hash string, at time.Time) {
	d.store.Mark(hash, at)
	d.mu.Lock()
	delete(d.inflight, hash)
	d.mu.Unlock()
}

// Claim reserves hash for a job entering a queue. It returns false when the
// hash is a recent duplicate or another job holding it is still queued or
// running. The store is consulted without holding d.mu.
func (d *Detector) Claim(hash string) bool {
	d.mu.Lock()
	if _, busy := d.inflight[hash]; busy {
		d.mu.Unlock()
		return false
	}
	d.inflight[hash] = struct{}{}
	d.mu.Unlock()

	if d.IsDuplicate(hash) {
		d.Release(hash)
		return false
	}
	return true
}

// Release drops a claim without marking the hash processed, so a later
// re-delivery of a failed message can be tried again.
func (d *Detector) Release(hash string) {
	d.mu.Lock()
	delete(d.inflight, hash)
	d.mu.Unlock()
}

func (d *Detector) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Prune removes records older than twice the window.
func (d *Detector) Prune(now time.Time) int {
	return d.store.Prune(now.Add(-2 * d.window))
}

func senderAddress(from string) string {
	if a, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(a.Address)
	}
	return strings.ToLower(strings.TrimSpace(from))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
