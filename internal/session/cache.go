// Package session holds the per-session state spanning the two HTTP round
// trips of an NTLM handshake: the open directory transport between negotiate
// and authenticate, and the authenticated identity afterwards.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/isometry/ad-ntlm-relay/internal/logging"
	"github.com/isometry/ad-ntlm-relay/internal/metrics"
)

// DefaultTTL is the idle time after which an entry is swept.
const DefaultTTL = 10 * time.Minute

// Transport is the directory connection held by an entry.
type Transport interface {
	Close() error
}

// Identity is an authenticated user.
type Identity struct {
	Domain      string   `json:"domain"`
	User        string   `json:"user"`
	Workstation string   `json:"workstation,omitempty"`
	DN          string   `json:"dn,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Groups      []string `json:"groups,omitempty"`
	SID         string   `json:"sid,omitempty"`
	GUID        string   `json:"guid,omitempty"`
}

// Entry is a snapshot of one session.
type Entry struct {
	CreatedAt      time.Time
	LastAccessedAt time.Time
	Identity       *Identity
	HasTransport   bool
}

type entry struct {
	transport      Transport
	createdAt      time.Time
	lastAccessedAt time.Time
	identity       *Identity
}

func (e *entry) snapshot() Entry {
	return Entry{
		CreatedAt:      e.createdAt,
		LastAccessedAt: e.lastAccessedAt,
		Identity:       e.identity,
		HasTransport:   e.transport != nil,
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Cache) {
		c.logger = logging.OrNop(l)
	}
}

// WithMetrics reports entry lifecycle to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// Cache maps session identifiers to entries. A single mutex guards the map;
// transports are always closed after it is released.
type Cache struct {
	ttl     time.Duration
	now     func() time.Time
	logger  logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a cache whose entries expire after ttl of inactivity.
// A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		logger:  logging.Nop(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the idle timeout.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// getOrCreateLocked must be called with c.mu held.
func (c *Cache) getOrCreateLocked(id string) *entry {
	if e, ok := c.entries[id]; ok {
		return e
	}

	now := c.now()
	e := &entry{createdAt: now, lastAccessedAt: now}
	c.entries[id] = e
	c.metrics.SessionCreated()
	c.logger.Trace("Session created", map[string]any{"session_id": id})
	return e
}

// GetOrCreate returns the entry for id, creating it on first reference.
func (c *Cache) GetOrCreate(id string) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getOrCreateLocked(id).snapshot()
}

// Lookup returns the entry for id without creating or refreshing it.
func (c *Cache) Lookup(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Remove deletes the entry for id and closes its transport.
// It reports whether an entry existed.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
		c.recordRemovedLocked(e, metrics.ReasonRemoved)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	c.logger.Debug("Session removed", map[string]any{"session_id": id})
	c.closeTransports(e.transport)
	return true
}

// SetIdentity records the authenticated identity for id.
func (c *Cache) SetIdentity(id string, identity *Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreateLocked(id).identity = identity
}

// Identity returns the authenticated identity for id, or nil. Reading an
// existing entry refreshes its last access time.
func (c *Cache) Identity(id string) *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	e.lastAccessedAt = c.now()
	return e.identity
}

// SetTransport stores t for id, closing any transport the entry already held.
func (c *Cache) SetTransport(id string, t Transport) {
	c.mu.Lock()
	e := c.getOrCreateLocked(id)
	prev := e.transport
	e.transport = t
	c.mu.Unlock()

	if prev != nil && prev != t {
		c.logger.Debug("Replacing session transport", map[string]any{"session_id": id})
		c.closeTransports(prev)
	}
}

// Transport returns the transport held for id, or nil.
func (c *Cache) Transport(id string) Transport {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		return e.transport
	}
	return nil
}

// CloseTransport closes and clears the transport for id, keeping the entry.
// It reports whether a transport was held.
func (c *Cache) CloseTransport(id string) bool {
	c.mu.Lock()
	var t Transport
	if e, ok := c.entries[id]; ok {
		t, e.transport = e.transport, nil
	}
	c.mu.Unlock()

	if t == nil {
		return false
	}
	c.closeTransports(t)
	return true
}

// Copy rebinds the entry under from to the key to. The entry leaves its old
// key; an entry already stored under to is discarded and its transport closed.
// It reports whether from existed.
func (c *Cache) Copy(from, to string) bool {
	if from == to {
		c.mu.Lock()
		_, ok := c.entries[from]
		c.mu.Unlock()
		return ok
	}

	c.mu.Lock()
	e, ok := c.entries[from]
	if !ok {
		c.mu.Unlock()
		return false
	}
	displaced := c.entries[to]
	delete(c.entries, from)
	c.entries[to] = e
	if displaced != nil {
		c.recordRemovedLocked(displaced, metrics.ReasonReplaced)
	}
	c.mu.Unlock()

	c.logger.Debug("Session rebound", map[string]any{
		"from":      from,
		"to":        to,
		"displaced": displaced != nil,
	})
	if displaced != nil {
		c.closeTransports(displaced.transport)
	}
	return true
}

// SweepExpired removes every entry idle for at least the TTL at now and
// returns how many were removed.
func (c *Cache) SweepExpired(now time.Time) int {
	var expired []Transport
	removed := 0

	c.mu.Lock()
	for id, e := range c.entries {
		if now.Sub(e.lastAccessedAt) < c.ttl {
			continue
		}
		delete(c.entries, id)
		c.recordRemovedLocked(e, metrics.ReasonExpired)
		expired = append(expired, e.transport)
		removed++
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("Expired sessions swept", map[string]any{
			"removed": removed,
			"ttl":     c.ttl.String(),
		})
	}
	c.closeTransports(expired...)
	return removed
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close removes every entry and closes every transport.
func (c *Cache) Close() {
	c.mu.Lock()
	transports := make([]Transport, 0, len(c.entries))
	for id, e := range c.entries {
		delete(c.entries, id)
		c.recordRemovedLocked(e, metrics.ReasonShutdown)
		transports = append(transports, e.transport)
	}
	c.mu.Unlock()

	c.closeTransports(transports...)
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Debug("Session sweeper started", map[string]any{
		"interval": interval.String(),
		"ttl":      c.ttl.String(),
	})

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Session sweeper stopped", nil)
			return
		case <-ticker.C:
			c.SweepExpired(c.now())
		}
	}
}

// recordRemovedLocked must be called with c.mu held.
func (c *Cache) recordRemovedLocked(e *entry, reason string) {
	c.metrics.SessionRemoved(reason, c.now().Sub(e.createdAt))
}

func (c *Cache) closeTransports(ts ...Transport) {
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			c.logger.Warn("Failed to close session transport", map[string]any{"error": err.Error()})
		}
	}
}
