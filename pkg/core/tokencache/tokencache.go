// Package tokencache implements the session-bound delegation token
// cache. This is Component C6.
//
// The cache is a two-level map, cache[sessionID][audience], guarded by
// a single RWMutex and bounded by both a per-session and a global LRU
// limit (list/map pattern adapted from the teacher's AWS STS credential
// cache, pkg/auth/awssts/credentials.go). Entries expire by TTL and are
// swept by a background goroutine; a session can be cleared outright
// when its transport session ends (spec.md §4.6).
package tokencache

import (
	"container/list"
	"regexp"
	"sync"
	"time"

	"github.com/stacklok/mcp-delegation-gateway/internal/logger"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/audit"
	"github.com/stacklok/mcp-delegation-gateway/pkg/core/gwerrors"
)

// Defaults, per spec.md §4.6.
const (
	DefaultTTL               = 5 * time.Minute
	DefaultMaxEntriesPerUser = 10
	DefaultMaxEntriesGlobal  = 10000
	DefaultSweepInterval     = 1 * time.Minute
)

// Bounds configured per-session/global limits are clamped into, so a
// misconfigured value can't starve the cache to zero or let a single
// deployment exhaust unbounded memory.
const (
	minMaxEntriesPerSession = 1
	maxMaxEntriesPerSession = 100
	minMaxEntriesGlobal     = 100
	maxMaxEntriesGlobal     = 100000
)

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

var uuidV4Pattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// ValidSessionID reports whether id is a syntactically valid UUIDv4,
// the only session-id shape this cache accepts (spec.md §4.6 edge
// case: malformed session id is rejected before any map access).
func ValidSessionID(id string) bool {
	return uuidV4Pattern.MatchString(id)
}

// entry is one cached delegation token for a (sessionID, audience) pair.
type entry struct {
	sessionID string
	audience  string
	token     string
	expiresAt time.Time
	element   *list.Element // position in the global LRU list
}

// Cache is the process-local, session-bound delegation token cache.
type Cache struct {
	mu        sync.RWMutex
	bySession map[string]map[string]*entry
	lru       *list.List // global LRU ordering, most-recent at front

	ttl           time.Duration
	maxPerSession int
	maxGlobal     int
	sink          audit.Sink

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithTTL overrides the default per-entry time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithMaxEntriesPerSession overrides the per-session entry limit,
// clamped to [1, 100].
func WithMaxEntriesPerSession(n int) Option {
	return func(c *Cache) { c.maxPerSession = clamp(n, minMaxEntriesPerSession, maxMaxEntriesPerSession) }
}

// WithMaxEntriesGlobal overrides the global entry limit, clamped to
// [100, 100000].
func WithMaxEntriesGlobal(n int) Option {
	return func(c *Cache) { c.maxGlobal = clamp(n, minMaxEntriesGlobal, maxMaxEntriesGlobal) }
}

// WithAuditSink overrides the sink eviction and session-clear events
// are emitted to. Defaults to audit.LoggerSink{}.
func WithAuditSink(sink audit.Sink) Option {
	return func(c *Cache) { c.sink = sink }
}

// New builds a Cache and starts its background sweeper. Callers must
// call Close to stop the sweeper goroutine.
func New(opts ...Option) *Cache {
	c := &Cache{
		bySession:     make(map[string]map[string]*entry),
		lru:           list.New(),
		ttl:           DefaultTTL,
		maxPerSession: DefaultMaxEntriesPerUser,
		maxGlobal:     DefaultMaxEntriesGlobal,
		stopSweep:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sink == nil {
		c.sink = audit.LoggerSink{}
	}
	go c.sweepLoop()
	return c
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

// Get returns the cached delegation token for (sessionID, audience), if
// present and unexpired.
func (c *Cache) Get(sessionID, audience string) (string, bool) {
	if !ValidSessionID(sessionID) {
		return "", false
	}

	c.mu.RLock()
	byAud, ok := c.bySession[sessionID]
	if !ok {
		c.mu.RUnlock()
		return "", false
	}
	e, ok := byAud[audience]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		c.Delete(sessionID, audience)
		return "", false
	}

	c.mu.Lock()
	c.lru.MoveToFront(e.element)
	c.mu.Unlock()

	return e.token, true
}

// Set stores token for (sessionID, audience), evicting per-session and
// global LRU entries as needed to stay within bounds (spec.md §4.6).
func (c *Cache) Set(sessionID, audience, token string) error {
	if !ValidSessionID(sessionID) {
		c.auditInvalidSessionID(sessionID)
		return gwerrors.New(gwerrors.KindInvalidSessionID, "tokencache: session id is not a valid UUIDv4")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	byAud, ok := c.bySession[sessionID]
	if !ok {
		byAud = make(map[string]*entry)
		c.bySession[sessionID] = byAud
	}

	if existing, ok := byAud[audience]; ok {
		existing.token = token
		existing.expiresAt = time.Now().Add(c.ttl)
		c.lru.MoveToFront(existing.element)
		return nil
	}

	if len(byAud) >= c.maxPerSession {
		c.evictOldestForSessionLocked(sessionID, byAud)
	}
	if c.lru.Len() >= c.maxGlobal {
		c.evictGlobalLRULocked()
	}

	e := &entry{
		sessionID: sessionID,
		audience:  audience,
		token:     token,
		expiresAt: time.Now().Add(c.ttl),
	}
	e.element = c.lru.PushFront(e)
	byAud[audience] = e
	return nil
}

// Delete removes a single (sessionID, audience) entry.
func (c *Cache) Delete(sessionID, audience string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(sessionID, audience)
}

func (c *Cache) deleteLocked(sessionID, audience string) {
	byAud, ok := c.bySession[sessionID]
	if !ok {
		return
	}
	if e, ok := byAud[audience]; ok {
		c.lru.Remove(e.element)
		delete(byAud, audience)
	}
	if len(byAud) == 0 {
		delete(c.bySession, sessionID)
	}
}

// ClearSession removes every cached entry for sessionID, called when the
// underlying MCP transport session terminates (spec.md §4.6).
func (c *Cache) ClearSession(sessionID string) {
	c.mu.Lock()
	byAud, ok := c.bySession[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	n := len(byAud)
	for _, e := range byAud {
		c.lru.Remove(e.element)
	}
	delete(c.bySession, sessionID)
	c.mu.Unlock()

	c.auditSessionCleared(sessionID, n)
}

// ClearAudience removes the single (sessionID, audience) entry, if
// present. It is the same operation as Delete, exposed under the name
// the cache's public surface documents: get/set/clearSession/
// clearAudience/clearAll plus stats().
func (c *Cache) ClearAudience(sessionID, audience string) {
	c.Delete(sessionID, audience)
}

// ClearAll empties the cache outright, clearing every session.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.bySession = make(map[string]map[string]*entry)
	c.lru = list.New()
	c.mu.Unlock()
}

// Stats is a snapshot of the cache's current occupancy.
type Stats struct {
	TotalEntries int
	SessionCount int
}

// Stats reports the cache's current size without exposing any means to
// enumerate or scan its contents.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{TotalEntries: c.lru.Len(), SessionCount: len(c.bySession)}
}

// Len reports the total number of cached entries across all sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// evictOldestForSessionLocked drops the least-recently-used entry that
// belongs to sessionID. Must be called with the write lock held.
func (c *Cache) evictOldestForSessionLocked(sessionID string, byAud map[string]*entry) {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		ent := e.Value.(*entry)
		if ent.sessionID == sessionID {
			c.lru.Remove(e)
			delete(byAud, ent.audience)
			c.auditLimitExceeded(ent.sessionID, ent.audience, "per-session limit reached")
			return
		}
	}
}

// evictGlobalLRULocked drops the single least-recently-used entry across
// the whole cache. Must be called with the write lock held.
func (c *Cache) evictGlobalLRULocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	ent := back.Value.(*entry)
	c.lru.Remove(back)
	if byAud, ok := c.bySession[ent.sessionID]; ok {
		delete(byAud, ent.audience)
		if len(byAud) == 0 {
			delete(c.bySession, ent.sessionID)
		}
	}
	c.auditLimitExceeded(ent.sessionID, ent.audience, "global limit reached")
}

func (c *Cache) auditInvalidSessionID(sessionID string) {
	event := audit.New(audit.EventTypeTrustBoundaryViolation,
		audit.EventSource{Type: audit.SourceTypeLocal, Value: "tokencache"},
		audit.OutcomeDenied, map[string]string{}, audit.ComponentGateway)
	event.Metadata.Extra = map[string]any{"reason": "invalid_session_id", "session_id": sessionID}
	c.sink.Emit(event)
}

func (c *Cache) auditLimitExceeded(sessionID, audience, reason string) {
	event := audit.New(audit.EventTypeCacheLimitExceeded,
		audit.EventSource{Type: audit.SourceTypeLocal, Value: "tokencache"},
		audit.OutcomeSuccess, map[string]string{}, audit.ComponentGateway)
	event.WithTarget(map[string]string{audit.TargetKeySessionID: sessionID, audit.TargetKeyAudience: audience})
	event.Metadata.Extra = map[string]any{"reason": reason}
	c.sink.Emit(event)
}

func (c *Cache) auditSessionCleared(sessionID string, entriesCleared int) {
	event := audit.New(audit.EventTypeSessionCleared,
		audit.EventSource{Type: audit.SourceTypeLocal, Value: "tokencache"},
		audit.OutcomeSuccess, map[string]string{}, audit.ComponentGateway)
	event.WithTarget(map[string]string{audit.TargetKeySessionID: sessionID, audit.TargetKeyType: audit.TargetTypeSession})
	event.Metadata.Extra = map[string]any{"entries_cleared": entriesCleared}
	c.sink.Emit(event)
}

// sweepLoop periodically evicts expired entries, independent of Get's
// lazy expiry check, so idle sessions don't hold memory indefinitely.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(DefaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	var expired []struct{ sessionID, audience string }

	c.mu.RLock()
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		ent := e.Value.(*entry)
		if now.After(ent.expiresAt) {
			expired = append(expired, struct{ sessionID, audience string }{ent.sessionID, ent.audience})
		}
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return
	}
	c.mu.Lock()
	for _, k := range expired {
		c.deleteLocked(k.sessionID, k.audience)
	}
	c.mu.Unlock()
	logger.Debugf("tokencache: swept %d expired entries", len(expired))
}
