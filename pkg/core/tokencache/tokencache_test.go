package tokencache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-delegation-gateway/pkg/core/audit"
)

type recordingSink struct {
	events []*audit.Event
}

func (s *recordingSink) Emit(e *audit.Event) { s.events = append(s.events, e) }

const sessA = "11111111-1111-4111-8111-111111111111"
const sessB = "22222222-2222-4222-8222-222222222222"

func TestValidSessionID(t *testing.T) {
	assert.True(t, ValidSessionID(sessA))
	assert.False(t, ValidSessionID("not-a-uuid"))
	assert.False(t, ValidSessionID("11111111-1111-1111-8111-111111111111")) // not version 4
}

func TestSet_RejectsInvalidSessionID(t *testing.T) {
	c := New()
	defer c.Close()
	err := c.Set("not-a-uuid", "aud", "token")
	assert.Error(t, err)
}

func TestSetGet_RoundTrip(t *testing.T) {
	c := New()
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "token-1"))
	token, ok := c.Get(sessA, "aud1")
	require.True(t, ok)
	assert.Equal(t, "token-1", token)
}

func TestGet_MissingReturnsFalse(t *testing.T) {
	c := New()
	defer c.Close()
	_, ok := c.Get(sessA, "aud1")
	assert.False(t, ok)
}

func TestGet_InvalidSessionIDNeverPanics(t *testing.T) {
	c := New()
	defer c.Close()
	_, ok := c.Get("garbage", "aud1")
	assert.False(t, ok)
}

func TestSet_OverwriteRefreshesExpiry(t *testing.T) {
	c := New(WithTTL(50 * time.Millisecond))
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "token-1"))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.Set(sessA, "aud1", "token-2"))
	time.Sleep(30 * time.Millisecond)

	token, ok := c.Get(sessA, "aud1")
	require.True(t, ok)
	assert.Equal(t, "token-2", token)
}

func TestGet_ExpiredEntryEvicted(t *testing.T) {
	c := New(WithTTL(10 * time.Millisecond))
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "token-1"))
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get(sessA, "aud1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestDelete(t *testing.T) {
	c := New()
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "token-1"))
	c.Delete(sessA, "aud1")
	_, ok := c.Get(sessA, "aud1")
	assert.False(t, ok)
}

func TestClearSession(t *testing.T) {
	c := New()
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "token-1"))
	require.NoError(t, c.Set(sessA, "aud2", "token-2"))
	require.NoError(t, c.Set(sessB, "aud1", "token-3"))

	c.ClearSession(sessA)

	_, ok := c.Get(sessA, "aud1")
	assert.False(t, ok)
	_, ok = c.Get(sessA, "aud2")
	assert.False(t, ok)
	_, ok = c.Get(sessB, "aud1")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestSet_EvictsOldestForSessionAtPerSessionCap(t *testing.T) {
	c := New(WithMaxEntriesPerSession(2))
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "t1"))
	require.NoError(t, c.Set(sessA, "aud2", "t2"))
	require.NoError(t, c.Set(sessA, "aud3", "t3"))

	_, ok := c.Get(sessA, "aud1")
	assert.False(t, ok, "oldest entry for the session should have been evicted")
	_, ok = c.Get(sessA, "aud3")
	assert.True(t, ok)
}

func TestSet_EvictsGlobalLRUAtGlobalCap(t *testing.T) {
	c := New(WithMaxEntriesGlobal(100), WithMaxEntriesPerSession(100))
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "t1"))
	for i := 0; i < 100; i++ {
		require.NoError(t, c.Set(sessB, fmt.Sprintf("aud%d", i), "t"))
	}

	assert.Equal(t, 100, c.Len())
	_, ok := c.Get(sessA, "aud1")
	assert.False(t, ok, "globally least-recently-used entry should have been evicted")
}

func TestNew_ClampsOutOfRangeOptions(t *testing.T) {
	c := New(WithMaxEntriesPerSession(0), WithMaxEntriesGlobal(1))
	defer c.Close()
	assert.Equal(t, minMaxEntriesPerSession, c.maxPerSession)
	assert.Equal(t, minMaxEntriesGlobal, c.maxGlobal)

	c2 := New(WithMaxEntriesPerSession(1000), WithMaxEntriesGlobal(1000000))
	defer c2.Close()
	assert.Equal(t, maxMaxEntriesPerSession, c2.maxPerSession)
	assert.Equal(t, maxMaxEntriesGlobal, c2.maxGlobal)
}

func TestNew_DefaultsMatchSpec(t *testing.T) {
	c := New()
	defer c.Close()
	assert.Equal(t, 10, c.maxPerSession)
	assert.Equal(t, 10000, c.maxGlobal)
}

func TestLen(t *testing.T) {
	c := New()
	defer c.Close()
	assert.Equal(t, 0, c.Len())
	require.NoError(t, c.Set(sessA, "aud1", "t1"))
	assert.Equal(t, 1, c.Len())
}

func TestClose_IsIdempotent(t *testing.T) {
	c := New()
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestClearAudience(t *testing.T) {
	c := New()
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "t1"))
	require.NoError(t, c.Set(sessA, "aud2", "t2"))

	c.ClearAudience(sessA, "aud1")

	_, ok := c.Get(sessA, "aud1")
	assert.False(t, ok)
	_, ok = c.Get(sessA, "aud2")
	assert.True(t, ok)
}

func TestClearAll(t *testing.T) {
	c := New()
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "t1"))
	require.NoError(t, c.Set(sessB, "aud1", "t2"))

	c.ClearAll()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get(sessA, "aud1")
	assert.False(t, ok)
	_, ok = c.Get(sessB, "aud1")
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	c := New()
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "t1"))
	require.NoError(t, c.Set(sessA, "aud2", "t2"))
	require.NoError(t, c.Set(sessB, "aud1", "t3"))

	stats := c.Stats()
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 2, stats.SessionCount)
}

func TestSet_InvalidSessionIDEmitsAuditEvent(t *testing.T) {
	sink := &recordingSink{}
	c := New(WithAuditSink(sink))
	defer c.Close()

	require.Error(t, c.Set("not-a-uuid", "aud1", "token"))
	require.Len(t, sink.events, 1)
	assert.Equal(t, audit.EventTypeTrustBoundaryViolation, sink.events[0].Type)
}

func TestClearSession_EmitsAuditEvent(t *testing.T) {
	sink := &recordingSink{}
	c := New(WithAuditSink(sink))
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "t1"))
	c.ClearSession(sessA)

	require.NotEmpty(t, sink.events)
	last := sink.events[len(sink.events)-1]
	assert.Equal(t, audit.EventTypeSessionCleared, last.Type)
}

func TestSet_EvictionEmitsCacheLimitExceededAudit(t *testing.T) {
	sink := &recordingSink{}
	c := New(WithAuditSink(sink), WithMaxEntriesPerSession(1))
	defer c.Close()

	require.NoError(t, c.Set(sessA, "aud1", "t1"))
	require.NoError(t, c.Set(sessA, "aud2", "t2"))

	var sawLimitExceeded bool
	for _, e := range sink.events {
		if e.Type == audit.EventTypeCacheLimitExceeded {
			sawLimitExceeded = true
		}
	}
	assert.True(t, sawLimitExceeded)
}
