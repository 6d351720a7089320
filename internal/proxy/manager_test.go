package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(addresses ...string) *Manager {
	return NewManager(Config{Addresses: addresses, Enabled: true})
}

func TestNewManagerDropsUnparseableAddresses(t *testing.T) {
	m := NewManager(Config{
		Addresses: []string{"http://proxy-a:8080", "://bad", "http://proxy-b:8080"},
		Enabled:   true,
	})

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "http://proxy-a:8080", stats[0].Address)
	assert.Equal(t, "http://proxy-b:8080", stats[1].Address)
}

func TestNextReturnsNilWhenDisabled(t *testing.T) {
	m := NewManager(Config{Addresses: []string{"http://proxy-a:8080"}, Enabled: false})
	assert.Nil(t, m.Next())
}

func TestNextReturnsNilForEmptyPool(t *testing.T) {
	m := newTestManager()
	assert.Nil(t, m.Next())
}

func TestNextSkipsBlacklisted(t *testing.T) {
	m := newTestManager("http://proxy-a:8080", "http://proxy-b:8080")

	first := m.Next()
	require.NotNil(t, first)

	// Push the first endpoint over the blacklist threshold.
	for i := 0; i < blacklistThreshold+1; i++ {
		m.RecordFailure(first)
	}

	next := m.Next()
	require.NotNil(t, next)
	assert.NotEqual(t, first.Address, next.Address)
}

func TestNextReturnsNilWhenAllBlacklisted(t *testing.T) {
	m := newTestManager("http://proxy-a:8080", "http://proxy-b:8080")

	for _, addr := range []string{"http://proxy-a:8080", "http://proxy-b:8080"} {
		ep := m.Next()
		require.NotNil(t, ep, "expected an endpoint before blacklisting %s", addr)
		for i := 0; i < blacklistThreshold+1; i++ {
			m.RecordFailure(ep)
		}
	}

	assert.Nil(t, m.Next())
}

func TestRotateAdvancesPointer(t *testing.T) {
	m := newTestManager("http://proxy-a:8080", "http://proxy-b:8080")

	first := m.Next()
	m.Rotate()
	second := m.Next()

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotEqual(t, first.Address, second.Address)

	m.Rotate()
	assert.Equal(t, first.Address, m.Next().Address, "rotation wraps around the pool")
}

func TestRecordFailureBlacklistsPastThreshold(t *testing.T) {
	m := newTestManager("http://proxy-a:8080")
	ep := m.Next()
	require.NotNil(t, ep)

	for i := 0; i < blacklistThreshold; i++ {
		m.RecordFailure(ep)
	}
	assert.False(t, ep.Blacklisted, "exactly at threshold stays usable")

	m.RecordFailure(ep)
	assert.True(t, ep.Blacklisted)
}

func TestClearBlacklistKeepsCounters(t *testing.T) {
	m := newTestManager("http://proxy-a:8080")
	ep := m.Next()
	require.NotNil(t, ep)

	for i := 0; i < blacklistThreshold+1; i++ {
		m.RecordFailure(ep)
	}
	require.True(t, ep.Blacklisted)

	m.ClearBlacklist()

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.False(t, stats[0].Blacklisted)
	assert.Equal(t, int64(blacklistThreshold+1), stats[0].Failures, "counters must survive a blacklist reset")
}

func TestStatsSuccessRate(t *testing.T) {
	m := newTestManager("http://proxy-a:8080")
	ep := m.Next()
	require.NotNil(t, ep)

	m.RecordSuccess(ep)
	m.RecordSuccess(ep)
	m.RecordSuccess(ep)
	m.RecordFailure(ep)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(3), stats[0].Successes)
	assert.Equal(t, int64(1), stats[0].Failures)
	assert.InDelta(t, 75.0, stats[0].SuccessRate, 0.01)
}

func TestTestAllBlacklistsUnreachable(t *testing.T) {
	// A local echo target plus one reachable forward proxy and one dead one.
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"origin":"127.0.0.1"}`)
	}))
	defer echo.Close()

	// The reachable "proxy" is a plain server that answers any request, which
	// is how a forward proxy looks to an HTTP client probing an http:// URL.
	goodProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer goodProxy.Close()

	m := NewManager(Config{
		Addresses: []string{goodProxy.URL, "http://127.0.0.1:1"},
		Enabled:   true,
		EchoURL:   echo.URL,
	})

	results := m.TestAll(context.Background())
	require.Len(t, results, 2)

	byAddr := make(map[string]ProbeResult, len(results))
	for _, r := range results {
		byAddr[r.Address] = r
	}

	assert.True(t, byAddr[goodProxy.URL].Reachable)
	assert.False(t, byAddr["http://127.0.0.1:1"].Reachable)
	assert.NotEmpty(t, byAddr["http://127.0.0.1:1"].Error)

	stats := m.Stats()
	for _, s := range stats {
		if s.Address == "http://127.0.0.1:1" {
			assert.True(t, s.Blacklisted, "unreachable endpoint should be blacklisted")
		} else {
			assert.False(t, s.Blacklisted)
		}
	}
}
