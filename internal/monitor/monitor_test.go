package monitor

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(clock *fakeClock) *Monitor {
	return New(Options{Now: clock.Now, EscalationThreshold: 3, EscalationWindow: 10 * time.Minute})
}

func TestMonitor_Record(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	alert := m.Record(SeverityMedium, TypePreflightFailure, "preflight", "timezone not allowed")

	assert.NotEqual(t, uuid.Nil, alert.ID)
	assert.Equal(t, StatusActive, alert.Status)
	assert.Equal(t, clock.Now(), alert.Timestamp)
	assert.Nil(t, alert.ResponseTime)

	got, ok := m.Get(alert.ID)
	require.True(t, ok)
	assert.Equal(t, alert, got)
}

func TestMonitor_ThreatLevelIsMaxOpenSeverity(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)
	assert.Equal(t, SeverityNone, m.ThreatLevel())

	m.Record(SeverityLow, TypeProcessFailure, "vpn", "exited")
	high := m.Record(SeverityHigh, TypeProcessFailure, "tunnel", "exited")
	m.Record(SeverityMedium, TypeConnectionDrop, "vpn", "dropped")
	assert.Equal(t, SeverityHigh, m.ThreatLevel())

	require.NoError(t, m.Acknowledge(high.ID))
	assert.Equal(t, SeverityMedium, m.ThreatLevel())
}

func TestMonitor_InvestigatingStillCounts(t *testing.T) {
	m := newTestMonitor(newFakeClock())
	a := m.Record(SeverityHigh, TypeProtocolMisuse, "fsm", "bad event")

	require.NoError(t, m.Investigate(a.ID))
	assert.Equal(t, SeverityHigh, m.ThreatLevel())

	require.NoError(t, m.Resolve(a.ID))
	assert.Equal(t, SeverityNone, m.ThreatLevel())
}

func TestMonitor_EscalatesOnRepeatedAuthFailures(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)

	for range 2 {
		m.Record(SeverityMedium, TypeAuthFailure, "knock", "rejected")
		clock.Advance(time.Minute)
	}
	assert.Equal(t, SeverityMedium, m.ThreatLevel())

	m.Record(SeverityLow, TypeRateLimit, "orchestrator", "too many attempts")
	assert.Equal(t, SeverityCritical, m.ThreatLevel())
	assert.True(t, m.Metrics().Escalated)

	// Escalation holds even after triage, until the alerts leave the window.
	for _, a := range m.Alerts() {
		require.NoError(t, m.Acknowledge(a.ID))
	}
	assert.Equal(t, SeverityCritical, m.ThreatLevel())

	clock.Advance(10 * time.Minute)
	assert.Equal(t, SeverityNone, m.ThreatLevel())
}

func TestMonitor_FalsePositivesDoNotEscalate(t *testing.T) {
	m := newTestMonitor(newFakeClock())
	var ids []uuid.UUID
	for range 3 {
		ids = append(ids, m.Record(SeverityLow, TypeAuthFailure, "vpn", "AUTH_FAILED").ID)
	}
	require.Equal(t, SeverityCritical, m.ThreatLevel())

	require.NoError(t, m.MarkFalsePositive(ids[0]))
	assert.Equal(t, SeverityLow, m.ThreatLevel())
}

func TestMonitor_StatusTransitions(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)
	a := m.Record(SeverityInfo, TypeStorageFailure, "secretstore", "write failed")

	clock.Advance(30 * time.Second)
	require.NoError(t, m.Acknowledge(a.ID))
	clock.Advance(time.Minute)
	require.NoError(t, m.Resolve(a.ID))

	got, ok := m.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StatusResolved, got.Status)
	require.NotNil(t, got.ResponseTime)
	assert.Equal(t, 30*time.Second, *got.ResponseTime, "response time is set by the first change")

	assert.ErrorIs(t, m.Acknowledge(a.ID), ErrAlertClosed)
	assert.ErrorIs(t, m.Resolve(uuid.New()), ErrAlertNotFound)
}

func TestMonitor_RetentionByCountAndAge(t *testing.T) {
	clock := newFakeClock()
	m := New(Options{Now: clock.Now, MaxAlerts: 3, MaxAge: time.Hour})

	first := m.Record(SeverityInfo, TypeProcessFailure, "vpn", "1")
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		m.Record(SeverityInfo, TypeProcessFailure, "vpn", "n")
	}
	assert.Len(t, m.Alerts(), 3)
	_, ok := m.Get(first.ID)
	assert.False(t, ok, "oldest alert beyond the count limit is dropped")

	clock.Advance(2 * time.Hour)
	assert.Empty(t, m.Alerts())
	assert.Equal(t, 0, m.Metrics().Total)
}

func TestMonitor_AlertsNewestFirst(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)
	a := m.Record(SeverityLow, TypeProcessFailure, "vpn", "a")
	clock.Advance(time.Second)
	b := m.Record(SeverityLow, TypeProcessFailure, "vpn", "b")
	require.NoError(t, m.Resolve(a.ID))

	all := m.Alerts()
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)

	open := m.OpenAlerts()
	require.Len(t, open, 1)
	assert.Equal(t, b.ID, open[0].ID)
}

func TestMonitor_Metrics(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(clock)
	a := m.Record(SeverityHigh, TypeProcessFailure, "vpn", "a")
	m.Record(SeverityLow, TypeAuthFailure, "knock", "b")
	clock.Advance(10 * time.Second)
	require.NoError(t, m.Acknowledge(a.ID))

	metrics := m.Metrics()
	assert.Equal(t, 2, metrics.Total)
	assert.Equal(t, 1, metrics.Open)
	assert.Equal(t, 1, metrics.BySeverity[SeverityHigh])
	assert.Equal(t, 1, metrics.ByType[TypeAuthFailure])
	assert.Equal(t, 1, metrics.ByStatus[StatusAcknowledged])
	assert.Equal(t, SeverityLow, metrics.ThreatLevel)
	assert.Equal(t, 10*time.Second, metrics.MeanResponseTime)

	data, err := json.Marshal(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"threat_level":"low"`)
}

func TestMonitor_Clear(t *testing.T) {
	m := newTestMonitor(newFakeClock())
	a := m.Record(SeverityHigh, TypeProcessFailure, "vpn", "a")
	m.Clear()

	assert.Empty(t, m.Alerts())
	_, ok := m.Get(a.ID)
	assert.False(t, ok)
	assert.Equal(t, SeverityNone, m.ThreatLevel())
}

func TestMonitor_Subscribe(t *testing.T) {
	m := newTestMonitor(newFakeClock())
	ch, unsubscribe := m.Subscribe(1)

	a := m.Record(SeverityLow, TypeProcessFailure, "vpn", "a")
	m.Record(SeverityLow, TypeProcessFailure, "vpn", "dropped, buffer full")

	got := <-ch
	assert.Equal(t, a.ID, got.ID)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	m.Record(SeverityLow, TypeProcessFailure, "vpn", "after unsubscribe")
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.Equal(t, "severity(42)", Severity(42).String())

	s, err := ParseSeverity("HIGH")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, s)

	_, err = ParseSeverity("catastrophic")
	assert.Error(t, err)
}

func TestMonitor_ConcurrentUse(t *testing.T) {
	m := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a := m.Record(SeverityLow, TypeProcessFailure, "vpn", "x")
				_ = m.Acknowledge(a.ID)
				_ = m.Metrics()
				_ = m.ThreatLevel()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, m.Metrics().Total)
}
