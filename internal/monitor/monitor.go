// Package monitor aggregates security alerts raised by the connection core
// into a threat level. It observes and never gates control flow.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity of an alert. The zero value means "no alert" and is only used as
// a threat level.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityInfo
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity parses a severity name.
func ParseSeverity(name string) (Severity, error) {
	for s, n := range severityNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", name)
}

// Status is the triage status of an alert.
type Status string

const (
	StatusActive        Status = "active"
	StatusAcknowledged  Status = "acknowledged"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// IsOpen reports whether the alert still counts toward the threat level.
func (s Status) IsOpen() bool {
	return s == StatusActive || s == StatusInvestigating
}

// IsClosed reports whether the alert can no longer change status.
func (s Status) IsClosed() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Type tags what raised an alert.
type Type string

const (
	TypeAuthFailure      Type = "auth_failure"
	TypeRateLimit        Type = "rate_limit"
	TypePreflightFailure Type = "preflight_failure"
	TypeProcessFailure   Type = "process_failure"
	TypeConnectionDrop   Type = "connection_drop"
	TypeStorageFailure   Type = "storage_failure"
	TypeProtocolMisuse   Type = "protocol_misuse"
)

// escalates reports whether repeated alerts of this type raise the threat
// level to critical.
func (t Type) escalates() bool {
	return t == TypeAuthFailure || t == TypeRateLimit
}

// Alert is a recorded security event.
type Alert struct {
	ID        uuid.UUID `json:"id"`
	Severity  Severity  `json:"severity"`
	Type      Type      `json:"type"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
	// ResponseTime is the time from recording to the first status change.
	ResponseTime *time.Duration `json:"response_time,omitempty"`
}

var (
	// ErrAlertNotFound is returned for unknown or pruned alert IDs.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrAlertClosed is returned when changing a resolved or false-positive alert.
	ErrAlertClosed = errors.New("alert is closed")
)

const (
	DefaultMaxAlerts           = 1000
	DefaultMaxAge              = 24 * time.Hour
	DefaultEscalationThreshold = 5
	DefaultEscalationWindow    = 15 * time.Minute
)

// Options configures a Monitor. Zero fields use the defaults.
type Options struct {
	MaxAlerts           int
	MaxAge              time.Duration
	EscalationThreshold int
	EscalationWindow    time.Duration
	// Now is the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAlerts <= 0 {
		o.MaxAlerts = DefaultMaxAlerts
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.EscalationThreshold <= 0 {
		o.EscalationThreshold = DefaultEscalationThreshold
	}
	if o.EscalationWindow <= 0 {
		o.EscalationWindow = DefaultEscalationWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Metrics summarizes the retained alerts.
type Metrics struct {
	Total            int              `json:"total"`
	Open             int              `json:"open"`
	BySeverity       map[Severity]int `json:"by_severity"`
	ByType           map[Type]int     `json:"by_type"`
	ByStatus         map[Status]int   `json:"by_status"`
	ThreatLevel      Severity         `json:"threat_level"`
	Escalated        bool             `json:"escalated"`
	MeanResponseTime time.Duration    `json:"mean_response_time"`
	LastAlert        time.Time        `json:"last_alert,omitzero"`
}

// Monitor records alerts. It is safe for concurrent use.
type Monitor struct {
	opts Options

	mu     sync.RWMutex
	alerts []*Alert // oldest first
	byID   map[uuid.UUID]*Alert

	subMu  sync.Mutex
	subs   map[int]chan Alert
	nextID int
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	return &Monitor{
		opts: opts.withDefaults(),
		byID: make(map[uuid.UUID]*Alert),
		subs: make(map[int]chan Alert),
	}
}

// Record stores a new active alert and notifies subscribers.
func (m *Monitor) Record(severity Severity, typ Type, source, message string) Alert {
	alert := &Alert{
		ID:        uuid.New(),
		Severity:  severity,
		Type:      typ,
		Message:   message,
		Source:    source,
		Timestamp: m.opts.Now(),
		Status:    StatusActive,
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.byID[alert.ID] = alert
	m.pruneLocked()
	escalated := m.escalatedLocked()
	snapshot := *alert
	m.mu.Unlock()

	attrs := []any{"id", alert.ID, "severity", severity, "type", typ, "source", source, "message", message}
	switch {
	case severity >= SeverityHigh:
		slog.Warn("Security alert", attrs...)
	default:
		slog.Info("Security alert", attrs...)
	}
	if escalated && typ.escalates() {
		slog.Warn("Threat level escalated to critical", "type", typ, "window", m.opts.EscalationWindow)
	}

	m.publish(snapshot)
	return snapshot
}

// Acknowledge marks an alert as seen.
func (m *Monitor) Acknowledge(id uuid.UUID) error {
	return m.setStatus(id, StatusAcknowledged)
}

// Investigate marks an alert as under investigation. It keeps counting
// toward the threat level.
func (m *Monitor) Investigate(id uuid.UUID) error {
	return m.setStatus(id, StatusInvestigating)
}

// Resolve closes an alert.
func (m *Monitor) Resolve(id uuid.UUID) error {
	return m.setStatus(id, StatusResolved)
}

// MarkFalsePositive closes an alert and excludes it from escalation.
func (m *Monitor) MarkFalsePositive(id uuid.UUID) error {
	return m.setStatus(id, StatusFalsePositive)
}

func (m *Monitor) setStatus(id uuid.UUID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()
	alert, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if alert.Status.IsClosed() {
		return fmt.Errorf("%w: %s is %s", ErrAlertClosed, id, alert.Status)
	}
	if alert.ResponseTime == nil {
		rt := m.opts.Now().Sub(alert.Timestamp)
		alert.ResponseTime = &rt
	}
	alert.Status = status
	slog.Debug("Alert status changed", "id", id, "status", status)
	return nil
}

// Get returns a copy of one alert.
func (m *Monitor) Get(id uuid.UUID) (Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alert, ok := m.byID[id]
	if !ok {
		return Alert{}, false
	}
	return copyAlert(alert), true
}

// Alerts returns copies of all retained alerts, newest first.
func (m *Monitor) Alerts() []Alert {
	return m.filter(func(*Alert) bool { return true })
}

// OpenAlerts returns the alerts that count toward the threat level.
func (m *Monitor) OpenAlerts() []Alert {
	return m.filter(func(a *Alert) bool { return a.Status.IsOpen() })
}

func (m *Monitor) filter(keep func(*Alert) bool) []Alert {
	m.mu.Lock()
	m.pruneLocked()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, copyAlert(a))
		}
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Clear removes every alert.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
	m.byID = make(map[uuid.UUID]*Alert)
}

// ThreatLevel returns the current threat level.
func (m *Monitor) ThreatLevel() Severity {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return m.threatLevelLocked()
}

// Metrics returns a summary of the retained alerts.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	metrics := Metrics{
		Total:      len(m.alerts),
		BySeverity: make(map[Severity]int),
		ByType:     make(map[Type]int),
		ByStatus:   make(map[Status]int),
	}
	var responded int
	var responseSum time.Duration
	for _, a := range m.alerts {
		metrics.BySeverity[a.Severity]++
		metrics.ByType[a.Type]++
		metrics.ByStatus[a.Status]++
		if a.Status.IsOpen() {
			metrics.Open++
		}
		if a.ResponseTime != nil {
			responded++
			responseSum += *a.ResponseTime
		}
		if a.Timestamp.After(metrics.LastAlert) {
			metrics.LastAlert = a.Timestamp
		}
	}
	if responded > 0 {
		metrics.MeanResponseTime = responseSum / time.Duration(responded)
	}
	metrics.Escalated = m.escalatedLocked()
	metrics.ThreatLevel = m.threatLevelLocked()
	return metrics
}

func (m *Monitor) threatLevelLocked() Severity {
	if m.escalatedLocked() {
		return SeverityCritical
	}
	level := SeverityNone
	for _, a := range m.alerts {
		if a.Status.IsOpen() && a.Severity > level {
			level = a.Severity
		}
	}
	return level
}

// escalatedLocked reports whether enough auth-failure or rate-limit alerts
// fell inside the escalation window.
func (m *Monitor) escalatedLocked() bool {
	cutoff := m.opts.Now().Add(-m.opts.EscalationWindow)
	count := 0
	for _, a := range m.alerts {
		if a.Type.escalates() && a.Status != StatusFalsePositive && !a.Timestamp.Before(cutoff) {
			count++
		}
	}
	return count >= m.opts.EscalationThreshold
}

// pruneLocked drops alerts older than MaxAge, then the oldest beyond MaxAlerts.
func (m *Monitor) pruneLocked() {
	cutoff := m.opts.Now().Add(-m.opts.MaxAge)
	drop := 0
	for drop < len(m.alerts) && m.alerts[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if excess := len(m.alerts) - drop - m.opts.MaxAlerts; excess > 0 {
		drop += excess
	}
	if drop == 0 {
		return
	}
	for _, a := range m.alerts[:drop] {
		delete(m.byID, a.ID)
	}
	m.alerts = append([]*Alert(nil), m.alerts[drop:]...)
}

// Subscribe returns a channel that receives every new alert and a func that
// unsubscribes and closes it. Alerts are dropped when the buffer is full.
func (m *Monitor) Subscribe(buffer int) (<-chan Alert, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Alert, buffer)

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Monitor) publish(alert Alert) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- alert:
		default:
			slog.Debug("Dropping alert for slow subscriber", "id", alert.ID)
		}
	}
}

func copyAlert(a *Alert) Alert {
	out := *a
	if a.ResponseTime != nil {
		rt := *a.ResponseTime
		out.ResponseTime = &rt
	}
	return out
}
