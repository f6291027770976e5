package sync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultMonitorInterval is how often the monitor refreshes its snapshot.
	DefaultMonitorInterval = 5 * time.Second

	// defaultWarnLatency is the response time above which a warning issue is
	// raised for the tick.
	defaultWarnLatency = 2 * time.Second

	// defaultErrorRateThreshold is the pass error rate above which an error
	// issue is raised.
	defaultErrorRateThreshold = 0.25

	// maxIssues bounds the issue list carried across snapshots.
	maxIssues = 20
)

// MonitorOption configures a HealthMonitor.
type MonitorOption func(*HealthMonitor)

// WithInterval overrides the tick interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *HealthMonitor) { m.interval = d }
}

// WithWarnLatency overrides the response-time warning threshold.
func WithWarnLatency(d time.Duration) MonitorOption {
	return func(m *HealthMonitor) { m.warnLatency = d }
}

// WithErrorRateSource supplies the error-rate sample read on each tick,
// typically fed from the engine's most recent pass.
func WithErrorRateSource(fn func() float64) MonitorOption {
	return func(m *HealthMonitor) { m.errorRate = fn }
}

// WithMonitorLogger sets the monitor's logger.
func WithMonitorLogger(logger zerolog.Logger) MonitorOption {
	return func(m *HealthMonitor) { m.logger = logger }
}

// HealthMonitor polls the registry on a fixed interval and derives an overall
// health classification. A failing tick moves the connection to Reconnecting
// without stopping the ticker; the next successful tick restores Connected.
type HealthMonitor struct {
	probe       StatusProbe
	interval    time.Duration
	warnLatency time.Duration
	errorRate   func() float64
	logger      zerolog.Logger

	mu        sync.Mutex
	status    ConnectionStatus
	snapshot  HealthSnapshot
	issues    []HealthIssue
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewHealthMonitor creates a stopped monitor.
func NewHealthMonitor(probe StatusProbe, opts ...MonitorOption) *HealthMonitor {
	m := &HealthMonitor{
		probe:       probe,
		interval:    DefaultMonitorInterval,
		warnLatency: defaultWarnLatency,
		errorRate:   func() float64 { return 0 },
		logger:      zerolog.Nop(),
		status:      StatusDisconnected,
	}
	m.snapshot = HealthSnapshot{Status: StatusDisconnected, Overall: HealthHealthy}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start transitions to Connected and begins the polling loop. Calling Start
// on a running monitor is a no-op.
func (m *HealthMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.status = StatusConnected
	m.startedAt = time.Now()
	m.snapshot = HealthSnapshot{
		Status:    StatusConnected,
		Overall:   HealthHealthy,
		Issues:    append([]HealthIssue(nil), m.issues...),
		CheckedAt: time.Now(),
	}

	go m.run(ctx, m.done)
	m.logger.Info().Dur("interval", m.interval).Msg("health monitor started")
}

// Stop cancels the polling loop and transitions to Disconnected. It is
// idempotent and safe to call at any point in the tick cycle: an in-flight
// tick finishes before the loop exits.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	m.mu.Lock()
	m.status = StatusDisconnected
	m.snapshot.Status = StatusDisconnected
	m.mu.Unlock()
	m.logger.Info().Msg("health monitor stopped")
}

// Running reports whether the polling loop is active.
func (m *HealthMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Status returns the current connection status.
func (m *HealthMonitor) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot returns a copy of the current health snapshot.
func (m *HealthMonitor) Snapshot() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.snapshot
	cp.Issues = append([]HealthIssue(nil), m.snapshot.Issues...)
	return cp
}

// Escalate records an out-of-band issue and forces the overall classification
// to critical. Used by the engine when the registry rejects authentication.
func (m *HealthMonitor) Escalate(severity IssueSeverity, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendIssue(HealthIssue{Severity: severity, Message: message, At: time.Now()})
	m.snapshot.Overall = HealthCritical
	m.snapshot.Issues = append([]HealthIssue(nil), m.issues...)
}

func (m *HealthMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick takes one health sample and replaces the snapshot wholesale. The new
// snapshot is assembled off-lock so cancellation mid-tick leaves the prior
// snapshot intact.
func (m *HealthMonitor) tick(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	start := time.Now()
	_, err := m.probe.GetSyncStatus(probeCtx)
	latency := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		// Stopped while the probe was in flight; keep the prior snapshot.
		return
	}

	if err != nil {
		m.status = StatusReconnecting
		m.appendIssue(HealthIssue{
			Severity: SeverityCritical,
			Message:  "registry unreachable: " + err.Error(),
			At:       time.Now(),
		})
		m.snapshot = HealthSnapshot{
			Status:       StatusReconnecting,
			ResponseTime: latency,
			ErrorRate:    m.errorRate(),
			Uptime:       time.Since(m.startedAt),
			Overall:      HealthCritical,
			Issues:       append([]HealthIssue(nil), m.issues...),
			CheckedAt:    time.Now(),
		}
		m.logger.Warn().Err(err).Msg("health tick failed, reconnecting")
		return
	}

	var tickIssues []HealthIssue
	if latency > m.warnLatency {
		tickIssues = append(tickIssues, HealthIssue{
			Severity: SeverityWarning,
			Message:  "registry response time above threshold",
			At:       time.Now(),
		})
	}
	rate := m.errorRate()
	if rate > defaultErrorRateThreshold {
		tickIssues = append(tickIssues, HealthIssue{
			Severity: SeverityError,
			Message:  "elevated sync error rate",
			At:       time.Now(),
		})
	}
	for _, is := range tickIssues {
		m.appendIssue(is)
	}

	m.status = StatusConnected
	m.snapshot = HealthSnapshot{
		Status:       StatusConnected,
		ResponseTime: latency,
		ErrorRate:    rate,
		Uptime:       time.Since(m.startedAt),
		Overall:      classify(tickIssues),
		Issues:       append([]HealthIssue(nil), m.issues...),
		CheckedAt:    time.Now(),
	}
}

func (m *HealthMonitor) appendIssue(is HealthIssue) {
	m.issues = append(m.issues, is)
	if len(m.issues) > maxIssues {
		m.issues = m.issues[len(m.issues)-maxIssues:]
	}
}

// classify derives the overall level from the issues raised by one tick:
// healthy with no issues, degraded with only warnings, critical otherwise.
func classify(issues []HealthIssue) HealthLevel {
	if len(issues) == 0 {
		return HealthHealthy
	}
	for _, is := range issues {
		if is.Severity != SeverityWarning {
			return HealthCritical
		}
	}
	return HealthDegraded
}
