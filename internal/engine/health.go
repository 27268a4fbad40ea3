package engine

import (
	"strconv"
	"sync"
	"time"

	"marlin/internal/gateway/notifier"
	"marlin/internal/logger"
)

const (
	HealthOK       = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

const (
	degradedAfter = 3
	criticalAfter = 8
	// alertCooldown rate-limits repeat notifications for an ongoing outage.
	alertCooldown = 10 * time.Minute
)

// healthTracker watches consecutive exchange failures across cycles. One
// failed call is noise; a run of them means the venue or the network is
// down, which a human needs to hear about.
type healthTracker struct {
	notifier notifier.TextNotifier

	mu          sync.Mutex
	consecutive int
	lastErr     string
	lastAlert   time.Time
}

func newHealthTracker(n notifier.TextNotifier) *healthTracker {
	return &healthTracker{notifier: n}
}

func (h *healthTracker) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consecutive >= degradedAfter {
		logger.Infof("health: exchange recovered after %d consecutive failures", h.consecutive)
	}
	h.consecutive = 0
	h.lastErr = ""
}

func (h *healthTracker) recordFailure(err error) {
	h.mu.Lock()
	h.consecutive++
	h.lastErr = err.Error()
	n := h.consecutive
	shouldAlert := n == degradedAfter || n == criticalAfter
	if shouldAlert && time.Since(h.lastAlert) < alertCooldown {
		shouldAlert = false
	}
	if shouldAlert {
		h.lastAlert = time.Now()
	}
	h.mu.Unlock()

	if !shouldAlert {
		return
	}
	severity := notifier.SeverityWarning
	title := "Exchange connectivity degraded"
	if n >= criticalAfter {
		severity = notifier.SeverityCritical
		title = "Exchange connectivity critical"
	}
	if sendErr := notifier.Send(h.notifier, notifier.Alert{
		Severity: severity,
		Title:    title,
		Lines: []string{
			"consecutive failures: " + strconv.Itoa(n),
			"last error: " + err.Error(),
		},
		At: time.Now().UTC(),
	}); sendErr != nil {
		logger.Warnf("health: alert delivery failed: %v", sendErr)
	}
}

func (h *healthTracker) level() (string, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.consecutive >= criticalAfter:
		return HealthCritical, h.lastErr
	case h.consecutive >= degradedAfter:
		return HealthDegraded, h.lastErr
	default:
		return HealthOK, ""
	}
}
