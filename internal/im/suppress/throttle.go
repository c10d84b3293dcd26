package suppress

import (
	"sync"
	"time"

	logx "imgateway/pkg/logx"
)

const DefaultCooldown = 300 * time.Second

// AlertThrottle logs every alert and forwards at most one per key per cooldown.
type AlertThrottle struct {
	mu      sync.Mutex
	last    map[string]time.Time
	forward func(string)
	log     logx.Logger
	now     Clock
}

func NewAlertThrottle(log logx.Logger, forward func(string), now Clock) *AlertThrottle {
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AlertThrottle{last: map[string]time.Time{}, forward: forward, log: log, now: now}
}

// Alert reports whether message was forwarded.
func (a *AlertThrottle) Alert(key, message string, cooldown time.Duration) bool {
	a.log.Warn(message, logx.String("alert", key))
	if a.forward == nil {
		return false
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	now := a.now()

	a.mu.Lock()
	last, ok := a.last[key]
	if ok && now.Sub(last) < cooldown {
		a.mu.Unlock()
		return false
	}
	a.last[key] = now
	a.mu.Unlock()

	a.forward(message)
	return true
}
