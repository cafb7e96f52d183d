package opportunity

import (
	"context"
	"sync"
	"time"
)

const cooldownSweepInterval = 30 * time.Second

// CooldownManager tracks per-symbol cooldowns imposed after an entry
// pre-flight validation failure (§9 "Cooldowns after entry-validation
// failure"), consulted by the Scanner before returning a symbol as a
// candidate again.
//
// Grounded on risk.Manager's kill-switch shape: a mutex-guarded expiry map
// plus a sweep goroutine clearing stale entries (there: clearExpiredKillSwitch),
// run on the same 30s cadence as the teacher's risk-manager ticker.
type CooldownManager struct {
	mu       sync.Mutex
	expires  map[string]time.Time
	duration time.Duration
}

// NewCooldownManager builds a manager with a fixed cooldown window.
func NewCooldownManager(duration time.Duration) *CooldownManager {
	if duration <= 0 {
		duration = 5 * time.Minute
	}
	return &CooldownManager{expires: make(map[string]time.Time), duration: duration}
}

// Trigger starts (or restarts) a cooldown window for symbol.
func (cm *CooldownManager) Trigger(symbol string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.expires[symbol] = time.Now().Add(cm.duration)
}

// InCooldown reports whether symbol is currently cooling down.
func (cm *CooldownManager) InCooldown(symbol string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	expiry, ok := cm.expires[symbol]
	if !ok {
		return false
	}
	return time.Now().Before(expiry)
}

// Run sweeps expired entries until ctx is cancelled. Purely a memory
// reclaim: InCooldown already treats a past-expiry entry as not cooling
// down, so a missed sweep never produces a wrong answer.
func (cm *CooldownManager) Run(ctx context.Context) {
	ticker := time.NewTicker(cooldownSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.sweep()
		}
	}
}

func (cm *CooldownManager) sweep() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	for symbol, expiry := range cm.expires {
		if now.After(expiry) {
			delete(cm.expires, symbol)
		}
	}
}
