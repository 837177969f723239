package progress

import (
	"sync"
	"time"
)

const DefaultFailureThreshold = 2

// Connectivity tracks whether the remote endpoint is reachable. Probes and sync
// rounds report into it; a manual override mirrors the host's own
// online/offline events.
type Connectivity struct {
	mu                  sync.Mutex
	online              bool
	manualOffline       bool
	consecutiveFailures int
	threshold           int
	lastChange          time.Time
	lastError           error
	listeners           []func(online bool)
	now                 Clock
}

func NewConnectivity(threshold int, now Clock) *Connectivity {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if now == nil {
		now = time.Now
	}
	return &Connectivity{threshold: threshold, now: now}
}

type ConnectivityState struct {
	Online              bool      `json:"online"`
	ManualOffline       bool      `json:"manual_offline"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChange          time.Time `json:"last_change"`
	LastError           string    `json:"last_error,omitempty"`
}

// OnChange registers fn to run after every online/offline transition.
// Callbacks run synchronously on the reporting goroutine without the lock held.
func (c *Connectivity) OnChange(fn func(online bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online && !c.manualOffline
}

func (c *Connectivity) State() ConnectivityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ConnectivityState{
		Online:              c.online && !c.manualOffline,
		ManualOffline:       c.manualOffline,
		ConsecutiveFailures: c.consecutiveFailures,
		LastChange:          c.lastChange,
	}
	if c.lastError != nil {
		st.LastError = c.lastError.Error()
	}
	return st
}

func (c *Connectivity) ReportSuccess() {
	c.mu.Lock()
	was := c.online && !c.manualOffline
	c.online = true
	c.consecutiveFailures = 0
	c.lastError = nil
	c.transitionLocked(was)
}

func (c *Connectivity) ReportFailure(err error) {
	c.mu.Lock()
	was := c.online && !c.manualOffline
	c.consecutiveFailures++
	c.lastError = err
	if c.consecutiveFailures >= c.threshold {
		c.online = false
	}
	c.transitionLocked(was)
}

// SetManual forces offline mode (online=false) or lifts it (online=true).
// Lifting it does not claim the endpoint is reachable; the next probe decides.
func (c *Connectivity) SetManual(online bool) {
	c.mu.Lock()
	was := c.online && !c.manualOffline
	c.manualOffline = !online
	c.transitionLocked(was)
}

// transitionLocked releases c.mu.
func (c *Connectivity) transitionLocked(was bool) {
	is := c.online && !c.manualOffline
	if was == is {
		c.mu.Unlock()
		return
	}
	c.lastChange = c.now()
	listeners := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(is)
	}
}
