package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Prober answers whether the remote side is currently reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor tracks reachability of the remote backend by probing it on an
// interval and exposes the latest result as a cheap boolean. Subscribers
// are notified on every transition; callbacks run on the monitor goroutine,
// so they must not block.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration

	online atomic.Bool

	mu   sync.Mutex
	subs []func(online bool)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a monitor; Start must be called before Online is
// meaningful. The first probe runs immediately, not after one interval.
func NewMonitor(prober Prober, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
	}
}

// Online reports the last probe result. Safe from any goroutine.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Subscribe registers a transition callback. Meant to be called before
// Start; callbacks registered later only see subsequent transitions.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Start launches the probe loop. Stop tears it down.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		m.probe(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop cancels the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// ForceProbe runs one probe outside the schedule, for callers that just
// observed a request fail and want the flag updated promptly.
func (m *Monitor) ForceProbe(ctx context.Context) bool {
	m.probe(ctx)
	return m.Online()
}

func (m *Monitor) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Ping(pctx)
	cancel()

	now := err == nil
	was := m.online.Swap(now)
	if was == now {
		return
	}

	if now {
		log.Info().Msg("connectivity restored")
	} else {
		log.Warn().Err(err).Msg("connectivity lost")
	}

	m.mu.Lock()
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(now)
	}
}
