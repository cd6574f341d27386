package location

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoFix means no usable position is available right now.
var ErrNoFix = errors.New("no current location fix")

// Position is one GPS sample.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Provider abstracts the device's location services. The core only needs
// "give me the current position" and "notify me periodically"; how the
// platform delivers either is the provider's business.
type Provider interface {
	Current(ctx context.Context) (Position, error)
	// Watch delivers samples on the given interval until ctx is cancelled.
	Watch(ctx context.Context, interval time.Duration, fn func(Position))
}

// PollingProvider turns any Current implementation into a Watch via a
// ticker. Platform providers that push natively can ignore it.
type PollingProvider struct {
	CurrentFn func(ctx context.Context) (Position, error)
}

func (p *PollingProvider) Current(ctx context.Context) (Position, error) {
	return p.CurrentFn(ctx)
}

// ReportedProvider holds the fix the device last reported. The agent has no
// GPS of its own; the UI pushes samples in, and a sample older than maxAge is
// treated as no fix at all, so a check-in can never ride on a stale reading.
type ReportedProvider struct {
	maxAge time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	pos   Position
	taken time.Time
}

func NewReportedProvider(maxAge time.Duration) *ReportedProvider {
	return &ReportedProvider{maxAge: maxAge, now: time.Now}
}

// Report records a fresh sample.
func (p *ReportedProvider) Report(pos Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = pos
	p.taken = p.now()
}

func (p *ReportedProvider) Current(ctx context.Context) (Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.taken.IsZero() || p.now().Sub(p.taken) > p.maxAge {
		return Position{}, ErrNoFix
	}
	return p.pos, nil
}

func (p *ReportedProvider) Watch(ctx context.Context, interval time.Duration, fn func(Position)) {
	(&PollingProvider{CurrentFn: p.Current}).Watch(ctx, interval, fn)
}

func (p *PollingProvider) Watch(ctx context.Context, interval time.Duration, fn func(Position)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pos, err := p.CurrentFn(ctx); err == nil {
				fn(pos)
			}
		}
	}
}
