package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProber struct {
	mu  sync.Mutex
	err error
}

func (p *stubProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *stubProber) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func TestMonitorTracksProbeResult(t *testing.T) {
	prober := &stubProber{}
	m := NewMonitor(prober, time.Hour, time.Second)

	m.ForceProbe(context.Background())
	assert.True(t, m.Online())

	prober.set(errors.New("refused"))
	m.ForceProbe(context.Background())
	assert.False(t, m.Online())

	prober.set(nil)
	m.ForceProbe(context.Background())
	assert.True(t, m.Online())
}

func TestMonitorNotifiesOnTransitionsOnly(t *testing.T) {
	prober := &stubProber{err: errors.New("down")}
	m := NewMonitor(prober, time.Hour, time.Second)

	var transitions []bool
	m.Subscribe(func(online bool) {
		transitions = append(transitions, online)
	})

	ctx := context.Background()
	m.ForceProbe(ctx) // offline, initial state, no transition
	m.ForceProbe(ctx) // still offline
	prober.set(nil)
	m.ForceProbe(ctx) // offline -> online
	m.ForceProbe(ctx) // still online
	prober.set(errors.New("down again"))
	m.ForceProbe(ctx) // online -> offline

	require.Equal(t, []bool{true, false}, transitions)
}

func TestMonitorStartProbesImmediately(t *testing.T) {
	prober := &stubProber{}
	m := NewMonitor(prober, time.Hour, time.Second)

	notified := make(chan bool, 1)
	m.Subscribe(func(online bool) {
		select {
		case notified <- online:
		default:
		}
	})

	m.Start(context.Background())
	defer m.Stop()

	select {
	case online := <-notified:
		assert.True(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("no probe before the first interval elapsed")
	}
	assert.True(t, m.Online())
}
