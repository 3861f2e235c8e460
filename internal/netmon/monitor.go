package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"go.uber.org/zap"
)

// Prober answers whether the remote endpoint is currently reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber probes reachability with a HEAD request against the remote
// store base URL.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe reports whether the endpoint answered at all; any HTTP status
// counts as reachable.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Monitor tracks network reachability as a single boolean and publishes
// net.online / net.offline bus events on transitions only. The offline
// to online edge is what triggers queued message replay downstream.
type Monitor struct {
	mu       sync.RWMutex
	online   bool
	prober   Prober
	interval time.Duration
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewMonitor creates a monitor that starts in the offline state; the first
// successful probe flips it online.
func NewMonitor(prober Prober, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		bus:      b,
		logger:   logger,
	}
}

// Online returns the current reachability signal.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Start begins periodic probing.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop stops probing.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	m.Set(m.prober.Probe(ctx))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Set(m.prober.Probe(ctx))
		case <-ctx.Done():
			return
		}
	}
}

// Set records the reachability signal directly. The probe loop uses it,
// and callers that learn about connectivity first (a failed submission,
// a dropped stream) may report through it as well.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}

	kind := "net.offline"
	if online {
		kind = "net.online"
	}
	if m.logger != nil {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	m.bus.Publish(bus.Now(kind, online))
}
