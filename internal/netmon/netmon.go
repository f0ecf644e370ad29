// Package netmon tracks network reachability and notifies listeners when
// connectivity returns.
package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// State is the coarse connectivity state.
type State string

// Connectivity states.
const (
	StateUnknown State = "unknown"
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Type is the kind of link the device is using.
type Type string

// Link types.
const (
	TypeWiFi     Type = "wifi"
	TypeCellular Type = "cellular"
	TypeEthernet Type = "ethernet"
	TypeOther    Type = "other"
	TypeNone     Type = "none"
	TypeUnknown  Type = "unknown"
)

// Default probe settings.
const (
	DefaultProbeTimeout  = 5 * time.Second
	DefaultCheckInterval = 30 * time.Second
)

// Event is a platform connectivity report.
type Event struct {
	Connected bool
	Type      Type
}

// Source delivers platform connectivity events. Watch blocks until ctx is
// cancelled or the source fails, sending events on the channel.
type Source interface {
	Watch(ctx context.Context, events chan<- Event) error
}

// Options configures a Monitor.
type Options struct {
	// ProbeURL is requested by CheckNetworkStatus. Empty disables probing.
	ProbeURL      string
	ProbeTimeout  time.Duration
	CheckInterval time.Duration

	// Source is optional. Without one the monitor assumes it is online.
	Source Source

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Monitor holds the current connectivity state. It is safe for concurrent
// use.
type Monitor struct {
	probeURL      string
	probeTimeout  time.Duration
	checkInterval time.Duration
	source        Source
	httpClient    *http.Client
	logger        *slog.Logger

	mu        sync.Mutex
	state     State
	reachable bool
	linkType  Type
	hooks     []func()
}

// New creates a monitor. Its initial state is unknown when a source is
// configured and online otherwise.
func New(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	interval := opts.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}

	m := &Monitor{
		probeURL:      opts.ProbeURL,
		probeTimeout:  timeout,
		checkInterval: interval,
		source:        opts.Source,
		httpClient:    client,
		logger:        logger,
		state:         StateOnline,
		reachable:     true,
		linkType:      TypeUnknown,
	}

	if opts.Source != nil {
		m.state = StateUnknown
		m.reachable = false
	}

	return m
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// IsConnected reports whether a link is up. Unknown counts as connected so
// callers never block waiting for the first platform event.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state != StateOffline
}

// IsInternetReachable reports whether the last probe or event found the
// internet reachable.
func (m *Monitor) IsInternetReachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reachable
}

// IsOffline reports whether the monitor has positively observed no
// connectivity.
func (m *Monitor) IsOffline() bool {
	return m.State() == StateOffline
}

// Type returns the current link type.
func (m *Monitor) Type() Type {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.linkType
}

// OnReconnect registers fn to run once per offline-to-online transition.
// Hooks run on their own goroutine in registration order.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Set records an observed state. It is the single entry point for events,
// probe results and tests.
func (m *Monitor) Set(connected, reachable bool, t Type) {
	m.mu.Lock()

	prev := m.state

	next := StateOffline
	if connected {
		next = StateOnline
	}

	m.state = next
	m.reachable = connected && reachable

	if t != "" {
		m.linkType = t
	}

	var fire []func()
	if prev == StateOffline && next == StateOnline {
		fire = append(fire, m.hooks...)
	}

	m.mu.Unlock()

	if prev != next {
		m.logger.Info("network state changed",
			slog.String("from", string(prev)),
			slog.String("to", string(next)),
			slog.String("type", string(t)),
		)
	}

	if len(fire) > 0 {
		go func() {
			for _, fn := range fire {
				fn()
			}
		}()
	}
}

// CheckNetworkStatus issues one probe request and updates the state. Any
// failure or non-2xx/3xx response counts as offline. Without a probe URL it
// returns the current state unchanged.
func (m *Monitor) CheckNetworkStatus(ctx context.Context) State {
	if m.probeURL == "" {
		return m.State()
	}

	err := m.probe(ctx)
	if err != nil {
		m.logger.Debug("network probe failed", slog.String("error", err.Error()))
		m.Set(false, false, "")

		return StateOffline
	}

	m.Set(true, true, "")

	return StateOnline
}

func (m *Monitor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("netmon: building probe: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("netmon: probe: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("netmon: probe returned HTTP %d", resp.StatusCode)
	}

	return nil
}

// Run drives the monitor until ctx is cancelled: it consumes events from the
// source, if any, and probes at the check interval.
func (m *Monitor) Run(ctx context.Context) error {
	events := make(chan Event, 8)

	if m.source != nil {
		go func() {
			if err := m.source.Watch(ctx, events); err != nil && ctx.Err() == nil {
				m.logger.Warn("network source stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if m.probeURL != "" {
		m.CheckNetworkStatus(ctx)
	}

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if ev.Connected && m.probeURL != "" {
				// A link came up; confirm the internet is reachable.
				m.CheckNetworkStatus(ctx)
				m.setType(ev.Type)

				continue
			}

			m.Set(ev.Connected, ev.Connected, ev.Type)
		case <-ticker.C:
			if m.probeURL != "" {
				m.CheckNetworkStatus(ctx)
			}
		}
	}
}

func (m *Monitor) setType(t Type) {
	if t == "" {
		return
	}

	m.mu.Lock()
	m.linkType = t
	m.mu.Unlock()
}
