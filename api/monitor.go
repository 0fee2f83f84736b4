/*
monitor.go - Stale till monitor

PURPOSE:
  Periodically looks for till sessions left open longer than a threshold
  (typically a register nobody closed at end of day) and reports them in the
  log and the till_stale_open_sessions gauge. It never closes a till:
  closing requires a physical cash count.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Checks immediately on start, then on every tick
  - Stop waits for an in-flight check to finish; Start may be called again

USAGE:
  monitor := NewStaleTillMonitor(svc, 16*time.Hour)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - till/service.go: StaleTills
  - observability/metrics: SetStaleOpenTills
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/till-engine/observability/metrics"
	"github.com/warp/till-engine/till"
)

// StaleTillMonitor reports till sessions open longer than StaleAfter.
type StaleTillMonitor struct {
	Tills         *till.Service
	StaleAfter    time.Duration
	CheckInterval time.Duration
	Enabled       bool
	Logger        *log.Logger

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewStaleTillMonitor creates a monitor checking every 15 minutes.
func NewStaleTillMonitor(svc *till.Service, staleAfter time.Duration) *StaleTillMonitor {
	return &StaleTillMonitor{
		Tills:         svc,
		StaleAfter:    staleAfter,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		Logger:        log.Default(),
	}
}

// Start begins the monitor.
func (m *StaleTillMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled || m.CheckInterval <= 0 {
		m.Logger.Println("[StaleTillMonitor] Disabled, not starting")
		return
	}
	if m.ticker != nil {
		return
	}

	// A fresh stop channel per run so Start works again after Stop.
	m.ticker = time.NewTicker(m.CheckInterval)
	m.stop = make(chan bool)
	m.wg.Add(1)

	go m.run(m.ticker, m.stop)

	m.Logger.Printf("[StaleTillMonitor] Started with check interval: %v, stale after: %v", m.CheckInterval, m.StaleAfter)
}

// Stop stops the monitor.
func (m *StaleTillMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ticker != nil {
		m.ticker.Stop()
		close(m.stop)
		m.wg.Wait()
		m.ticker = nil
		m.Logger.Println("[StaleTillMonitor] Stopped")
	}
}

func (m *StaleTillMonitor) run(ticker *time.Ticker, stop <-chan bool) {
	defer m.wg.Done()

	m.check()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-stop:
			return
		}
	}
}

func (m *StaleTillMonitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := m.Check(ctx); err != nil {
		m.Logger.Printf("[StaleTillMonitor] Error listing open tills: %v", err)
	}
}

// Check runs one pass and returns the stale sessions found.
func (m *StaleTillMonitor) Check(ctx context.Context) ([]till.TillSession, error) {
	stale, err := m.Tills.StaleTills(ctx, m.StaleAfter)
	if err != nil {
		return nil, err
	}

	metrics.SetStaleOpenTills(len(stale))
	for _, s := range stale {
		m.Logger.Printf("[StaleTillMonitor] Till %s on terminal %s (tenant %s) open since %s",
			s.ID, s.TerminalID, s.TenantID, s.OpenedAt.Format(time.RFC3339))
	}
	if len(stale) > 0 {
		m.Logger.Printf("[StaleTillMonitor] Complete: %d stale open tills", len(stale))
	}
	return stale, nil
}
