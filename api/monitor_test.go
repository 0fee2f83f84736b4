package api

import (
	"bytes"
	"context"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/till-engine/till"
	"github.com/warp/till-engine/till/store"
	"github.com/warp/till-engine/till/tilltest"
)

func TestStaleTillMonitor_Check(t *testing.T) {
	ctx := context.Background()
	f := tilltest.Setup(t, func(*testing.T) till.TxStore { return store.NewTxMemory() })
	sess := f.Open(t, "10.00")

	var logs bytes.Buffer
	m := NewStaleTillMonitor(f.Service, time.Hour)
	m.Logger = log.New(&logs, "", 0)

	// GIVEN: a till opened seconds ago
	stale, err := m.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// WHEN: every open till counts as stale
	m.StaleAfter = 0
	stale, err = m.Check(ctx)

	// THEN: it is reported and logged
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, sess.ID, stale[0].ID)
	assert.Contains(t, logs.String(), string(sess.ID))
}

func TestStaleTillMonitor_StartStop(t *testing.T) {
	f := tilltest.Setup(t, func(*testing.T) till.TxStore { return store.NewTxMemory() })

	var logs bytes.Buffer
	m := NewStaleTillMonitor(f.Service, time.Hour)
	m.Logger = log.New(&logs, "", 0)
	m.CheckInterval = time.Hour

	m.Start()
	m.Stop()
	m.Stop()

	assert.Contains(t, logs.String(), "[StaleTillMonitor] Started")
	assert.Contains(t, logs.String(), "[StaleTillMonitor] Stopped")
}

// syncBuffer lets the test read logs written by the monitor goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func TestStaleTillMonitor_Restart(t *testing.T) {
	f := tilltest.Setup(t, func(*testing.T) till.TxStore { return store.NewTxMemory() })
	f.Open(t, "10.00")

	logs := &syncBuffer{}
	m := NewStaleTillMonitor(f.Service, 0)
	m.Logger = log.New(logs, "", 0)
	m.CheckInterval = 10 * time.Millisecond

	// GIVEN: a monitor that was started and stopped
	m.Start()
	m.Stop()
	logs.Reset()

	// WHEN: it is started again
	m.Start()
	defer m.Stop()

	// THEN: it keeps checking on every tick
	require.Eventually(t, func() bool {
		return strings.Count(logs.String(), "[StaleTillMonitor] Complete") >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "[StaleTillMonitor] Started")
}

func TestStaleTillMonitor_Disabled(t *testing.T) {
	f := tilltest.Setup(t, func(*testing.T) till.TxStore { return store.NewTxMemory() })

	var logs bytes.Buffer
	m := NewStaleTillMonitor(f.Service, time.Hour)
	m.Logger = log.New(&logs, "", 0)
	m.CheckInterval = 0

	m.Start()
	m.Stop()

	assert.Contains(t, logs.String(), "Disabled")
	assert.NotContains(t, logs.String(), "Stopped")
}
