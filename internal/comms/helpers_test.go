package comms

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blectl/internal/ble"
	"github.com/chaz8081/blectl/internal/ble/bletest"
	"github.com/chaz8081/blectl/internal/device"
)

const (
	deviceA = "AA:AA:AA:AA:AA:01"
	deviceB = "BB:BB:BB:BB:BB:02"
)

var testSightings = []ble.Sighting{
	{ID: deviceA, Name: "Guitar-01", RSSI: -40},
	{ID: deviceB, Name: "Speaker-X", RSSI: -70},
}

const waitFor = 2 * time.Second

func newTestManager(t *testing.T, opts Options) (*Manager, *bletest.Adapter) {
	t.Helper()
	adapter := bletest.NewAdapter(testSightings...)
	reg := device.NewRegistry(nil)
	for _, s := range testSightings {
		reg.Ingest(s)
	}
	m, err := New(adapter, reg, opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, adapter
}

func connectedManager(t *testing.T, opts Options) (*Manager, *bletest.Adapter, *bletest.Connection) {
	t.Helper()
	m, adapter := newTestManager(t, opts)
	require.NoError(t, m.Connect(context.Background(), deviceA))
	return m, adapter, adapter.LatestConnection()
}

// writeTestFile writes size bytes with a recognizable pattern.
func writeTestFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func waitTransfer(t *testing.T, m *Manager, id string) Transfer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	tr, err := m.WaitTransfer(ctx, id)
	require.NoError(t, err)
	return tr
}

// gate blocks a chosen write until released.
type gate struct {
	at       int
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
	released sync.Once
}

func newGate(t *testing.T, at int) *gate {
	g := &gate{at: at, entered: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gate) hook(n int, _ []byte) error {
	if n == g.at {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return nil
}

func (g *gate) open() { g.released.Do(func() { close(g.release) }) }

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(waitFor):
		t.Fatal("write never reached the gate")
	}
}

// memRecorder collects recorded entries.
type memRecorder struct {
	mu        sync.Mutex
	commands  []Command
	received  []Received
	transfers []Transfer
}

func (r *memRecorder) RecordCommand(c Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, c)
	return nil
}

func (r *memRecorder) RecordReceived(rc Received) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, rc)
	return nil
}

func (r *memRecorder) RecordTransfer(tr Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = append(r.transfers, tr)
	return nil
}

func (r *memRecorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands), len(r.received), len(r.transfers)
}
