//go:build !windows

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/lifecycle"
	"github.com/loykin/botfleet/internal/registry"
	"github.com/loykin/botfleet/internal/store"
	"github.com/loykin/botfleet/internal/store/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticClients []registry.Client

func (s staticClients) List(context.Context) ([]registry.Client, error) { return s, nil }

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) has(t history.EventType, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Type == t && e.Record.Name == name {
			return true
		}
	}
	return false
}

type fixture struct {
	dir    string
	states store.Store
	sink   *captureSink
	ledger *lifecycle.Ledger
	layout layout.Layout
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	states, err := sqlite.New(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, states.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = states.Close() })
	sink := &captureSink{}
	return &fixture{
		dir:    dir,
		states: states,
		sink:   sink,
		ledger: lifecycle.NewLedger(states, sink, nil),
		layout: layout.New(filepath.Join(dir, "fleet")),
	}
}

// worker writes a fake worker script. It receives "--name <client>".
func (f *fixture) worker(t *testing.T, body string) []string {
	t.Helper()
	path := filepath.Join(f.dir, "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nMARKS="+f.dir+"\n"+body), 0o755))
	return []string{"/bin/sh", path}
}

func (f *fixture) set(t *testing.T, c registry.Client, st store.State) {
	t.Helper()
	require.NoError(t, f.states.Set(context.Background(), c.ProcessName(), 0, st))
}

func (f *fixture) state(t *testing.T, c registry.Client) store.State {
	t.Helper()
	rec, err := f.states.Get(context.Background(), c.ProcessName())
	require.NoError(t, err)
	return rec.State
}

func (f *fixture) supervisor(t *testing.T, cmd []string, clients ...registry.Client) *Supervisor {
	t.Helper()
	s, err := New(Config{
		Clients:     staticClients(clients),
		Ledger:      f.ledger,
		Layout:      f.layout,
		Command:     cmd,
		Interval:    50 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return s
}

var (
	alice = registry.Client{Name: "alice", Binary: "botclient"}
	bob   = registry.Client{Name: "bob", Binary: "botclient"}
	carol = registry.Client{Name: "carol", Binary: "botclient"}
)

func TestReconcileLaunchesOnlyDownClients(t *testing.T) {
	f := newFixture(t)
	f.set(t, alice, store.StateDown)
	f.set(t, bob, store.StatePaused)
	s := f.supervisor(t, f.worker(t, "touch \"$MARKS/$2.started\"\nexec sleep 30\n"), alice, bob, carol)
	defer s.StopAll()

	launched, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, launched)
	assert.Equal(t, []string{"botclient.alice"}, s.Running())

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(f.dir, "alice.started"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.NoFileExists(t, filepath.Join(f.dir, "bob.started"))
	assert.FileExists(t, filepath.Join(f.layout.ClientDir("alice"), PIDFileName))

	launched, err = s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, launched, "a client with a live worker is not launched twice")

	s.StopAll()
	assert.Empty(t, s.Running())
	assert.NoFileExists(t, filepath.Join(f.layout.ClientDir("alice"), PIDFileName))
}

func TestExitedRunningWorkerIsMarkedDown(t *testing.T) {
	f := newFixture(t)
	f.set(t, alice, store.StateDown)
	s := f.supervisor(t, f.worker(t, "sleep 1\nexit 3\n"), alice)
	defer s.StopAll()

	_, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	f.set(t, alice, store.StateRunning)

	require.Eventually(t, func() bool { return len(s.Running()) == 0 }, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return f.state(t, alice) == store.StateDown }, 5*time.Second, 20*time.Millisecond)
	assert.True(t, f.sink.has(history.EventDown, alice.ProcessName()))
}

func TestLaunchFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.set(t, alice, store.StateDown)
	s := f.supervisor(t, []string{filepath.Join(f.dir, "does-not-exist")}, alice)

	launched, err := s.Reconcile(context.Background())
	assert.Error(t, err)
	assert.Empty(t, launched)
	assert.True(t, f.sink.has(history.EventLaunchFailed, alice.ProcessName()))
	assert.Equal(t, store.StateDown, f.state(t, alice))
}

func TestRecoverMarksStaleRunningDown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.states.Set(context.Background(), carol.ProcessName(), 4100, store.StateRunning))
	f.set(t, bob, store.StatePaused)
	s := f.supervisor(t, []string{"/bin/true"}, bob, carol)

	require.NoError(t, s.Recover(context.Background()))
	rec, err := f.states.Get(context.Background(), carol.ProcessName())
	require.NoError(t, err)
	assert.Equal(t, store.StateDown, rec.State)
	assert.Zero(t, rec.IPCPort)
	assert.Equal(t, store.StatePaused, f.state(t, bob))
}

func TestRunLaunchesAndStops(t *testing.T) {
	f := newFixture(t)
	s, err := New(Config{
		Clients:     staticClients{alice},
		Ledger:      f.ledger,
		Layout:      f.layout,
		Command:     f.worker(t, "touch \"$MARKS/$2.started\"\nexec sleep 30\n"),
		Interval:    200 * time.Millisecond,
		StopTimeout: 2 * time.Second,
		WatchFile:   filepath.Join(f.dir, "ledger.db"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	f.set(t, alice, store.StateDown)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(f.dir, "alice.started"))
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Empty(t, s.Running())
}

func TestNewValidates(t *testing.T) {
	f := newFixture(t)
	_, err := New(Config{Ledger: f.ledger, Command: []string{"x"}})
	assert.Error(t, err)
	_, err = New(Config{Clients: staticClients{}, Ledger: f.ledger})
	assert.Error(t, err)
}
