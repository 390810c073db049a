package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loykin/botfleet/internal/ipc"
	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/lifecycle"
	"github.com/loykin/botfleet/internal/registry"
	"github.com/loykin/botfleet/internal/server"
	"github.com/loykin/botfleet/internal/store"
	"github.com/loykin/botfleet/internal/store/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

var fast = ipc.Policy{Attempts: 2, Wait: 500 * time.Millisecond}

type recordingEngine struct {
	startErr error
	started  atomic.Int32
	stopped  atomic.Int32
}

func (e *recordingEngine) Start(context.Context) error {
	e.started.Add(1)
	return e.startErr
}

func (e *recordingEngine) Stop(context.Context) error {
	e.stopped.Add(1)
	return nil
}

type fixture struct {
	states store.Store
	ledger *lifecycle.Ledger
	client registry.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	states, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, states.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = states.Close() })
	return &fixture{
		states: states,
		ledger: lifecycle.NewLedger(states, nil, nil),
		client: registry.Client{Name: "alice", Binary: "botclient", APIKey: "abcd1234", Bundle: "hubot"},
	}
}

func (f *fixture) record(t *testing.T) store.Record {
	t.Helper()
	rec, err := f.states.Get(context.Background(), f.client.ProcessName())
	require.NoError(t, err)
	return rec
}

// start runs w in the background and waits until it is RUNNING.
func start(t *testing.T, ctx context.Context, f *fixture, w *Worker) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool {
		rec, err := f.states.Get(context.Background(), f.client.ProcessName())
		return err == nil && rec.State == store.StateRunning
	}, 5*time.Second, 10*time.Millisecond)
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
		return nil
	}
}

func TestPauseCommandSetsPausedAndExits(t *testing.T) {
	f := newFixture(t)
	eng := &recordingEngine{}
	w := New(Config{Client: f.client, Ledger: f.ledger, Engine: eng})
	done := start(t, context.Background(), f, w)

	rec := f.record(t)
	assert.Equal(t, w.Port(), rec.IPCPort)
	assert.NotZero(t, rec.IPCPort)

	s := ipc.NewSender("botfleet.console", ipc.WithPolicy(fast))
	rc, err := s.Request(context.Background(), rec.IPCPort, ipc.Message{Command: ipc.MsgState})
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", rc.Value)

	require.NoError(t, s.Send(context.Background(), rec.IPCPort, ipc.Message{Command: ipc.CmdPause}))
	require.NoError(t, wait(t, done))

	rec = f.record(t)
	assert.Equal(t, store.StatePaused, rec.State)
	assert.Zero(t, rec.IPCPort)
	assert.Equal(t, store.StatePaused, w.State())
	assert.Equal(t, int32(1), eng.started.Load())
	assert.Equal(t, int32(1), eng.stopped.Load())
}

func TestStopCommandSetsDown(t *testing.T) {
	f := newFixture(t)
	w := New(Config{Client: f.client, Ledger: f.ledger})
	done := start(t, context.Background(), f, w)

	s := ipc.NewSender("botfleet.console", ipc.WithPolicy(fast))
	require.NoError(t, s.Send(context.Background(), w.Port(), ipc.Message{Command: ipc.CmdStop}))
	require.NoError(t, wait(t, done))
	assert.Equal(t, store.StateDown, f.record(t).State)
}

func TestCancelSetsDown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := New(Config{Client: f.client, Ledger: f.ledger})
	done := start(t, ctx, f, w)

	cancel()
	require.NoError(t, wait(t, done))
	rec := f.record(t)
	assert.Equal(t, store.StateDown, rec.State)
	assert.Zero(t, rec.IPCPort)
}

func TestEngineStartFailure(t *testing.T) {
	f := newFixture(t)
	eng := &recordingEngine{startErr: errors.New("bundle refused to start")}
	w := New(Config{Client: f.client, Ledger: f.ledger, Engine: eng})

	err := w.Run(context.Background())
	assert.ErrorContains(t, err, "bundle refused to start")
	assert.Equal(t, store.StateDown, f.record(t).State)
	assert.Equal(t, int32(1), eng.stopped.Load())
}

func TestPasswordMessageIsSaved(t *testing.T) {
	f := newFixture(t)
	l := layout.New(t.TempDir())
	require.NoError(t, l.WriteClientConfig(layout.ClientSettings{Name: "alice", User: "alice@example.com"}))
	w := New(Config{Client: f.client, Ledger: f.ledger, Layout: &l})
	done := start(t, context.Background(), f, w)

	s := ipc.NewSender("botfleet.console", ipc.WithPolicy(fast))
	require.NoError(t, s.Send(context.Background(), w.Port(), ipc.Message{Command: ipc.MsgPassword, Value: "s3cret"}))
	require.Eventually(t, func() bool {
		pw, err := l.Password("alice")
		return err == nil && pw == "s3cret"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Send(context.Background(), w.Port(), ipc.Message{Command: ipc.CmdStop}))
	require.NoError(t, wait(t, done))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestServesStatusOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.client.Interface = "127.0.0.1"
	f.client.Port = freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := New(Config{Client: f.client, Ledger: f.ledger, Version: "1.2.0"})
	done := start(t, ctx, f, w)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/Apps/abcd1234/status", f.client.Port)
	var st server.Status
	require.Eventually(t, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && json.Unmarshal(body, &st) == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "RUNNING", st.State)
	assert.Equal(t, "botclient.alice", st.Process)
	assert.Equal(t, "1.2.0", st.Version)
	assert.Equal(t, w.Port(), st.IPCPort)

	cancel()
	require.NoError(t, wait(t, done))
}

func TestHTTPSWithoutTLSConfigFails(t *testing.T) {
	f := newFixture(t)
	f.client.Interface = "127.0.0.1"
	f.client.Port = freePort(t)
	f.client.HTTPS = true
	err := New(Config{Client: f.client, Ledger: f.ledger}).Run(context.Background())
	assert.ErrorContains(t, err, "no tls configuration")
	_, err = f.states.Get(context.Background(), f.client.ProcessName())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunRequiresLedger(t *testing.T) {
	assert.Error(t, New(Config{Client: registry.Client{Name: "x"}}).Run(context.Background()))
}

func TestNopEngine(t *testing.T) {
	var e Engine = NopEngine{}
	assert.NoError(t, e.Start(context.Background()))
	assert.NoError(t, e.Stop(context.Background()))
}
