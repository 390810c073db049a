package ipc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fast = Policy{Attempts: 2, Wait: 50 * time.Millisecond}

func serve(t *testing.T, opts ...ListenerOption) (*Listener, func()) {
	t.Helper()
	l, err := Listen(0, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Serve(ctx)
	}()
	return l, func() {
		cancel()
		<-done
	}
}

func TestSendDeliversCommand(t *testing.T) {
	l, stop := serve(t)
	defer stop()
	require.NotZero(t, l.Port())

	s := NewSender("botfleet.console", WithPolicy(fast))
	require.NoError(t, s.Send(context.Background(), l.Port(), Message{Command: CmdPause}))

	select {
	case msg := <-l.Messages():
		assert.Equal(t, CmdPause, msg.Command)
		assert.Equal(t, "botfleet.console", msg.From)
	case <-time.After(time.Second):
		t.Fatal("message not delivered to worker")
	}
}

func TestStateQueryAnsweredInline(t *testing.T) {
	l, stop := serve(t, WithStateFunc(func() string { return "RUNNING" }))
	defer stop()

	s := NewSender("botfleet.console", WithPolicy(fast))
	rc, err := s.Request(context.Background(), l.Port(), Message{Command: MsgState})
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", rc.Value)
	assert.Len(t, l.Messages(), 0)
}

func TestSendFailsFastWhenNothingListens(t *testing.T) {
	ln, err := net.Listen("tcp", addr(0))
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s := NewSender("botfleet.console", WithPolicy(Policy{Attempts: 6, Wait: 10 * time.Second}))
	start := time.Now()
	err = s.Send(context.Background(), port, Message{Command: CmdStop})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.TimedOut)
	assert.Equal(t, port, de.Port)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSendTimesOutAgainstUnresponsivePeer(t *testing.T) {
	ln, err := net.Listen("tcp", addr(0))
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	defer func() {
		_ = ln.Close()
		<-acceptDone
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	}()

	s := NewSender("botfleet.console", WithPolicy(fast))
	start := time.Now()
	err = s.Send(context.Background(), ln.Addr().(*net.TCPAddr).Port, Message{Command: CmdPause})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.TimedOut)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 2*fast.Wait)
}

func TestFullBacklogAnswersBusy(t *testing.T) {
	l, stop := serve(t, WithBacklog(1))
	defer stop()

	s := NewSender("botfleet.console", WithPolicy(fast))
	require.NoError(t, s.Send(context.Background(), l.Port(), Message{Command: CmdPause}))
	err := s.Send(context.Background(), l.Port(), Message{Command: CmdStop})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "busy")
}

func TestUnknownCommandRejected(t *testing.T) {
	l, stop := serve(t)
	defer stop()

	s := NewSender("botfleet.console", WithPolicy(fast))
	err := s.Send(context.Background(), l.Port(), Message{Command: "reboot"})
	require.ErrorIs(t, err, ErrRejected)
}

func TestMissingPort(t *testing.T) {
	s := NewSender("botfleet.console")
	err := s.Send(context.Background(), 0, Message{Command: CmdPause})
	assert.True(t, errors.Is(err, ErrNoPort))
}

func TestOneRequestInFlight(t *testing.T) {
	l, stop := serve(t, WithBacklog(8))
	defer stop()

	s := NewSender("botfleet.console", WithPolicy(fast))
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Send(context.Background(), l.Port(), Message{Command: MsgBotInfo}))
		}()
	}
	wg.Wait()
	assert.Len(t, l.Messages(), 4)
}

func TestMessagesClosedAfterServe(t *testing.T) {
	l, stop := serve(t)
	stop()
	_, ok := <-l.Messages()
	assert.False(t, ok)
}
