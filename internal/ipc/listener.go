package ipc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	defaultBacklog = 16
	connDeadline   = 5 * time.Second
	replyBusy      = "busy"
	replyUnknown   = "unknown command"
)

// StateFunc answers a state query inline.
type StateFunc func() string

// Listener is a worker's end of the control channel. Accepted messages are handed to
// the worker through Messages; state queries are answered directly.
type Listener struct {
	ln    net.Listener
	ctrl  chan Message
	state StateFunc
	log   *slog.Logger

	wg   sync.WaitGroup
	once sync.Once
}

type ListenerOption func(*Listener)

func WithStateFunc(f StateFunc) ListenerOption {
	return func(l *Listener) { l.state = f }
}

func WithListenerLogger(lg *slog.Logger) ListenerOption {
	return func(l *Listener) {
		if lg != nil {
			l.log = lg
		}
	}
}

// WithBacklog sets how many accepted messages may wait for the worker before new
// ones are refused as busy.
func WithBacklog(n int) ListenerOption {
	return func(l *Listener) {
		if n > 0 {
			l.ctrl = make(chan Message, n)
		}
	}
}

// Listen binds the loopback control port. Port 0 picks a free port.
func Listen(port int, opts ...ListenerOption) (*Listener, error) {
	ln, err := net.Listen("tcp", addr(port))
	if err != nil {
		return nil, err
	}
	l := &Listener{
		ln:   ln,
		ctrl: make(chan Message, defaultBacklog),
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Port is the bound port, to be recorded in the ledger.
func (l *Listener) Port() int {
	if ta, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return ta.Port
	}
	return 0
}

// Messages is closed once Serve has returned and every connection is finished.
func (l *Listener) Messages() <-chan Message { return l.ctrl }

// Serve accepts connections until ctx is canceled or the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer func() {
		l.wg.Wait()
		close(l.ctrl)
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() { err = l.ln.Close() })
	return err
}

func (l *Listener) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	var msg Message
	if err := newDecoder(io.LimitReader(conn, maxFrame)).Decode(&msg); err != nil {
		l.log.Warn("discarding malformed control message", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	rc := l.dispatch(msg)
	if err := newEncoder(conn).Encode(rc); err != nil {
		l.log.Warn("failed to write receipt", "command", msg.Command, "error", err)
	}
}

func (l *Listener) dispatch(msg Message) Receipt {
	if !Known(msg.Command) {
		return Receipt{Error: replyUnknown}
	}
	if msg.Command == MsgState && l.state != nil {
		return Receipt{OK: true, Value: l.state()}
	}
	select {
	case l.ctrl <- msg:
		l.log.Debug("control message accepted", "command", msg.Command, "from", msg.From)
		return Receipt{OK: true}
	default:
		return Receipt{Error: replyBusy}
	}
}
