package ipc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/loykin/botfleet/internal/metrics"
)

// Policy bounds how long a sender waits for a delivery outcome: Attempts windows of
// Wait each. A timeout warning is logged after every expired window.
type Policy struct {
	Attempts int
	Wait     time.Duration
}

// DefaultPolicy gives a hard ceiling of one minute.
var DefaultPolicy = Policy{Attempts: 6, Wait: 10 * time.Second}

const dialTimeout = 5 * time.Second

// Sender delivers control messages to worker listeners. A Sender carries at most one
// request at a time; concurrent callers queue behind it.
type Sender struct {
	from   string
	policy Policy
	log    *slog.Logger
	slot   chan struct{}
}

type SenderOption func(*Sender)

func WithPolicy(p Policy) SenderOption {
	return func(s *Sender) {
		if p.Attempts > 0 && p.Wait > 0 {
			s.policy = p
		}
	}
}

func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSender returns a sender that stamps every message with from.
func NewSender(from string, opts ...SenderOption) *Sender {
	s := &Sender{
		from:   from,
		policy: DefaultPolicy,
		log:    slog.Default(),
		slot:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sender) Policy() Policy { return s.policy }

// Send delivers msg to the listener on port. It returns nil once the listener
// acknowledged the message.
func (s *Sender) Send(ctx context.Context, port int, msg Message) error {
	_, err := s.Request(ctx, port, msg)
	return err
}

// Request delivers msg and returns the listener's receipt. Exactly one delivery is
// started; the caller then waits at most Attempts*Wait for its outcome. A failed
// send is returned at once.
func (s *Sender) Request(ctx context.Context, port int, msg Message) (Receipt, error) {
	if port <= 0 {
		return Receipt{}, &DeliveryError{Port: port, Command: msg.Command, Err: ErrNoPort}
	}
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return Receipt{}, &DeliveryError{Port: port, Command: msg.Command, Err: ctx.Err()}
	}
	defer func() { <-s.slot }()

	if msg.From == "" {
		msg.From = s.from
	}
	started := time.Now()
	dctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		rc  Receipt
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rc, err := deliver(dctx, port, msg)
		done <- outcome{rc, err}
	}()

	for attempt := 1; attempt <= s.policy.Attempts; attempt++ {
		timer := time.NewTimer(s.policy.Wait)
		select {
		case out := <-done:
			timer.Stop()
			metrics.ObserveIPCWait(msg.Command, time.Since(started))
			if out.err != nil {
				metrics.RecordIPCDelivery(msg.Command, "failed")
				return out.rc, &DeliveryError{Port: port, Command: msg.Command, Err: out.err}
			}
			metrics.RecordIPCDelivery(msg.Command, "delivered")
			return out.rc, nil
		case <-ctx.Done():
			timer.Stop()
			metrics.RecordIPCDelivery(msg.Command, "canceled")
			return Receipt{}, &DeliveryError{Port: port, Command: msg.Command, Err: ctx.Err()}
		case <-timer.C:
			s.log.Warn("timed out waiting for control message to send",
				"command", msg.Command, "port", port, "attempt", attempt, "of", s.policy.Attempts)
		}
	}
	metrics.RecordIPCDelivery(msg.Command, "timeout")
	return Receipt{}, &DeliveryError{Port: port, Command: msg.Command, TimedOut: true, Err: ErrTimeout}
}

// deliver performs one exchange on a fresh connection. Canceling ctx aborts it.
func deliver(ctx context.Context, port int, msg Message) (Receipt, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr(port))
	if err != nil {
		return Receipt{}, err
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := newEncoder(conn).Encode(msg); err != nil {
		return Receipt{}, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	var rc Receipt
	if err := newDecoder(io.LimitReader(conn, maxFrame)).Decode(&rc); err != nil {
		if errors.Is(err, io.EOF) {
			return Receipt{}, io.ErrUnexpectedEOF
		}
		return Receipt{}, err
	}
	if !rc.OK {
		if rc.Error == "" {
			return rc, ErrRejected
		}
		return rc, errors.Join(ErrRejected, errors.New(rc.Error))
	}
	return rc, nil
}
