package ipc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Commands a worker acts on.
const (
	CmdPause = "pause"
	CmdStop  = "stop"
)

// Messages exchanged with workers besides commands. State is answered inline with the
// worker's current state; the others are forwarded to the worker like commands.
const (
	MsgPassword    = "password"
	MsgUserSignKey = "usersignkey"
	MsgState       = "state"
	MsgBotInfo     = "botinfo"
)

// Host is the only address the control channel binds to or dials.
const Host = "127.0.0.1"

// maxFrame bounds a single encoded message or receipt.
const maxFrame = 64 * 1024

// Message is one control request. From names the sending process.
type Message struct {
	Command string `cbor:"command"`
	Value   string `cbor:"value,omitempty"`
	From    string `cbor:"from,omitempty"`
}

// Receipt is the transport-level answer written by the receiving listener. OK means
// the message was handed to the worker, not that the worker acted on it.
type Receipt struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
	Value string `cbor:"value,omitempty"`
}

var (
	ErrTimeout  = errors.New("timed out waiting for control message delivery")
	ErrNoPort   = errors.New("no control channel port")
	ErrRejected = errors.New("control message rejected")
)

// DeliveryError reports that a control message was not delivered. TimedOut separates
// "no signal before the ceiling" from an explicit send failure.
type DeliveryError struct {
	Port     int
	Command  string
	TimedOut bool
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %q to port %d: %v", e.Command, e.Port, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func addr(port int) string { return net.JoinHostPort(Host, strconv.Itoa(port)) }

// Known reports whether name is a command or message the control channel carries.
func Known(name string) bool {
	switch name {
	case CmdPause, CmdStop, MsgPassword, MsgUserSignKey, MsgState, MsgBotInfo:
		return true
	}
	return false
}
