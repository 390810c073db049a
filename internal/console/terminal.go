package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ErrAborted is returned when the operator types quit inside a form.
var ErrAborted = errors.New("aborted by operator")

// Terminal is the operator's side of the console. It answers lifecycle
// confirmations and secrets as well as bundle configuration prompts.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	// noEcho reads one line from fd without echo.
	noEcho func(fd int) ([]byte, error)
}

// NewTerminal reads answers from in and writes messages to out. Secrets are read
// without echo when in is a terminal.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{in: bufio.NewReader(in), out: out, fd: -1, noEcho: term.ReadPassword}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.fd = int(f.Fd())
	}
	return t
}

func (t *Terminal) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(t.out, format, args...)
}

// Say writes one operator message.
func (t *Terminal) Say(line string) {
	_, _ = fmt.Fprintln(t.out, line)
}

func (t *Terminal) Warn(msg string) {
	t.Say("WARNING: " + msg)
}

// ReadLine writes prompt and returns the next input line without its line ending.
// io.EOF is returned only when no input is left.
func (t *Terminal) ReadLine(prompt string) (string, error) {
	if prompt != "" {
		t.Say(prompt)
	}
	line, err := t.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Ask returns the operator's answer to prompt. An empty answer keeps current.
func (t *Terminal) Ask(prompt, current string) (string, error) {
	if current != "" {
		prompt = fmt.Sprintf("%s (default: %s):", prompt, current)
	} else {
		prompt += ":"
	}
	v, err := t.ReadLine(prompt)
	if err != nil {
		return "", err
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return current, nil
	}
	return v, nil
}

// Choose lists options by index and returns the index the operator picks.
func (t *Terminal) Choose(prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, errors.New("nothing to choose from")
	}
	for {
		for i, o := range options {
			t.Printf("  index=%d, Name=%s\n", i, o)
		}
		v, err := t.Ask(prompt, "")
		if err != nil {
			return 0, err
		}
		if strings.EqualFold(v, "quit") {
			return 0, ErrAborted
		}
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 || i >= len(options) {
			t.Say("Invalid index value entered!")
			continue
		}
		return i, nil
	}
}

// Confirm asks a yes or no question until it gets a valid answer.
func (t *Terminal) Confirm(question string) (bool, error) {
	for {
		v, err := t.ReadLine(question + " (y or n):")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		t.Say("Please answer y or n")
	}
}

// Secret reads a value without echo on a terminal and as a plain line otherwise.
// Lines typed ahead are already in the read buffer and are consumed from there, so
// answers stay in order.
func (t *Terminal) Secret(prompt string) (string, error) {
	if t.fd < 0 || t.in.Buffered() > 0 {
		v, err := t.ReadLine(prompt)
		return strings.TrimSpace(v), err
	}
	t.Say(prompt)
	b, err := t.noEcho(t.fd)
	t.Say("")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
