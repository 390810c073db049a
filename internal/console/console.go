package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/loykin/botfleet/internal/bundle"
	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/lifecycle"
	"github.com/loykin/botfleet/internal/metrics"
	"github.com/loykin/botfleet/internal/registry"
)

// Process exit codes of a console session.
const (
	ExitOK      = 0
	ExitFailure = 1
)

var (
	ErrUsage          = errors.New("missing client index")
	ErrBadIndex       = errors.New("client index is not a number")
	ErrIndexRange     = errors.New("the input client index is out of range")
	ErrUnknownCommand = errors.New("not a known command")
)

// Clients is the part of the client registry the console drives.
type Clients interface {
	List(ctx context.Context) ([]registry.Client, error)
	Add(ctx context.Context, c registry.Client, opts ...registry.AddOption) (string, error)
	Modify(ctx context.Context, id string, c registry.Client) error
	Delete(ctx context.Context, id string, force bool) error
	AddConsoleUser(ctx context.Context, user, token string) (int64, error)
	ListConsoleUsers(ctx context.Context) ([]registry.ConsoleUser, error)
	GetConsoleUser(ctx context.Context, id int64) (registry.ConsoleUser, error)
	SetConsoleUserToken(ctx context.Context, id int64, token string) error
}

// Dispatcher parses console command lines and runs them against the registry, the
// lifecycle machine and the bundle orchestrator. Every command that takes an index
// resolves it against a list read for that command.
type Dispatcher struct {
	clients Clients
	ledger  *lifecycle.Ledger
	machine *lifecycle.Machine
	bundles *bundle.Orchestrator
	layout  layout.Layout
	term    *Terminal
	log     *slog.Logger

	binaries    []string
	tlsKeyFile  string
	tlsCertFile string
	interfaces  func() ([]string, error)
}

type Option func(*Dispatcher)

// WithBinaries sets the client types offered by the add and modify forms.
func WithBinaries(b []string) Option {
	return func(d *Dispatcher) {
		if len(b) > 0 {
			d.binaries = b
		}
	}
}

// WithTLSFiles sets the key and certificate copied into clients that select https.
func WithTLSFiles(key, cert string) Option {
	return func(d *Dispatcher) { d.tlsKeyFile, d.tlsCertFile = key, cert }
}

// WithInterfaces replaces the lookup of the host's listen addresses.
func WithInterfaces(f func() ([]string, error)) Option {
	return func(d *Dispatcher) {
		if f != nil {
			d.interfaces = f
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func New(clients Clients, ledger *lifecycle.Ledger, m *lifecycle.Machine, orch *bundle.Orchestrator, l layout.Layout, t *Terminal, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		clients:    clients,
		ledger:     ledger,
		machine:    m,
		bundles:    orch,
		layout:     l,
		term:       t,
		log:        slog.Default(),
		binaries:   []string{registry.DefaultBinary},
		interfaces: hostInterfaces,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// hostInterfaces returns the addresses of the host's network interfaces plus the
// loopback alias.
func hostInterfaces() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := []string{registry.LoopbackAlias}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok {
			out = append(out, n.IP.String())
		}
	}
	return out, nil
}

type command struct {
	name     string
	index    int
	hasIndex bool
	force    bool
}

func parse(line string) (command, error) {
	fields := strings.Fields(line)
	cmd := command{name: strings.ToLower(fields[0]), index: -1}
	if len(fields) > 1 {
		i, err := strconv.Atoi(fields[1])
		if err != nil {
			return cmd, fmt.Errorf("%q: %w", fields[1], ErrBadIndex)
		}
		cmd.index, cmd.hasIndex = i, true
		if len(fields) == 3 && (fields[2] == "force" || fields[2] == "-force") {
			cmd.force = true
		}
	}
	return cmd, nil
}

// Execute runs one command line. done is true when the line ends the session.
func (d *Dispatcher) Execute(ctx context.Context, line string) (done bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	cmd, err := parse(line)
	if err != nil {
		metrics.IncConsoleCommand("invalid", "error")
		return false, err
	}
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrUnknownCommand):
			result = "unknown"
		case err != nil:
			result = "error"
		}
		metrics.IncConsoleCommand(cmd.name, result)
	}()

	switch cmd.name {
	case "?", "help":
		d.help()
	case "back", "quit":
		return true, nil
	case "list":
		return false, d.list(ctx)
	case "add":
		return false, d.add(ctx)
	case "users":
		return false, d.users(ctx)
	case "adduser":
		return false, d.addUser(ctx)
	case "delete", "modify", "pause", "start", "upgrade", "token":
		if !cmd.hasIndex {
			return false, fmt.Errorf("usage: %s <index>: %w", cmd.name, ErrUsage)
		}
		return false, d.indexed(ctx, cmd)
	default:
		return false, fmt.Errorf("%s: %w", cmd.name, ErrUnknownCommand)
	}
	return false, nil
}

func (d *Dispatcher) indexed(ctx context.Context, cmd command) error {
	if cmd.name == "token" {
		return d.token(ctx, cmd.index)
	}
	c, err := d.resolve(ctx, cmd.index)
	if err != nil {
		return err
	}
	switch cmd.name {
	case "delete":
		return d.remove(ctx, c, cmd.force)
	case "modify":
		return d.modify(ctx, c)
	case "pause":
		if err := d.machine.Pause(ctx, c, cmd.force); err != nil {
			return err
		}
		if cmd.force {
			d.term.Say(fmt.Sprintf("Client %s marked PAUSED", c.Name))
			break
		}
		d.term.Say(fmt.Sprintf("Pause sent to %s, the client updates its state when it stops", c.Name))
	case "start":
		if err := d.machine.Start(ctx, c, cmd.force); err != nil {
			return err
		}
		d.term.Say(fmt.Sprintf("Client %s will be started by the supervisor", c.Name))
	case "upgrade":
		return d.upgrade(ctx, c)
	}
	return nil
}

// resolve maps a list position to a client using a list read now.
func (d *Dispatcher) resolve(ctx context.Context, index int) (registry.Client, error) {
	list, err := d.clients.List(ctx)
	if err != nil {
		return registry.Client{}, err
	}
	if index < 0 || index >= len(list) {
		return registry.Client{}, fmt.Errorf("index %d: %w", index, ErrIndexRange)
	}
	return list[index], nil
}

func (d *Dispatcher) help() {
	for _, l := range []string{
		"Commands:",
		"  add                 - adds a new client",
		"  back                - leave the clients setup",
		"  delete <#> [force]  - deletes client with the specific index",
		"  help or ?           - shows supported commands",
		"  list                - shows a list of clients",
		"  modify <#>          - modifies a client with the specified index",
		"  pause <#> [force]   - pauses the client with the specified index",
		"  start <#> [force]   - starts the client with the specified index",
		"  upgrade <#>         - upgrades the integration of the client with the specified index",
		"  users               - shows a list of console users",
		"  adduser             - adds a console user",
		"  token <#>           - sets the token of the console user with the specified index",
		"  quit                - leaves this program",
	} {
		d.term.Say(l)
	}
}

// report turns err into an operator message.
func (d *Dispatcher) report(err error) {
	var ve *registry.ValidationError
	var pe *lifecycle.PreconditionError
	switch {
	case errors.As(err, &ve), errors.As(err, &pe),
		errors.Is(err, ErrAborted), errors.Is(err, lifecycle.ErrDeclined):
		d.term.Say(err.Error())
	default:
		d.term.Say("ERROR: " + err.Error())
	}
	d.log.Debug("console command failed", "error", err)
}

// Run reads commands until quit, back or end of input. It returns ExitOK in those
// cases and ExitFailure when reading input fails or ctx ends the session.
func (d *Dispatcher) Run(ctx context.Context) int {
	for {
		if ctx.Err() != nil {
			return ExitFailure
		}
		line, err := d.term.ReadLine("Enter client command:")
		if errors.Is(err, io.EOF) {
			return ExitOK
		}
		if err != nil {
			d.log.Error("reading console input failed", "error", err)
			return ExitFailure
		}
		done, err := d.Execute(ctx, line)
		if err != nil {
			d.report(err)
		}
		if done {
			return ExitOK
		}
	}
}

// Batch runs a single command line and returns its exit code.
func (d *Dispatcher) Batch(ctx context.Context, line string) int {
	if _, err := d.Execute(ctx, line); err != nil {
		d.report(err)
		return ExitFailure
	}
	return ExitOK
}
