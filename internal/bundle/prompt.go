package bundle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loykin/botfleet/internal/process"
	"github.com/loykin/botfleet/internal/registry"
)

// Tokens a configure script may ask for with "prompt:<text>:<TOKEN>".
const (
	TokenAuthToken   = "WICKRIO_AUTH_TOKEN"
	TokenServer      = "WICKRIO_SERVER"
	TokenHubotName   = "HUBOT_NAME"
	TokenURLEndpoint = "HUBOT_URL_ENDPOINT"
	TokenURLPort     = "HUBOT_URL_PORT"
)

const (
	promptPrefix = "prompt:"
	lineBuffer   = 64
	keepOutput   = 200
)

// Operator answers configure prompts that need a person.
type Operator interface {
	Ask(prompt, current string) (string, error)
	// Choose returns the index of the selected option.
	Choose(prompt string, options []string) (int, error)
	Say(line string)
}

type configureResult struct {
	CallbackURL   string
	ConsoleUserID int64
}

// promptSession answers the prompts of one configure run.
type promptSession struct {
	ctx    context.Context
	client registry.Client
	bundle Bundle
	op     Operator
	users  ConsoleUsers
	stdin  io.Writer
	log    *slog.Logger

	endpoint  string
	port      string
	consoleID int64
	output    []string
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t', '\r':
			return -1
		}
		return r
	}, s)
}

// answer writes v to the script. A script that stopped reading is not an error here;
// its exit status decides the outcome.
func (s *promptSession) answer(v string) error {
	if _, err := io.WriteString(s.stdin, v+"\n"); err != nil {
		s.log.Warn("configure script did not take the answer", "bundle", s.bundle.Name, "error", err)
	}
	return nil
}

func (s *promptSession) keep(line string) {
	s.output = append(s.output, line)
	if len(s.output) > keepOutput {
		s.output = s.output[len(s.output)-keepOutput:]
	}
}

// handle processes one output line of the configure script.
func (s *promptSession) handle(line string) error {
	fields := strings.Split(line, ":")
	if len(fields) < 2 || !strings.EqualFold(fields[0], "prompt") {
		text := stripControl(line)
		s.keep(text)
		s.op.Say(text)
		return nil
	}
	if len(fields) == 3 {
		token := strings.ReplaceAll(stripControl(fields[2]), " ", "")
		switch token {
		case TokenAuthToken:
			tok, err := s.authToken()
			if err != nil {
				return err
			}
			return s.answer(tok)
		case TokenServer:
			c := s.client
			return s.answer(fmt.Sprintf("%s://%s:%d/Apps/%s", c.Scheme(), c.Interface, c.Port, c.APIKey))
		case TokenHubotName:
			return s.answer(s.client.Name + "_hubot")
		case TokenURLEndpoint:
			s.endpoint = fmt.Sprintf("Apps/%d", s.client.Port)
			return s.answer(s.endpoint)
		case TokenURLPort:
			v, err := s.op.Ask(fmt.Sprintf("Enter the port the %s integration will listen on", s.bundle.Name), s.port)
			if err != nil {
				return err
			}
			s.port = v
			return s.answer(v)
		}
	}
	v, err := s.op.Ask(stripControl(line[len(promptPrefix):]), "")
	if err != nil {
		return err
	}
	return s.answer(v)
}

// authToken returns the token of the client's console user, asking the operator to
// pick one when the client has none.
func (s *promptSession) authToken() (string, error) {
	if s.consoleID == 0 {
		users, err := s.users.ListConsoleUsers(s.ctx)
		if err != nil {
			return "", err
		}
		if len(users) == 0 {
			return "", ErrNoConsoleUsers
		}
		names := make([]string, len(users))
		for i, u := range users {
			names[i] = u.User
		}
		s.op.Say("You will need to select a console user to use their authentication token")
		i, err := s.op.Choose("Enter the index of the console user", names)
		if err != nil {
			return "", err
		}
		if i < 0 || i >= len(users) {
			return "", fmt.Errorf("console user index %d out of range", i)
		}
		s.consoleID = users[i].ID
	}
	return s.users.ConsoleUserToken(s.ctx, s.consoleID)
}

func (s *promptSession) result() configureResult {
	r := configureResult{ConsoleUserID: s.consoleID}
	if s.endpoint != "" && s.port != "" {
		r.CallbackURL = fmt.Sprintf("http://localhost:%s/%s", s.port, s.endpoint)
	}
	return r
}

// configurer runs a configure script as a coroutine: a producer goroutine scans the
// merged output into a bounded channel and the caller's goroutine answers prompts on
// stdin. Once the script has exited, the loop ends when no line arrives within the
// drain window.
type configurer struct {
	drain time.Duration
	env   []string
	log   *slog.Logger
}

func (cf *configurer) run(ctx context.Context, sess *promptSession, dir, script string) error {
	spec := process.Spec{Name: sess.bundle.Name + "." + StepConfigure, Path: script, WorkDir: dir, Env: cf.env}
	cmd := spec.BuildCommand(ctx)

	pr, pw, err := os.Pipe()
	if err != nil {
		return &SubprocessError{Step: StepConfigure, Script: script, Err: err}
	}
	cmd.Stdout, cmd.Stderr = pw, pw
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return &SubprocessError{Step: StepConfigure, Script: script, Err: err}
	}
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return &SubprocessError{Step: StepConfigure, Script: script, Err: err}
	}
	_ = pw.Close()
	sess.stdin = stdin

	lines := make(chan string, lineBuffer)
	quit := make(chan struct{})
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		defer close(lines)
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-quit:
				return
			}
		}
	}()

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	loopErr := cf.consume(ctx, sess, lines, exited)

	close(quit)
	select {
	case <-exited:
	default:
		if loopErr != nil {
			cf.log.Warn("terminating configure script", "bundle", sess.bundle.Name, "error", loopErr)
			_ = process.KillGroup(cmd)
		}
	}
	<-exited
	_ = pr.Close()
	<-produced

	out := strings.Join(sess.output, "\n")
	if loopErr != nil {
		return &SubprocessError{Step: StepConfigure, Script: script, Err: loopErr, Output: out}
	}
	if waitErr != nil {
		return &SubprocessError{Step: StepConfigure, Script: script, Err: waitErr, Output: out}
	}
	return nil
}

func (cf *configurer) consume(ctx context.Context, sess *promptSession, lines <-chan string, exited <-chan struct{}) error {
	var (
		drain   *time.Timer
		drainCh <-chan time.Time
	)
	defer func() {
		if drain != nil {
			drain.Stop()
		}
	}()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if err := sess.handle(line); err != nil {
				return err
			}
			if drain != nil {
				drain.Reset(cf.drain)
			}
		case <-exited:
			exited = nil
			drain = time.NewTimer(cf.drain)
			drainCh = drain.C
		case <-drainCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
