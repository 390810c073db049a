package process

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

var ErrAlreadyStarted = errors.New("process already started")

const waitDelay = 5 * time.Second

// Status is a snapshot of a supervised process.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   error     `json:"-"`
}

// Process runs one Spec and reaps it. Exactly one goroutine waits on the child; every
// other observer uses Done.
type Process struct {
	spec Spec

	mu     sync.Mutex
	cmd    *exec.Cmd
	status Status
	done   chan struct{}
}

func New(spec Spec) *Process { return &Process{spec: spec, status: Status{Name: spec.Name}} }

func (p *Process) Spec() Spec { return p.spec }

// Start launches the process. Cancelling ctx kills its process group. Output goes to
// the rotated writers from Spec.Log, or is discarded.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return ErrAlreadyStarted
		}
	}

	cmd := p.spec.BuildCommand(ctx)
	cmd.WaitDelay = waitDelay
	var closers []io.Closer
	outW, errW, err := p.spec.Log.ProcessWriters(p.spec.Name)
	if err != nil {
		return err
	}
	if outW != nil {
		cmd.Stdout = outW
		closers = append(closers, outW)
	}
	if errW != nil {
		cmd.Stderr = errW
		closers = append(closers, errW)
	}
	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return err
	}

	now := time.Now()
	pid := cmd.Process.Pid
	p.cmd = cmd
	p.status = Status{Name: p.spec.Name, PID: pid, Running: true, StartedAt: now}
	done := make(chan struct{})
	p.done = done

	if p.spec.PIDFile != "" {
		start := StartUnix(pid)
		if start == 0 {
			start = now.Unix()
		}
		if err := WritePIDFile(p.spec.PIDFile, PIDRecord{PID: pid, StartUnix: start, Name: p.spec.Name}); err != nil {
			_ = KillGroup(cmd)
			go p.reap(cmd, done, closers)
			return err
		}
	}
	go p.reap(cmd, done, closers)
	return nil
}

func (p *Process) reap(cmd *exec.Cmd, done chan struct{}, closers []io.Closer) {
	err := cmd.Wait()
	closeAll(closers)
	if p.spec.PIDFile != "" {
		_ = os.Remove(p.spec.PIDFile)
	}
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.mu.Unlock()
	close(done)
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

// Done is closed once the process has exited and been reaped. It is nil before Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Stop asks the process group to terminate and kills it after wait. It returns once the
// process has been reaped.
func (p *Process) Stop(wait time.Duration) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	err := terminate(cmd.Process.Pid)
	if errors.Is(err, os.ErrProcessDone) {
		err = nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		_ = KillGroup(cmd)
		<-done
	}
	return err
}

// Kill sends SIGKILL to the process group and waits for the reap.
func (p *Process) Kill() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || done == nil {
		return nil
	}
	err := KillGroup(cmd)
	<-done
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
