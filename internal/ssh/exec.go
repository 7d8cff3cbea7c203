package ssh

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// Command is one remote shell command in an ordered script. ContinueOnError
// marks idempotent teardown commands whose non-zero exit is tolerated.
type Command struct {
	Cmd             string
	ContinueOnError bool
	Timeout         time.Duration
}

// Result captures the outcome of one executed command.
type Result struct {
	Cmd      string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Conn is an open command channel to a target. The production implementation
// runs over SSH; tests substitute a fake.
type Conn interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	Close() error
}

// Executor runs ordered command scripts against a single target, stopping at
// the first non-tolerated failure. Transport and timeout errors are retried
// once with backoff before they are surfaced.
type Executor struct {
	Backoff time.Duration

	connect func(ctx context.Context) (Conn, error)
}

// NewExecutor returns an executor dialing with the given client.
func NewExecutor(client *Client) *Executor {
	return &Executor{
		Backoff: 500 * time.Millisecond,
		connect: func(ctx context.Context) (Conn, error) {
			cli, err := Dial(ctx, client)
			if err != nil {
				return nil, err
			}
			return &sshConn{addr: client.Addr, cli: cli}, nil
		},
	}
}

// NewExecutorWithConn returns an executor using a caller-supplied connection
// factory. Used by tests and by anything that already holds a channel.
func NewExecutorWithConn(connect func(ctx context.Context) (Conn, error)) *Executor {
	return &Executor{Backoff: 500 * time.Millisecond, connect: connect}
}

// RunScript executes commands in order over one connection. It returns the
// results gathered so far together with the first fatal error. A CommandError
// on a ContinueOnError command is recorded and skipped; ConnectionError and
// TimeoutError get one retry with backoff before aborting the script.
func (e *Executor) RunScript(ctx context.Context, cmds []Command) ([]Result, error) {
	conn, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { conn.Close() }()

	var results []Result
	for _, cmd := range cmds {
		var res Result
		res, conn, err = e.runWithRetry(ctx, conn, cmd)
		results = append(results, res)
		if err == nil {
			continue
		}
		var cmdErr *CommandError
		if cmd.ContinueOnError && errors.As(err, &cmdErr) {
			log.Debug().Str("cmd", cmd.Cmd).Int("exit", cmdErr.ExitCode).Msg("tolerated failure")
			continue
		}
		return results, err
	}
	return results, nil
}

// open dials the target, retrying a transport failure once.
func (e *Executor) open(ctx context.Context) (Conn, error) {
	conn, err := e.connect(ctx)
	if err == nil {
		return conn, nil
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		return nil, err
	}
	log.Warn().Err(err).Msg("dial failed, retrying once")
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.backoff()):
	}
	return e.connect(ctx)
}

// runWithRetry executes one command, reconnecting and retrying once on a
// transport or timeout error. It returns the connection to keep using, which
// may be a fresh one after a reconnect. Command errors are never retried: the
// command ran, and re-running it is the sequencer's decision, not ours.
func (e *Executor) runWithRetry(ctx context.Context, conn Conn, cmd Command) (Result, Conn, error) {
	res, err := conn.Run(ctx, cmd)
	if err == nil || !retryable(err) {
		return res, conn, err
	}
	log.Warn().Err(err).Str("cmd", cmd.Cmd).Msg("command transport failure, retrying once")
	select {
	case <-ctx.Done():
		return res, conn, ctx.Err()
	case <-time.After(e.backoff()):
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		// The channel may be gone; re-establish it.
		conn.Close()
		fresh, dialErr := e.connect(ctx)
		if dialErr != nil {
			return res, conn, dialErr
		}
		conn = fresh
	}
	res, err = conn.Run(ctx, cmd)
	return res, conn, err
}

func (e *Executor) backoff() time.Duration {
	if e.Backoff <= 0 {
		return 500 * time.Millisecond
	}
	return e.Backoff
}

func retryable(err error) bool {
	var connErr *ConnectionError
	var toErr *TimeoutError
	return errors.As(err, &connErr) || errors.As(err, &toErr)
}

// sshConn runs commands over an established SSH client, one session each.
type sshConn struct {
	addr string
	cli  *xssh.Client
}

// syncBuffer is an output buffer the session's copy goroutines may still be
// writing when a killed command's result is read.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func (c *sshConn) Run(ctx context.Context, cmd Command) (Result, error) {
	session, err := c.cli.NewSession()
	if err != nil {
		return Result{Cmd: cmd.Cmd}, &ConnectionError{Addr: c.addr, Err: err}
	}
	defer session.Close()

	var stdout, stderr syncBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd.Cmd) }()

	var timer <-chan time.Time
	if cmd.Timeout > 0 {
		t := time.NewTimer(cmd.Timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		awaitExit(done)
		return c.result(cmd, &stdout, &stderr, start, -1), ctx.Err()
	case <-timer:
		_ = session.Signal(xssh.SIGKILL)
		awaitExit(done)
		return c.result(cmd, &stdout, &stderr, start, -1), &TimeoutError{Cmd: cmd.Cmd, After: cmd.Timeout}
	case err = <-done:
	}

	if err != nil {
		var exitErr *xssh.ExitError
		if errors.As(err, &exitErr) {
			res := c.result(cmd, &stdout, &stderr, start, exitErr.ExitStatus())
			return res, &CommandError{Cmd: cmd.Cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		return c.result(cmd, &stdout, &stderr, start, -1), &ConnectionError{Addr: c.addr, Err: err}
	}
	return c.result(cmd, &stdout, &stderr, start, 0), nil
}

// awaitExit gives a killed command a moment to exit so its output copies
// finish. A remote that never reports exit status must not hang the caller.
func awaitExit(done <-chan error) {
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

func (c *sshConn) result(cmd Command, stdout, stderr *syncBuffer, start time.Time, exit int) Result {
	return Result{
		Cmd:      cmd.Cmd,
		ExitCode: exit,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
}

func (c *sshConn) Close() error { return c.cli.Close() }
