package ssh

import (
	"fmt"
	"time"
)

// ConnectionError reports an unreachable transport: dial failures, broken
// sessions, handshake problems.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError reports a remote command that ran and exited non-zero.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command error: %q exited %d: %s", e.Cmd, e.ExitCode, e.Stderr)
}

// TimeoutError reports a remote command that exceeded its configured bound.
type TimeoutError struct {
	Cmd   string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout error: %q exceeded %s", e.Cmd, e.After)
}
