package deploy

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skiff-dev/skiff/internal/config"
	"github.com/skiff-dev/skiff/internal/ssh"
	"github.com/skiff-dev/skiff/pkg/api"
)

// fakeRunner scripts remote command behavior for tests.
type fakeRunner struct {
	mu      sync.Mutex
	scripts [][]ssh.Command
	respond func(cmd ssh.Command) (ssh.Result, error)
}

func (f *fakeRunner) RunScript(ctx context.Context, cmds []ssh.Command) ([]ssh.Result, error) {
	f.mu.Lock()
	f.scripts = append(f.scripts, cmds)
	f.mu.Unlock()

	var results []ssh.Result
	for _, c := range cmds {
		res, err := f.respond(c)
		res.Cmd = c.Cmd
		results = append(results, res)
		if err != nil {
			if c.ContinueOnError {
				if _, ok := err.(*ssh.CommandError); ok {
					continue
				}
			}
			return results, err
		}
	}
	return results, nil
}

func (f *fakeRunner) sawCommand(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, script := range f.scripts {
		for _, c := range script {
			if strings.Contains(c.Cmd, substr) {
				return true
			}
		}
	}
	return false
}

type fakePusher struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (f *fakePusher) PushFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	return f.PushBytes(ctx, []byte("file:"+localPath), remotePath, mode)
}

func (f *fakePusher) PushBytes(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = map[string][]byte{}
	}
	f.files[remotePath] = data
	return nil
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Defaults.TimeoutSeconds = 30
	cfg.Services = []config.Service{
		{Name: "db", Image: "postgres:16", HealthCmd: "pg_isready"},
		{Name: "cache", Image: "redis:7", HealthCmd: "redis-cli ping"},
		{Name: "app", Build: "./src", DependsOn: []string{"db", "cache"}},
	}
	cfg.Migrate.Service = "app"
	cfg.Migrate.Command = "alembic upgrade head"
	cfg.Migrate.RevisionCmd = "alembic current"
	return cfg
}

func testTarget() config.Target {
	return config.Target{
		Name:    "prod",
		Host:    "203.0.113.10",
		Workdir: "/srv/app",
		RepoURL: "git@example.com:acme/app.git",
		Branch:  "main",
		Domain:  "app.example.com",
		AppPort: 8000,
	}
}

// okRunner answers every command with success, reporting healthy containers
// and a known commit/revision.
func okRunner() *fakeRunner {
	return &fakeRunner{
		respond: func(cmd ssh.Command) (ssh.Result, error) {
			switch {
			case strings.Contains(cmd.Cmd, "rev-parse"):
				return ssh.Result{Stdout: "abc123\n"}, nil
			case strings.Contains(cmd.Cmd, "inspect"):
				return ssh.Result{Stdout: "healthy\n"}, nil
			case strings.Contains(cmd.Cmd, "alembic current"):
				return ssh.Result{Stdout: "rev42 (head)\n"}, nil
			default:
				return ssh.Result{}, nil
			}
		},
	}
}

func newTestSequencer(runner *fakeRunner) *Sequencer {
	seq := NewSequencer(testConfig(), testTarget(), runner, &fakePusher{}, map[string]string{})
	seq.HealthInterval = time.Millisecond
	seq.HealthTimeout = time.Second
	return seq
}

func TestPipelineSucceeds(t *testing.T) {
	runner := okRunner()
	seq := newTestSequencer(runner)
	run := NewRun("prod", "")

	if err := seq.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := run.Status(); got != api.RunSucceeded {
		t.Fatalf("expected succeeded, got %s", got)
	}
	if run.Commit != "abc123" {
		t.Errorf("expected commit recorded from pull step, got %q", run.Commit)
	}
	if run.Revision() != "rev42 (head)" {
		t.Errorf("expected migration revision recorded, got %q", run.Revision())
	}
	if got := run.FailedStep(); got != NoFailedStep {
		t.Errorf("succeeded run must carry no failed step, got %d", got)
	}
	steps := run.Steps()
	if len(steps) != 4 {
		t.Fatalf("expected 4 core steps, got %d", len(steps))
	}
	wantOrder := []string{"pull", "down", "up", "migrate"}
	for i, name := range wantOrder {
		if steps[i].Name != name || steps[i].Index != i+1 {
			t.Errorf("step %d: got %s (index %d)", i, steps[i].Name, steps[i].Index)
		}
	}
}

func TestUpFailureHaltsBeforeMigrate(t *testing.T) {
	runner := &fakeRunner{
		respond: func(cmd ssh.Command) (ssh.Result, error) {
			switch {
			case strings.Contains(cmd.Cmd, "up -d --build"):
				return ssh.Result{ExitCode: 1, Stderr: "build failed"},
					&ssh.CommandError{Cmd: cmd.Cmd, ExitCode: 1, Stderr: "build failed"}
			case strings.Contains(cmd.Cmd, "rev-parse"):
				return ssh.Result{Stdout: "abc123\n"}, nil
			default:
				return ssh.Result{}, nil
			}
		},
	}
	seq := newTestSequencer(runner)
	run := NewRun("prod", "")

	if err := seq.Execute(context.Background(), run); err == nil {
		t.Fatalf("expected error from failing up step")
	}
	if got := run.Status(); got != api.RunFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if got := run.FailedStep(); got != StepUp {
		t.Fatalf("expected failing step %d, got %d", StepUp, got)
	}
	if runner.sawCommand("alembic upgrade") {
		t.Errorf("migrate must not execute after a failed up step")
	}
	if !strings.Contains(run.Logs(), "build failed") {
		t.Errorf("failed run should carry captured output, logs=%q", run.Logs())
	}
}

func TestTeardownFailureTolerated(t *testing.T) {
	runner := &fakeRunner{
		respond: func(cmd ssh.Command) (ssh.Result, error) {
			switch {
			case strings.Contains(cmd.Cmd, "compose down"):
				return ssh.Result{ExitCode: 1, Stderr: "no such stack"},
					&ssh.CommandError{Cmd: cmd.Cmd, ExitCode: 1, Stderr: "no such stack"}
			case strings.Contains(cmd.Cmd, "rev-parse"):
				return ssh.Result{Stdout: "abc123\n"}, nil
			case strings.Contains(cmd.Cmd, "inspect"):
				return ssh.Result{Stdout: "healthy\n"}, nil
			case strings.Contains(cmd.Cmd, "alembic current"):
				return ssh.Result{Stdout: "rev42\n"}, nil
			default:
				return ssh.Result{}, nil
			}
		},
	}
	seq := newTestSequencer(runner)
	run := NewRun("prod", "")

	if err := seq.Execute(context.Background(), run); err != nil {
		t.Fatalf("teardown failure must be tolerated: %v", err)
	}
	if got := run.Status(); got != api.RunSucceeded {
		t.Fatalf("expected succeeded, got %s", got)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	first := okRunner()
	if err := newTestSequencer(first).Execute(context.Background(), NewRun("prod", "")); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second := okRunner()
	if err := newTestSequencer(second).Execute(context.Background(), NewRun("prod", "")); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(first.scripts) != len(second.scripts) {
		t.Fatalf("re-run issued a different script count: %d vs %d", len(first.scripts), len(second.scripts))
	}
	for i := range first.scripts {
		for j := range first.scripts[i] {
			if first.scripts[i][j].Cmd != second.scripts[i][j].Cmd {
				t.Errorf("re-run diverged at script %d command %d", i, j)
			}
		}
	}
}

func TestHealthGateWaitsForHealthy(t *testing.T) {
	var polls int
	var mu sync.Mutex
	runner := &fakeRunner{
		respond: func(cmd ssh.Command) (ssh.Result, error) {
			switch {
			case strings.Contains(cmd.Cmd, "inspect"):
				mu.Lock()
				polls++
				n := polls
				mu.Unlock()
				if n < 3 {
					return ssh.Result{Stdout: "starting\n"}, nil
				}
				return ssh.Result{Stdout: "healthy\n"}, nil
			case strings.Contains(cmd.Cmd, "rev-parse"):
				return ssh.Result{Stdout: "abc123\n"}, nil
			case strings.Contains(cmd.Cmd, "alembic current"):
				return ssh.Result{Stdout: "rev42\n"}, nil
			default:
				return ssh.Result{}, nil
			}
		},
	}
	seq := newTestSequencer(runner)
	run := NewRun("prod", "")
	if err := seq.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if polls < 3 {
		t.Errorf("expected at least 3 health polls, got %d", polls)
	}
}

func TestHealthGateTimesOut(t *testing.T) {
	runner := &fakeRunner{
		respond: func(cmd ssh.Command) (ssh.Result, error) {
			switch {
			case strings.Contains(cmd.Cmd, "inspect"):
				return ssh.Result{Stdout: "starting\n"}, nil
			case strings.Contains(cmd.Cmd, "rev-parse"):
				return ssh.Result{Stdout: "abc123\n"}, nil
			default:
				return ssh.Result{}, nil
			}
		},
	}
	seq := newTestSequencer(runner)
	seq.HealthTimeout = 20 * time.Millisecond
	run := NewRun("prod", "")

	if err := seq.Execute(context.Background(), run); err == nil {
		t.Fatalf("expected health gate timeout")
	}
	if got := run.FailedStep(); got != StepUp {
		t.Fatalf("health gate failure belongs to the up step, got %d", got)
	}
}

func TestCancelBetweenSteps(t *testing.T) {
	runner := okRunner()
	seq := newTestSequencer(runner)
	run := NewRun("prod", "")

	base := runner.respond
	runner.respond = func(cmd ssh.Command) (ssh.Result, error) {
		if strings.Contains(cmd.Cmd, "rev-parse") {
			run.Cancel() // request cancellation mid-pull; honoured before down
		}
		return base(cmd)
	}

	err := seq.Execute(context.Background(), run)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if got := run.Status(); got != api.RunCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	if runner.sawCommand("compose down") {
		t.Errorf("no step may start after cancellation")
	}
}

func TestProvisionFailureReportsStepZero(t *testing.T) {
	runner := &fakeRunner{
		respond: func(cmd ssh.Command) (ssh.Result, error) {
			if strings.Contains(cmd.Cmd, "mkdir -p") {
				return ssh.Result{ExitCode: 1, Stderr: "permission denied"},
					&ssh.CommandError{Cmd: cmd.Cmd, ExitCode: 1, Stderr: "permission denied"}
			}
			return ssh.Result{}, nil
		},
	}
	seq := newTestSequencer(runner)
	seq.Provision = true
	run := NewRun("prod", "")

	if err := seq.Execute(context.Background(), run); err == nil {
		t.Fatalf("expected provision failure")
	}
	if got := run.Status(); got != api.RunFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	// Step 0 is a real failing index, distinct from the no-failure sentinel.
	if got := run.FailedStep(); got != StepProvision {
		t.Fatalf("expected failing step %d, got %d", StepProvision, got)
	}
}

func TestProvisionPlacesFiles(t *testing.T) {
	runner := okRunner()
	pusher := &fakePusher{}
	target := testTarget()
	target.Cert.LocalCert = "/tmp/cert.pem"
	target.Cert.LocalKey = "/tmp/cert.key"
	target.Cert.RemoteDir = "/etc/ssl/app"
	target.ProxyConfPath = "/etc/nginx/conf.d/app.conf"

	seq := NewSequencer(testConfig(), target, runner, pusher, map[string]string{})
	seq.Provision = true
	seq.HealthInterval = time.Millisecond
	seq.HealthTimeout = time.Second

	run := NewRun("prod", "")
	if err := seq.Execute(context.Background(), run); err != nil {
		t.Fatalf("execute: %v", err)
	}

	for _, path := range []string{
		"/etc/ssl/app/app.example.com.pem",
		"/etc/ssl/app/app.example.com.key",
		"/etc/nginx/conf.d/app.conf",
		"/srv/app/docker-compose.yml",
	} {
		if _, ok := pusher.files[path]; !ok {
			t.Errorf("provision did not place %s", path)
		}
	}
	if !runner.sawCommand("nginx -t") {
		t.Errorf("provision must validate and reload the proxy")
	}
	if len(run.Steps()) != 5 {
		t.Fatalf("expected provision plus 4 core steps, got %d", len(run.Steps()))
	}
}
