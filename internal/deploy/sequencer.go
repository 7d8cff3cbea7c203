package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skiff-dev/skiff/internal/config"
	"github.com/skiff-dev/skiff/internal/render"
	"github.com/skiff-dev/skiff/internal/ssh"
)

// Pipeline step indices. The core pipeline is 1-based; provisioning is a
// preparatory step outside it.
const (
	StepProvision = 0
	StepPull      = 1
	StepDown      = 2
	StepUp        = 3
	StepMigrate   = 4
)

// NoFailedStep marks a run without a failing step; provision failures report
// index 0.
const NoFailedStep = -1

// ErrCancelled is returned when a run is cancelled between steps.
var ErrCancelled = errors.New("run cancelled")

// ScriptRunner executes ordered command scripts on the target.
type ScriptRunner interface {
	RunScript(ctx context.Context, cmds []ssh.Command) ([]ssh.Result, error)
}

// FilePusher places files on the target.
type FilePusher interface {
	PushFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
	PushBytes(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error
}

// Sequencer drives the fixed deployment pipeline against one target:
// provision, pull, down, up (with dependency health gate), migrate. Every
// step is idempotent and safely re-runnable. On failure the sequencer halts
// and leaves whatever was running before untouched.
type Sequencer struct {
	cfg     config.Config
	target  config.Target
	runner  ScriptRunner
	files   FilePusher
	secrets map[string]string

	// Provision controls whether step 0 runs. First deploys and cert
	// rotations need it; routine pushes skip it.
	Provision bool

	HealthTimeout  time.Duration
	HealthInterval time.Duration
	BuildTimeout   time.Duration
}

// NewSequencer wires a sequencer for one target.
func NewSequencer(cfg config.Config, target config.Target, runner ScriptRunner, files FilePusher, secrets map[string]string) *Sequencer {
	return &Sequencer{
		cfg:            cfg,
		target:         target,
		runner:         runner,
		files:          files,
		secrets:        secrets,
		HealthTimeout:  3 * time.Minute,
		HealthInterval: 5 * time.Second,
		BuildTimeout:   10 * time.Minute,
	}
}

type pipelineStep struct {
	index int
	name  string
	fn    func(ctx context.Context, run *Run) ([]ssh.Result, error)
}

// Execute runs the pipeline, mutating the run record as it goes. It returns
// ErrCancelled if cancellation was requested between steps, or the first
// fatal step error.
func (s *Sequencer) Execute(ctx context.Context, run *Run) error {
	run.start()
	log.Info().Str("run", run.ID).Str("target", run.Target).Msg("pipeline started")

	steps := []pipelineStep{
		{StepProvision, "provision", s.provision},
		{StepPull, "pull", s.pull},
		{StepDown, "down", s.teardown},
		{StepUp, "up", s.up},
		{StepMigrate, "migrate", s.migrate},
	}
	if !s.Provision {
		steps = steps[1:]
	}

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			run.markCancelled()
			return ErrCancelled
		}
		if run.isCancelled() {
			run.markCancelled()
			log.Info().Str("run", run.ID).Msg("pipeline cancelled between steps")
			return ErrCancelled
		}

		start := time.Now()
		results, err := st.fn(ctx, run)
		rec := StepRecord{Index: st.index, Name: st.name, Results: results, Duration: time.Since(start)}
		if err != nil {
			rec.Err = err.Error()
		}
		run.recordStep(rec)

		if err != nil {
			run.fail(st.index)
			log.Error().Err(err).Str("run", run.ID).Int("step", st.index).Str("name", st.name).Msg("pipeline failed")
			return fmt.Errorf("step %d (%s): %w", st.index, st.name, err)
		}
		log.Info().Str("run", run.ID).Int("step", st.index).Str("name", st.name).Dur("took", rec.Duration).Msg("step completed")
	}

	run.succeed()
	log.Info().Str("run", run.ID).Str("target", run.Target).Msg("pipeline succeeded")
	return nil
}

// srcDir is where the application source lives on the target; the compose
// file sits above it so provisioning never races the clone.
func (s *Sequencer) srcDir() string { return path.Join(s.target.Workdir, "src") }

func (s *Sequencer) composePath() string { return path.Join(s.target.Workdir, "docker-compose.yml") }

func (s *Sequencer) cmdTimeout() time.Duration {
	return time.Duration(s.cfg.Defaults.TimeoutSeconds) * time.Second
}

// provision places the origin certificate, the reverse-proxy block, and the
// rendered stack definition on the target. Re-running it converges to the
// same files.
func (s *Sequencer) provision(ctx context.Context, run *Run) ([]ssh.Result, error) {
	results, err := s.runner.RunScript(ctx, []ssh.Command{
		{Cmd: fmt.Sprintf("mkdir -p %s", s.target.Workdir), Timeout: s.cmdTimeout()},
	})
	if err != nil {
		return results, err
	}

	if s.target.Cert.LocalCert != "" {
		if err := s.files.PushFile(ctx, s.target.Cert.LocalCert, render.RemoteCertPath(s.target), 0644); err != nil {
			return results, fmt.Errorf("place certificate: %w", err)
		}
		if err := s.files.PushFile(ctx, s.target.Cert.LocalKey, render.RemoteKeyPath(s.target), 0600); err != nil {
			return results, fmt.Errorf("place certificate key: %w", err)
		}
	}

	if s.target.ProxyConfPath != "" {
		conf, err := render.ProxyConf(s.target)
		if err != nil {
			return results, err
		}
		if err := s.files.PushBytes(ctx, []byte(conf), s.target.ProxyConfPath, 0644); err != nil {
			return results, fmt.Errorf("write proxy config: %w", err)
		}
		reload, err := s.runner.RunScript(ctx, []ssh.Command{
			{Cmd: "sudo nginx -t && sudo systemctl reload nginx", Timeout: s.cmdTimeout()},
		})
		results = append(results, reload...)
		if err != nil {
			return results, fmt.Errorf("reload proxy: %w", err)
		}
	}

	stack, err := render.Compose(s.cfg.Services, s.secrets)
	if err != nil {
		return results, err
	}
	if err := s.files.PushBytes(ctx, stack, s.composePath(), 0600); err != nil {
		return results, fmt.Errorf("write stack definition: %w", err)
	}
	return results, nil
}

// pull syncs the source checkout to the tip of the deploy branch, cloning on
// first run, and records the synced commit on the run.
func (s *Sequencer) pull(ctx context.Context, run *Run) ([]ssh.Result, error) {
	src := s.srcDir()
	branch := s.target.Branch
	if branch == "" {
		branch = "main"
	}
	sync := fmt.Sprintf(
		"if [ -d %[1]s/.git ]; then git -C %[1]s fetch origin %[2]s && git -C %[1]s checkout %[2]s && git -C %[1]s reset --hard origin/%[2]s; else git clone --branch %[2]s %[3]s %[1]s; fi",
		src, branch, s.target.RepoURL,
	)
	results, err := s.runner.RunScript(ctx, []ssh.Command{
		{Cmd: sync, Timeout: s.cmdTimeout()},
		{Cmd: fmt.Sprintf("git -C %s rev-parse HEAD", src), Timeout: s.cmdTimeout()},
	})
	if err != nil {
		return results, err
	}
	if len(results) > 0 {
		run.setCommit(strings.TrimSpace(results[len(results)-1].Stdout))
	}
	return results, nil
}

// teardown stops the existing stack. The containers may not exist yet, so a
// non-zero exit here is tolerated.
func (s *Sequencer) teardown(ctx context.Context, run *Run) ([]ssh.Result, error) {
	return s.runner.RunScript(ctx, []ssh.Command{
		{
			Cmd:             fmt.Sprintf("cd %s && docker compose down --remove-orphans", s.target.Workdir),
			ContinueOnError: true,
			Timeout:         s.cmdTimeout(),
		},
	})
}

// up builds and starts the stack, then gates on the health of every service
// that declares a healthcheck before the step may succeed.
func (s *Sequencer) up(ctx context.Context, run *Run) ([]ssh.Result, error) {
	results, err := s.runner.RunScript(ctx, []ssh.Command{
		{
			Cmd:     fmt.Sprintf("cd %s && docker compose up -d --build", s.target.Workdir),
			Timeout: s.BuildTimeout,
		},
	})
	if err != nil {
		return results, err
	}
	for _, svc := range s.cfg.Services {
		if svc.HealthCmd == "" {
			continue
		}
		res, err := s.waitHealthy(ctx, svc.Name)
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// waitHealthy polls a service's container health until it reports healthy or
// the gate times out.
func (s *Sequencer) waitHealthy(ctx context.Context, service string) ([]ssh.Result, error) {
	probe := fmt.Sprintf(
		"cd %s && docker inspect -f '{{.State.Health.Status}}' $(docker compose ps -q %s)",
		s.target.Workdir, service,
	)
	deadline := time.After(s.HealthTimeout)
	ticker := time.NewTicker(s.HealthInterval)
	defer ticker.Stop()

	var last []ssh.Result
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline:
			return last, fmt.Errorf("service %s not healthy after %s", service, s.HealthTimeout)
		case <-ticker.C:
			res, err := s.runner.RunScript(ctx, []ssh.Command{{Cmd: probe, Timeout: s.cmdTimeout()}})
			last = res
			if err != nil {
				var cmdErr *ssh.CommandError
				if errors.As(err, &cmdErr) {
					continue // container not up yet
				}
				return res, err
			}
			if len(res) > 0 && strings.TrimSpace(res[len(res)-1].Stdout) == "healthy" {
				return res, nil
			}
		}
	}
}

// migrate applies pending schema migrations in the application container and
// records the resulting revision. Steps that ran before a failing migrate are
// not rolled back.
func (s *Sequencer) migrate(ctx context.Context, run *Run) ([]ssh.Result, error) {
	m := s.cfg.Migrate
	if m.Command == "" {
		log.Debug().Str("target", s.target.Name).Msg("no migration command configured, skipping")
		return nil, nil
	}
	svc := m.Service
	if svc == "" {
		svc = "app"
	}
	cmds := []ssh.Command{
		{
			Cmd:     fmt.Sprintf("cd %s && docker compose exec -T %s %s", s.target.Workdir, svc, m.Command),
			Timeout: 5 * time.Minute,
		},
	}
	if m.RevisionCmd != "" {
		cmds = append(cmds, ssh.Command{
			Cmd:     fmt.Sprintf("cd %s && docker compose exec -T %s %s", s.target.Workdir, svc, m.RevisionCmd),
			Timeout: s.cmdTimeout(),
		})
	}
	results, err := s.runner.RunScript(ctx, cmds)
	if err != nil {
		return results, err
	}
	if m.RevisionCmd != "" && len(results) > 0 {
		run.setRevision(strings.TrimSpace(results[len(results)-1].Stdout))
	}
	return results, nil
}
