package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skiff-dev/skiff/internal/config"
	"github.com/skiff-dev/skiff/internal/deploy"
	"github.com/skiff-dev/skiff/internal/render"
	gssh "github.com/skiff-dev/skiff/internal/ssh"
	"github.com/skiff-dev/skiff/internal/store"
)

// loadConfig resolves the --config flag into a validated configuration.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return config.Load(cfgPath)
}

// targetClient builds the SSH client for a target from the config's key and
// known_hosts settings.
func targetClient(cfg config.Config, t config.Target) (*gssh.Client, error) {
	signer, err := gssh.LoadPrivateKeySigner(filepath.Join(cfg.SSH.KeyDir, "id_ed25519"))
	if err != nil {
		return nil, err
	}
	kh, err := gssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
	if err != nil {
		return nil, err
	}
	user := t.SSHUser
	if user == "" {
		user = cfg.Defaults.User
	}
	return &gssh.Client{
		Addr:       t.Addr(cfg.Defaults.SSHPort),
		User:       user,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    time.Duration(cfg.Defaults.TimeoutSeconds) * time.Second,
	}, nil
}

// persistRun records a finished run in the history store. The run already
// executed, so a store failure warns instead of failing the command.
func persistRun(ctx context.Context, storePath string, run *deploy.Run) {
	db, err := store.New(storePath)
	if err != nil {
		log.Warn().Err(err).Str("run", run.ID).Msg("run executed but was not persisted")
		return
	}
	defer db.Close()
	if err := db.SaveRun(ctx, run); err != nil {
		log.Warn().Err(err).Str("run", run.ID).Msg("run executed but was not persisted")
	}
}

// Run the deployment pipeline against a target now
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy <target>",
		Short: "Run the deployment pipeline against a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provision, _ := cmd.Flags().GetBool("provision")
			commit, _ := cmd.Flags().GetString("commit")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			target, err := cfg.Target(args[0])
			if err != nil {
				return err
			}
			client, err := targetClient(cfg, target)
			if err != nil {
				return err
			}
			secrets, err := config.LoadSecretsEnv("")
			if err != nil {
				return err
			}

			seq := deploy.NewSequencer(cfg, target, gssh.NewExecutor(client), gssh.NewUploader(client), secrets)
			seq.Provision = provision

			run := deploy.NewRun(target.Name, commit)
			reg := deploy.NewRegistry()
			if err := reg.Begin(run); err != nil {
				return err
			}
			defer reg.Finish(run)

			execErr := seq.Execute(cmd.Context(), run)
			persistRun(cmd.Context(), cfg.Store.Path, run)

			if execErr != nil {
				if step := run.FailedStep(); step != deploy.NoFailedStep {
					fmt.Fprintf(os.Stderr, "run %s failed at step %d\n%s", run.ID, step, run.Logs())
				} else {
					fmt.Fprintf(os.Stderr, "run %s %s\n%s", run.ID, run.Status(), run.Logs())
				}
				return execErr
			}
			sum := run.Summary()
			fmt.Printf("run %s %s (commit %s", run.ID, sum.Status, sum.Commit)
			if rev := run.Revision(); rev != "" {
				fmt.Printf(", revision %s", rev)
			}
			fmt.Println(")")
			return nil
		},
	}
	cmd.Flags().Bool("provision", false, "place certificates, proxy config and stack definition before deploying")
	cmd.Flags().String("commit", "", "expected commit (recorded on the run)")
	return cmd
}

// Show recent pipeline runs
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.New(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			runs, err := db.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				line := fmt.Sprintf("%s\t%s\t%s\t%s", r.ID, r.Target, r.Status, r.StartedAt.Format(time.RFC3339))
				if r.Status == "failed" && r.FailedStep != deploy.NoFailedStep {
					line += fmt.Sprintf("\tstep=%d", r.FailedStep)
				}
				if r.Revision != "" {
					line += fmt.Sprintf("\trev=%s", r.Revision)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

// Print the rendered proxy and stack files for inspection
func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <target>",
		Short: "Print the rendered proxy config and stack definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			target, err := cfg.Target(args[0])
			if err != nil {
				return err
			}
			conf, err := render.ProxyConf(target)
			if err != nil {
				return err
			}
			// Secret refs render as placeholders here; values never hit stdout.
			placeholders := map[string]string{}
			for _, s := range cfg.Services {
				for _, ref := range s.EnvRefs {
					placeholders[ref] = "${" + ref + "}"
				}
			}
			stack, err := render.Compose(cfg.Services, placeholders)
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n%s\n", target.ProxyConfPath, conf)
			fmt.Printf("# docker-compose.yml\n%s", stack)
			return nil
		},
	}
	return cmd
}

// Preflight a target: DNS resolution and SSH reachability
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <target>",
		Short: "Preflight a target: DNS resolution and SSH reachability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			target, err := cfg.Target(args[0])
			if err != nil {
				return err
			}

			if target.Domain != "" {
				addrs, err := net.LookupHost(target.Domain)
				if err != nil {
					fmt.Printf("dns\t%s\tFAIL: %v\n", target.Domain, err)
				} else {
					fmt.Printf("dns\t%s\tok (%v)\n", target.Domain, addrs)
				}
			}

			client, err := targetClient(cfg, target)
			if err != nil {
				return err
			}
			exec := gssh.NewExecutor(client)
			results, err := exec.RunScript(cmd.Context(), []gssh.Command{
				{Cmd: "echo ready", Timeout: 15 * time.Second},
			})
			if err != nil {
				fmt.Printf("ssh\t%s\tFAIL: %v\n", client.Addr, err)
				return err
			}
			fmt.Printf("ssh\t%s\tok (%s)\n", client.Addr, results[0].Duration.Round(time.Millisecond))
			return nil
		},
	}
}

// Initialize configuration, deploy key and known_hosts
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "skiff initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				base := os.Getenv("XDG_CONFIG_HOME")
				if base == "" {
					home, _ := os.UserHomeDir()
					base = filepath.Join(home, ".config")
				}
				cfgPath = filepath.Join(base, "skiff", "config.yaml")
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0700); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgPath, []byte(defaultConfig), 0600); err != nil {
					return err
				}
				fmt.Printf("wrote default config to %s\n", cfgPath)
			} else {
				fmt.Printf("config already present at %s\n", cfgPath)
			}

			keyDir := filepath.Join(filepath.Dir(cfgPath), "ssh")
			if err := os.MkdirAll(keyDir, 0700); err != nil {
				return err
			}
			keyPath := filepath.Join(keyDir, "id_ed25519")
			if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
				pub, err := gssh.GenerateDeployKey(keyPath)
				if err != nil {
					return err
				}
				fmt.Printf("generated deploy key %s\nauthorize this public key on your targets:\n%s", keyPath, pub)
			}

			return gssh.EnsureKnownHostsFile(filepath.Join(filepath.Dir(cfgPath), "known_hosts"))
		},
	}
}

const defaultConfig = `targets:
  - name: prod
    host: 203.0.113.10
    ssh_user: deploy
    workdir: /srv/app
    repo_url: git@example.com:acme/app.git
    branch: main
    domain: app.example.com
    app_port: 8000
    proxy_conf_path: /etc/nginx/conf.d/app.conf
    cert:
      local_cert: ~/.config/skiff/certs/app.example.com.pem
      local_key: ~/.config/skiff/certs/app.example.com.key
      remote_dir: /etc/ssl/app

services:
  - name: db
    image: postgres:16
    env_refs: [POSTGRES_PASSWORD]
    health_cmd: pg_isready -U postgres
  - name: cache
    image: redis:7
    health_cmd: redis-cli ping
  - name: app
    build: ./src
    ports: ["127.0.0.1:8000:8000"]
    depends_on: [db, cache]
    env_refs: [DATABASE_URL, REDIS_URL, JWT_SECRET]

migrate:
  service: app
  command: alembic upgrade head
  revision_cmd: alembic current

webhook:
  addr: ":8099"
  secret_ref: SKIFF_WEBHOOK_SECRET
  branch: main
`
