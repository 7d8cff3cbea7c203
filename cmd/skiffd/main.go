package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skiff-dev/skiff/internal/config"
	"github.com/skiff-dev/skiff/internal/deploy"
	gssh "github.com/skiff-dev/skiff/internal/ssh"
	"github.com/skiff-dev/skiff/internal/store"
	"github.com/skiff-dev/skiff/internal/trigger"
)

var version = "1.0.0"

func main() {
	cfgPath := flag.String("config", "", "config file")
	level := flag.String("log", "info", "log level")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if lvl, err := zerolog.ParseLevel(*level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	secrets, err := config.LoadSecretsEnv("")
	if err != nil {
		return err
	}
	secret := config.ResolveSecret(secrets, cfg.Webhook.SecretRef)
	if secret == "" {
		return fmt.Errorf("webhook secret %q not found in secrets store", cfg.Webhook.SecretRef)
	}

	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := deploy.NewRegistry()
	queue := trigger.NewQueue(registry, func(ctx context.Context, run *deploy.Run) {
		executeRun(ctx, cfg, secrets, db, run)
	})
	defer queue.Close()

	srv := trigger.NewServer(cfg, secret, queue, registry, db)
	srv.Version = version

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(cfg.Webhook.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	log.Info().Str("addr", cfg.Webhook.Addr).Str("branch", cfg.Webhook.Branch).Msg("skiffd listening")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-sigc:
	}

	log.Info().Msg("skiffd shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// executeRun drives one queued run end to end and persists the outcome. A run
// that cannot even start is aborted and persisted, never left pending.
func executeRun(ctx context.Context, cfg config.Config, secrets map[string]string, db *store.Store, run *deploy.Run) {
	target, err := cfg.Target(run.Target)
	if err != nil {
		log.Error().Err(err).Str("run", run.ID).Msg("run for unknown target")
		abortRun(db, run, err)
		return
	}
	client, err := targetClient(cfg, target)
	if err != nil {
		log.Error().Err(err).Str("run", run.ID).Msg("cannot build ssh client")
		abortRun(db, run, err)
		return
	}
	seq := deploy.NewSequencer(cfg, target, gssh.NewExecutor(client), gssh.NewUploader(client), secrets)
	if err := seq.Execute(ctx, run); err != nil {
		log.Error().Err(err).Str("run", run.ID).Int("step", run.FailedStep()).Msg("run finished with error")
	}
	persistRun(db, run)
}

func abortRun(db *store.Store, run *deploy.Run, err error) {
	run.Abort(err)
	persistRun(db, run)
}

func persistRun(db *store.Store, run *deploy.Run) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.SaveRun(saveCtx, run); err != nil {
		log.Error().Err(err).Str("run", run.ID).Msg("persist run")
	}
}

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
