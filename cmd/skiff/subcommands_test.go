package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"

	"github.com/skiff-dev/skiff/internal/deploy"
	"github.com/skiff-dev/skiff/internal/store"
)

func TestPersistRunWarnsOnUnusableStore(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = log.Output(&buf)
	t.Cleanup(func() { log.Logger = orig })

	run := deploy.NewRun("prod", "")
	// Parent directory does not exist, so the store cannot be opened.
	persistRun(context.Background(), filepath.Join(t.TempDir(), "missing", "runs.db"), run)

	if !strings.Contains(buf.String(), "was not persisted") {
		t.Fatalf("expected a persistence warning, got %q", buf.String())
	}
}

func TestPersistRunWritesHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	run := deploy.NewRun("prod", "abc123")
	persistRun(context.Background(), path, run)

	db, err := store.New(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	sum, _, err := db.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("persisted run not found: %v", err)
	}
	if sum.Target != "prod" || sum.Commit != "abc123" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}
