package deploy

import (
	"sync"
	"testing"
)

func TestRegistrySerializesPerTarget(t *testing.T) {
	reg := NewRegistry()
	first := NewRun("prod", "")
	second := NewRun("prod", "")

	if err := reg.Begin(first); err != nil {
		t.Fatalf("begin first: %v", err)
	}
	if err := reg.Begin(second); err == nil {
		t.Fatalf("expected second run on same target to be refused")
	}

	other := NewRun("staging", "")
	if err := reg.Begin(other); err != nil {
		t.Fatalf("different target must not be blocked: %v", err)
	}

	reg.Finish(first)
	if err := reg.Begin(second); err != nil {
		t.Fatalf("begin after finish: %v", err)
	}
}

func TestRegistryOneWinnerUnderContention(t *testing.T) {
	reg := NewRegistry()
	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reg.Begin(NewRun("prod", "")); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("expected exactly one active run per target, got %d", won)
	}
}

func TestRegistryLookups(t *testing.T) {
	reg := NewRegistry()
	run := NewRun("prod", "abc123")
	if err := reg.Begin(run); err != nil {
		t.Fatalf("begin: %v", err)
	}

	if active, ok := reg.Active("prod"); !ok || active.ID != run.ID {
		t.Fatalf("expected active run for prod")
	}
	if _, ok := reg.Get(run.ID); !ok {
		t.Fatalf("expected run in history by id")
	}

	reg.Finish(run)
	if _, ok := reg.Active("prod"); ok {
		t.Fatalf("target must be idle after finish")
	}
	if _, ok := reg.Get(run.ID); !ok {
		t.Fatalf("finished run must stay in history")
	}
}
