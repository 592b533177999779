package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	first := Run{
		Kind:     KindConverge,
		Host:     "192.168.1.50",
		Outcome:  "reboot-required",
		Started:  time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
		Duration: 95 * time.Second,
		Steps: []StepRecord{
			{Name: "docker-engine", Status: "converged", Duration: 40 * time.Second},
			{Name: "nvidia-driver", Status: "reboot-pending", Detail: "installed; reboot required to activate"},
		},
	}
	second := Run{
		Kind:    KindDeploy,
		Host:    "192.168.1.50",
		Outcome: "ok",
		Started: time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC),
		Steps: []StepRecord{
			{Name: "sync", Status: "ok"},
			{Name: "restart", Status: "ok"},
		},
	}

	for _, run := range []Run{first, second} {
		if err := j.Record(ctx, run); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	runs, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}

	// Newest first.
	if runs[0].Kind != KindDeploy || runs[1].Kind != KindConverge {
		t.Errorf("order wrong: %q then %q", runs[0].Kind, runs[1].Kind)
	}
	if runs[1].Outcome != "reboot-required" {
		t.Errorf("outcome = %q", runs[1].Outcome)
	}
	if runs[1].Duration != 95*time.Second {
		t.Errorf("duration = %s", runs[1].Duration)
	}
	if !runs[1].Started.Equal(first.Started) {
		t.Errorf("started = %s, want %s", runs[1].Started, first.Started)
	}

	steps := runs[1].Steps
	if len(steps) != 2 {
		t.Fatalf("len(steps) = %d, want 2", len(steps))
	}
	if steps[0].Name != "docker-engine" || steps[1].Name != "nvidia-driver" {
		t.Errorf("step order wrong: %q, %q", steps[0].Name, steps[1].Name)
	}
	if steps[1].Detail != "installed; reboot required to activate" {
		t.Errorf("step detail = %q", steps[1].Detail)
	}
}

func TestRecentLimit(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		run := Run{Kind: KindDeploy, Host: "h", Outcome: "ok", Started: time.Now()}
		if err := j.Record(ctx, run); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	runs, err := j.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("len(runs) = %d, want 3", len(runs))
	}
}

func TestRecentEmptyJournal(t *testing.T) {
	j := openTestJournal(t)

	runs, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("len(runs) = %d, want 0", len(runs))
	}
}
