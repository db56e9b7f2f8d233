package escalate

import (
	"testing"
	"time"

	"github.com/aristath/stagehand/internal/logger"
)

func newTestTracker(timeout time.Duration) (*Tracker, *time.Time) {
	tr := NewTracker(timeout, nil, logger.Discard())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return now })
	return tr, &now
}

func TestOpenStartsAtLevelOne(t *testing.T) {
	tr, _ := newTestTracker(time.Minute)
	rec := tr.Open(2, "deploy failed")
	if rec.Level != LevelDocumentedFix {
		t.Errorf("level = %v, want 1", rec.Level)
	}
	if rec.IssueID == "" {
		t.Error("issue id must be assigned")
	}
}

func TestAutoEscalateAfterTimeout(t *testing.T) {
	tr, now := newTestTracker(time.Minute)
	rec := tr.Open(1, "stuck")

	if tr.ShouldAutoEscalate(rec, *now) {
		t.Error("fresh issue must not auto-escalate")
	}

	*now = now.Add(61 * time.Second)
	if !tr.ShouldAutoEscalate(rec, *now) {
		t.Error("idle issue past timeout must auto-escalate")
	}

	advanced := tr.Sweep()
	if len(advanced) != 1 || advanced[0].Level != LevelArchitectReview {
		t.Fatalf("Sweep = %+v, want one record at level 2", advanced)
	}

	// Clock was reset; not due again immediately.
	if got := tr.Sweep(); len(got) != 0 {
		t.Errorf("second Sweep advanced %d records, want 0", len(got))
	}
}

func TestLevelOnlyIncreasesToHumanDecision(t *testing.T) {
	tr, now := newTestTracker(time.Second)
	rec := tr.Open(1, "stuck")

	for want := LevelArchitectReview; want <= LevelHumanDecision; want++ {
		*now = now.Add(2 * time.Second)
		got, err := tr.Advance(rec.IssueID)
		if err != nil {
			t.Fatalf("Advance to %v: %v", want, err)
		}
		if got.Level != want {
			t.Fatalf("level = %v, want %v", got.Level, want)
		}
	}

	// Level 4 is terminal for automation.
	if _, err := tr.Advance(rec.IssueID); err == nil {
		t.Error("Advance past level 4 must fail")
	}
	*now = now.Add(time.Hour)
	if tr.ShouldAutoEscalate(mustRecord(t, tr, rec.IssueID), *now) {
		t.Error("level 4 must not auto-escalate")
	}

	// Only an explicit resolution clears it.
	if err := tr.Resolve(rec.IssueID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if open := tr.OpenRecords(); len(open) != 0 {
		t.Errorf("open records = %d, want 0", len(open))
	}
}

func TestTouchResetsClock(t *testing.T) {
	tr, now := newTestTracker(time.Minute)
	rec := tr.Open(1, "stuck")

	*now = now.Add(50 * time.Second)
	if err := tr.Touch(rec.IssueID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	*now = now.Add(50 * time.Second)
	if tr.ShouldAutoEscalate(mustRecord(t, tr, rec.IssueID), *now) {
		t.Error("touched issue within window must not auto-escalate")
	}
}

func TestRestore(t *testing.T) {
	tr, _ := newTestTracker(time.Minute)
	tr.Restore([]Record{{IssueID: "x", Stage: 3, Level: LevelBroadenSearch}})
	got := mustRecord(t, tr, "x")
	if got.Level != LevelBroadenSearch || got.Stage != 3 {
		t.Errorf("restored record = %+v", got)
	}
}

func mustRecord(t *testing.T, tr *Tracker, id string) Record {
	t.Helper()
	for _, rec := range tr.Records() {
		if rec.IssueID == id {
			return rec
		}
	}
	t.Fatalf("record %q not found", id)
	return Record{}
}
