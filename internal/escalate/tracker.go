// Package escalate implements timeout-gated, leveled escalation of
// unresolved failures: documented fix, architecture review, broadened
// search, and finally a human decision.
package escalate

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/stagehand/internal/events"
)

// Level is an escalation level. It only ever increases.
type Level int

const (
	LevelDocumentedFix   Level = 1 // try previously documented fixes
	LevelArchitectReview Level = 2 // request architecture/scope review
	LevelBroadenSearch   Level = 3 // widen the search for a fix
	LevelHumanDecision   Level = 4 // halt automation, flag for a human
)

// String returns the level's short description.
func (l Level) String() string {
	switch l {
	case LevelDocumentedFix:
		return "documented-fix"
	case LevelArchitectReview:
		return "architect-review"
	case LevelBroadenSearch:
		return "broaden-search"
	case LevelHumanDecision:
		return "human-decision"
	default:
		return fmt.Sprintf("level-%d", int(l))
	}
}

// Record tracks one escalated issue.
type Record struct {
	IssueID      string    `json:"issue_id"`
	Stage        int       `json:"stage"`
	Summary      string    `json:"summary"`
	Level        Level     `json:"level"`
	OpenedAt     time.Time `json:"opened_at"`
	LastActivity time.Time `json:"last_activity"`
	Resolved     bool      `json:"resolved"`
}

// Tracker owns the escalation records of one session.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	timeout time.Duration
	now     func() time.Time
	bus     *events.Bus
	log     *slog.Logger
}

// NewTracker creates a tracker. idleTimeout is the inactivity window after
// which an unresolved issue auto-escalates one level; <= 0 selects the
// 120s default. bus may be nil.
func NewTracker(idleTimeout time.Duration, bus *events.Bus, log *slog.Logger) *Tracker {
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}
	return &Tracker{
		records: make(map[string]*Record),
		timeout: idleTimeout,
		now:     time.Now,
		bus:     bus,
		log:     log,
	}
}

// SetClock replaces the tracker's clock. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Open raises a new issue at level 1 and returns its record.
func (t *Tracker) Open(stage int, summary string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	rec := &Record{
		IssueID:      uuid.NewString(),
		Stage:        stage,
		Summary:      summary,
		Level:        LevelDocumentedFix,
		OpenedAt:     now,
		LastActivity: now,
	}
	t.records[rec.IssueID] = rec

	if t.log != nil {
		t.log.Warn("escalation opened", "issue", rec.IssueID, "stage", stage, "summary", summary)
	}
	if t.bus != nil {
		t.bus.Publish(events.TopicEscalation, events.EscalationEvent{
			Type:      events.EventEscalationRaised,
			Stage:     stage,
			IssueID:   rec.IssueID,
			Level:     int(rec.Level),
			Summary:   summary,
			Timestamp: now,
		})
	}
	return *rec
}

// Touch records activity on an issue, resetting its escalation clock.
func (t *Tracker) Touch(issueID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[issueID]
	if !ok {
		return fmt.Errorf("unknown issue %q", issueID)
	}
	rec.LastActivity = t.now()
	return nil
}

// Resolve clears an issue. This is the only way out of level 4.
func (t *Tracker) Resolve(issueID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[issueID]
	if !ok {
		return fmt.Errorf("unknown issue %q", issueID)
	}
	rec.Resolved = true
	rec.LastActivity = t.now()
	return nil
}

// ShouldAutoEscalate reports whether the issue's inactivity window has
// elapsed without a resolution. Level 4 never auto-escalates further.
func (t *Tracker) ShouldAutoEscalate(rec Record, now time.Time) bool {
	if rec.Resolved || rec.Level >= LevelHumanDecision {
		return false
	}
	return now.Sub(rec.LastActivity) > t.timeout
}

// Advance escalates an issue exactly one level and resets its clock.
// Advancing a resolved issue or one already at level 4 is an error.
func (t *Tracker) Advance(issueID string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[issueID]
	if !ok {
		return Record{}, fmt.Errorf("unknown issue %q", issueID)
	}
	if rec.Resolved {
		return Record{}, fmt.Errorf("issue %q already resolved", issueID)
	}
	if rec.Level >= LevelHumanDecision {
		return Record{}, fmt.Errorf("issue %q is at %s; only an explicit resolution clears it", issueID, rec.Level)
	}

	rec.Level++
	rec.LastActivity = t.now()

	if t.bus != nil {
		t.bus.Publish(events.TopicEscalation, events.EscalationEvent{
			Type:      events.EventEscalationLeveled,
			Stage:     rec.Stage,
			IssueID:   rec.IssueID,
			Level:     int(rec.Level),
			Summary:   rec.Summary,
			Timestamp: rec.LastActivity,
		})
	}
	return *rec, nil
}

// Sweep auto-escalates every due issue one level and returns the records
// it advanced.
func (t *Tracker) Sweep() []Record {
	t.mu.Lock()
	ids := make([]string, 0, len(t.records))
	now := t.now()
	for id, rec := range t.records {
		if !rec.Resolved && rec.Level < LevelHumanDecision && now.Sub(rec.LastActivity) > t.timeout {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(ids)
	var advanced []Record
	for _, id := range ids {
		rec, err := t.Advance(id)
		if err == nil {
			advanced = append(advanced, rec)
		}
	}
	return advanced
}

// Records returns all records, open and resolved, sorted by opening time.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// OpenRecords returns only unresolved records.
func (t *Tracker) OpenRecords() []Record {
	var out []Record
	for _, rec := range t.Records() {
		if !rec.Resolved {
			out = append(out, rec)
		}
	}
	return out
}

// Restore rehydrates records from persisted state on session resume.
func (t *Tracker) Restore(records []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		r := rec
		t.records[r.IssueID] = &r
	}
}
