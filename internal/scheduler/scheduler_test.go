package scheduler

import (
	"testing"

	"github.com/robfig/cron/v3"
)

// TestScheduleReplacesPriorSubscription verifies the round-trip law from
// spec §8: schedule(j,e) followed by schedule(j,e) leaves exactly one
// active entry. Exercised directly against robfig/cron rather than through
// Scheduler to avoid standing up a database for this pure bookkeeping check.
func TestScheduleReplacesPriorSubscription(t *testing.T) {
	c := cron.New()
	entries := make(map[string]cron.EntryID)

	add := func(jobID, expr string) error {
		if oldID, ok := entries[jobID]; ok {
			c.Remove(oldID)
			delete(entries, jobID)
		}
		id, err := c.AddFunc(expr, func() {})
		if err != nil {
			return err
		}
		entries[jobID] = id
		return nil
	}

	if err := add("job-1", "0 3 * * *"); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	if err := add("job-1", "0 3 * * *"); err != nil {
		t.Fatalf("second schedule: %v", err)
	}

	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
	if len(c.Entries()) != 1 {
		t.Errorf("cron.Entries() = %d, want 1", len(c.Entries()))
	}
}

// TestUnscheduleIsIdempotent checks that removing the same job twice is
// harmless, using the same remove-if-present bookkeeping as
// Scheduler.Unschedule, exercised directly against robfig/cron rather than
// through Scheduler.
func TestUnscheduleIsIdempotent(t *testing.T) {
	c := cron.New()
	entries := make(map[string]cron.EntryID)

	id, err := c.AddFunc("0 3 * * *", func() {})
	if err != nil {
		t.Fatal(err)
	}
	entries["job-1"] = id

	remove := func(jobID string) {
		if entryID, ok := entries[jobID]; ok {
			c.Remove(entryID)
			delete(entries, jobID)
		}
	}

	remove("job-1")
	remove("job-1") // must not panic or error

	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}
