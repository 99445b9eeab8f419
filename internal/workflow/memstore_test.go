package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/curator/model"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func linearTask(id, objectID, priority string, created time.Time) model.TaskInstance {
	return model.TaskInstance{
		ID:            id,
		Kind:          model.TaskKindLinear,
		ObjectType:    "information_object",
		ObjectID:      objectID,
		WorkflowID:    "wf-1",
		CurrentStepID: "st-1",
		Status:        model.TaskStatusPending,
		Priority:      priority,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestMemoryStore_UpdateChecksVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.Create(ctx, linearTask("t1", "io-1", model.PriorityMedium, t0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("version = %d, want 1", created.Version)
	}

	stale := created
	created.Priority = model.PriorityHigh
	updated, err := s.Update(ctx, created, model.HistoryEntry{ID: "h1", TaskID: "t1", Action: "noted"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	_, err = s.Update(ctx, stale)
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("stale update: expected CONFLICT, got %v", err)
	}
	got, _ := s.Get(ctx, "t1")
	if got.Priority != model.PriorityHigh {
		t.Errorf("stale update overwrote the task: %s", got.Priority)
	}
	if h, _ := s.History(ctx, "t1"); len(h) != 1 {
		t.Errorf("history = %d entries, want 1", len(h))
	}

	_, err = s.Update(ctx, linearTask("missing", "io-9", "", t0))
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("missing task: expected NOT_FOUND, got %v", err)
	}
}

func TestMemoryStore_ClaimPredicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Create(ctx, linearTask("t1", "io-1", "", t0)); err != nil {
		t.Fatal(err)
	}

	due := t0.Add(72 * time.Hour)
	claimed, err := s.Claim(ctx, ClaimRequest{TaskID: "t1", UserID: "u-a", AssignedBy: "u-a", At: t0, DueDate: &due,
		Entry: model.HistoryEntry{ID: "h1", TaskID: "t1", Action: model.ActionClaimed}})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.AssignedTo != "u-a" || claimed.Status != model.TaskStatusClaimed || claimed.Version != 2 {
		t.Errorf("claimed = %+v", claimed)
	}
	if claimed.DueDate == nil || !claimed.DueDate.Equal(due) {
		t.Errorf("due = %v", claimed.DueDate)
	}

	tests := []struct {
		name string
		id   string
		code string
	}{
		{"held", "t1", model.ErrAlreadyClaimed},
		{"missing", "t9", model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Claim(ctx, ClaimRequest{TaskID: tt.id, UserID: "u-b", At: t0})
			if !model.IsCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}

	returned := linearTask("t2", "io-2", "", t0)
	returned.Status = model.TaskStatusReturned
	if _, err := s.Create(ctx, returned); err != nil {
		t.Fatal(err)
	}
	_, err = s.Claim(ctx, ClaimRequest{TaskID: "t2", UserID: "u-b", At: t0})
	if !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("returned task: expected INVALID_TRANSITION, got %v", err)
	}
}

func TestMemoryStore_OneProcedureTaskPerObject(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	task := model.TaskInstance{
		ID: "g1", Kind: model.TaskKindGraph, ObjectType: "accession", ObjectID: "ac-1",
		ProcedureType: "acquisition", CurrentState: "draft", Status: model.TaskStatusPending,
	}
	if _, err := s.UpsertProcedureTask(ctx, task); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	task.ID = "g2"
	if _, err := s.UpsertProcedureTask(ctx, task); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("second task for the same procedure: expected CONFLICT, got %v", err)
	}

	task.ProcedureType = "loans_in"
	if _, err := s.UpsertProcedureTask(ctx, task); err != nil {
		t.Errorf("different procedure: %v", err)
	}
	found, err := s.FindByProcedure(ctx, "accession", "ac-1", "acquisition")
	if err != nil || found.ID != "g1" {
		t.Errorf("FindByProcedure = %s, %v", found.ID, err)
	}
	if _, err := s.FindByProcedure(ctx, "accession", "ac-2", "acquisition"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestMemoryStore_ListOrdersAndFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, task := range []model.TaskInstance{
		linearTask("a", "io-1", model.PriorityLow, t0),
		linearTask("b", "io-2", model.PriorityUrgent, t0.Add(time.Minute)),
		linearTask("c", "io-3", model.PriorityUrgent, t0.Add(-time.Minute)),
		linearTask("d", "io-4", model.PriorityHigh, t0),
	} {
		if _, err := s.Create(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	done := linearTask("e", "io-5", model.PriorityUrgent, t0)
	done.Status = model.TaskStatusApproved
	if _, err := s.Create(ctx, done); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{"priority then age", TaskFilter{OrderBy: OrderPriority, ExcludeStatuses: terminalStatuses}, []string{"c", "b", "d", "a"}},
		{"created", TaskFilter{OrderBy: OrderCreated, Statuses: []string{model.TaskStatusPending}}, []string{"c", "a", "d", "b"}},
		{"terminal only", TaskFilter{Statuses: terminalStatuses}, []string{"e"}},
		{"object", TaskFilter{ObjectID: "io-4"}, []string{"d"}},
		{"limit", TaskFilter{OrderBy: OrderPriority, Limit: 2}, []string{"c", "e"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			ids := taskIDs(got)
			if len(ids) != len(tt.want) {
				t.Fatalf("got %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := t0.Add(8 * time.Hour)
	past := t0.Add(-time.Hour)

	pending := linearTask("p", "io-1", "", t0)
	pending.SubmittedBy = "u-sub"
	pending.DueDate = &past
	mine := linearTask("m", "io-2", "", t0)
	mine.Status = model.TaskStatusInProgress
	mine.AssignedTo = "u-rev"
	approved := linearTask("a", "io-3", "", t0)
	approved.Status = model.TaskStatusApproved
	approved.UpdatedAt = t0.Add(time.Hour)
	rejected := linearTask("r", "io-4", "", t0)
	rejected.Status = model.TaskStatusRejected
	yesterday := linearTask("y", "io-5", "", t0.Add(-24*time.Hour))
	yesterday.Status = model.TaskStatusApproved

	for _, task := range []model.TaskInstance{pending, mine, approved, rejected, yesterday} {
		if _, err := s.Create(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	st, err := s.Stats(ctx, now, "u-rev")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{Pending: 1, Claimed: 1, CompletedToday: 1, Overdue: 1, MyTasks: 1}
	if st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}
	if n, _ := s.CountActive(ctx, "wf-1", "st-1"); n != 2 {
		t.Errorf("CountActive = %d, want 2", n)
	}
}
