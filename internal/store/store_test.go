package store

import (
	"context"
	"testing"
	"time"

	"github.com/loykin/erpsync/internal/erp"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLite(Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp, err := s.GetCheckpoint(ctx, erp.DomainProducts)
	if err != nil {
		t.Fatalf("get empty checkpoint: %v", err)
	}
	if cp.LastPage != 0 || cp.Status != CheckpointIdle {
		t.Fatalf("fresh checkpoint not zero: %+v", cp)
	}

	cp.LastPage = 5
	cp.TotalPages = 10
	cp.ItemsSynced = 250
	cp.Status = CheckpointRunning
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetCheckpoint(ctx, erp.DomainProducts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastPage != 5 || got.TotalPages != 10 || got.ItemsSynced != 250 || got.Status != CheckpointRunning {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("updated_at not stamped")
	}

	if err := s.ResetCheckpoint(ctx, erp.DomainProducts); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ = s.GetCheckpoint(ctx, erp.DomainProducts)
	if got.LastPage != 0 {
		t.Fatalf("reset did not zero checkpoint: %+v", got)
	}
}

func TestCheckpointsList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, d := range []erp.Domain{erp.DomainCustomers, erp.DomainPrices} {
		if err := s.SaveCheckpoint(ctx, Checkpoint{Domain: d, Status: CheckpointComplete, CompletedAt: time.Now()}); err != nil {
			t.Fatalf("save %s: %v", d, err)
		}
	}
	cps, err := s.Checkpoints(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cps) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(cps))
	}
}

func TestEntityLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetEntity(ctx, erp.DomainCustomers, "C001")
	if err != nil || ok {
		t.Fatalf("expected absent entity, ok=%v err=%v", ok, err)
	}

	e := Entity{
		Domain: erp.DomainCustomers,
		ID:     "C001",
		Hash:   "h1",
		Fields: map[string]string{"name": "Rossi", "city": "Milano"},
	}
	if err := s.UpsertEntity(ctx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, ok, err := s.GetEntity(ctx, erp.DomainCustomers, "C001")
	if err != nil || !ok {
		t.Fatalf("get after upsert: ok=%v err=%v", ok, err)
	}
	if got.Hash != "h1" || got.Fields["city"] != "Milano" {
		t.Fatalf("entity mismatch: %+v", got)
	}

	ids, err := s.LiveIDs(ctx, erp.DomainCustomers)
	if err != nil || len(ids) != 1 {
		t.Fatalf("live ids: %v %v", ids, err)
	}

	n, err := s.MarkDeleted(ctx, erp.DomainCustomers, []string{"C001"}, false)
	if err != nil || n != 1 {
		t.Fatalf("soft delete: n=%d err=%v", n, err)
	}
	ids, _ = s.LiveIDs(ctx, erp.DomainCustomers)
	if len(ids) != 0 {
		t.Fatalf("soft-deleted entity still live")
	}
	got, ok, _ = s.GetEntity(ctx, erp.DomainCustomers, "C001")
	if !ok || got.DeletedAt.IsZero() {
		t.Fatalf("soft delete should keep the row: %+v ok=%v", got, ok)
	}

	// Re-upsert resurrects the entity.
	if err := s.UpsertEntity(ctx, e); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	ids, _ = s.LiveIDs(ctx, erp.DomainCustomers)
	if len(ids) != 1 {
		t.Fatalf("re-upsert did not resurrect entity")
	}

	n, err = s.MarkDeleted(ctx, erp.DomainCustomers, []string{"C001"}, true)
	if err != nil || n != 1 {
		t.Fatalf("hard delete: n=%d err=%v", n, err)
	}
	_, ok, _ = s.GetEntity(ctx, erp.DomainCustomers, "C001")
	if ok {
		t.Fatalf("hard delete should remove the row")
	}
}

func TestChangesAndRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.CreateRun(ctx, erp.DomainProducts)
	if err != nil || runID == "" {
		t.Fatalf("create run: id=%q err=%v", runID, err)
	}
	for _, c := range []Change{
		{RunID: runID, Domain: erp.DomainProducts, EntityID: "P1", Type: ChangeCreated},
		{RunID: runID, Domain: erp.DomainProducts, EntityID: "P2", Type: ChangeFieldChanged, Field: "price", OldValue: "10", NewValue: "12"},
	} {
		if err := s.RecordChange(ctx, c); err != nil {
			t.Fatalf("record change: %v", err)
		}
	}
	changes, err := s.ChangesForRun(ctx, runID)
	if err != nil {
		t.Fatalf("changes for run: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[1].Field != "price" || changes[1].NewValue != "12" {
		t.Fatalf("field change mismatch: %+v", changes[1])
	}
	if err := s.FinishRun(ctx, runID, RunResult{Pages: 3, Items: 100, Created: 1, Updated: 1}); err != nil {
		t.Fatalf("finish run: %v", err)
	}
}

func TestOrderJobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := OrderJob{
		ID:     "job-1",
		UserID: "u1",
		Order: erp.Order{
			UserID:       "u1",
			CustomerCode: "C001",
			Lines:        []erp.OrderLine{{ProductCode: "P1", Quantity: 3}},
		},
		Status:    OrderJobQueued,
		Attempts:  0,
		CreatedAt: time.Now(),
	}
	if err := s.SaveOrderJob(ctx, j); err != nil {
		t.Fatalf("save: %v", err)
	}
	j.Status = OrderJobCompleted
	j.Result = "ORD-42"
	j.Attempts = 1
	j.FinishedAt = time.Now()
	if err := s.SaveOrderJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, ok, err := s.GetOrderJob(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != OrderJobCompleted || got.Result != "ORD-42" || got.Attempts != 1 {
		t.Fatalf("job mismatch: %+v", got)
	}
	if got.Order.CustomerCode != "C001" || len(got.Order.Lines) != 1 {
		t.Fatalf("payload mismatch: %+v", got.Order)
	}
	if _, ok, _ := s.GetOrderJob(ctx, "nope"); ok {
		t.Fatalf("unexpected job found")
	}
}

func TestFactoryRejectsUnknownType(t *testing.T) {
	if _, err := New(Config{Type: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported store type")
	}
}
