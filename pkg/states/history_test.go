package states

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/terrane-io/terrane/pkg/engine"
)

func newTestHistory(t *testing.T) *HistoryStore {
	t.Helper()

	store, err := NewHistoryStore(HistoryConfig{
		Path: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("NewHistoryStore() failed: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	return store
}

func strptr(s string) *string {
	return &s
}

func startedRun(id, command string) *RunRecord {
	now := time.Now().UTC()
	return &RunRecord{
		ID:        id,
		Command:   command,
		Status:    engine.RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestHistoryMigrations(t *testing.T) {
	store := newTestHistory(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "operations", "events"} {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
		if err := store.db.QueryRowContext(ctx, query, table).Scan(&count); err != nil {
			t.Fatalf("querying sqlite_master for %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s missing after migration", table)
		}
	}

	// A second migration run should be a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("Migrate() twice failed: %v", err)
	}
}

func TestNewHistoryStoreRequiresPath(t *testing.T) {
	if _, err := NewHistoryStore(HistoryConfig{}); err == nil {
		t.Fatal("NewHistoryStore() with empty path succeeded, want error")
	}
}

func TestHealthCheck(t *testing.T) {
	store, err := NewHistoryStore(HistoryConfig{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("NewHistoryStore() failed: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() before Init succeeded, want error")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	defer store.Close()

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() after Init failed: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := newTestHistory(t)
	ctx := context.Background()

	run := startedRun("run-1", "apply")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if got.Command != "apply" {
		t.Errorf("command = %q, want apply", got.Command)
	}
	if got.Status != engine.RunStatusRunning {
		t.Errorf("status = %s, want %s", got.Status, engine.RunStatusRunning)
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, run.StartedAt)
	}
	if got.CompletedAt != nil {
		t.Errorf("completed_at = %v, want nil before finish", got.CompletedAt)
	}

	summary := engine.ApplySummary{Total: 4, Applied: 2, Failed: 1, Blocked: 1}
	if err := store.FinishRun(ctx, "run-1", engine.RunStatusPartial, strptr("mem_box.db: boom"), summary); err != nil {
		t.Fatalf("FinishRun() failed: %v", err)
	}

	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() after finish failed: %v", err)
	}
	if got.Status != engine.RunStatusPartial {
		t.Errorf("status = %s, want %s", got.Status, engine.RunStatusPartial)
	}
	if got.Error == nil || !strings.Contains(*got.Error, "boom") {
		t.Errorf("error = %v, want failure message", got.Error)
	}
	if got.Summary != summary {
		t.Errorf("summary = %+v, want %+v", got.Summary, summary)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set on terminal status")
	}
	if since := time.Since(*got.CompletedAt); since > time.Minute || since < 0 {
		t.Errorf("completed_at = %v, want recent timestamp", *got.CompletedAt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestHistory(t)

	if _, err := store.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("GetRun() for absent run succeeded, want error")
	}
}

func TestFinishRunNotFound(t *testing.T) {
	store := newTestHistory(t)

	err := store.FinishRun(context.Background(), "missing", engine.RunStatusFailed, nil, engine.ApplySummary{})
	if err == nil {
		t.Fatal("FinishRun() for absent run succeeded, want error")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := newTestHistory(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"run-old", "run-mid", "run-new"} {
		run := startedRun(id, "apply")
		run.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun(%s) failed: %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns() = %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-new" || runs[1].ID != "run-mid" {
		t.Errorf("order = [%s %s], want [run-new run-mid]", runs[0].ID, runs[1].ID)
	}

	rest, err := store.ListRuns(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListRuns() with offset failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "run-old" {
		t.Errorf("offset page = %v, want [run-old]", rest)
	}
}

func TestOperationRecords(t *testing.T) {
	plan := &engine.Plan{
		ID: "plan-1",
		Operations: []*engine.Operation{
			{ID: "op-1", Addr: engine.Address{Kind: "mem_net", Name: "lan"}, Action: engine.ActionCreate},
			{ID: "op-2", Addr: engine.Address{Kind: "mem_box", Name: "web"}, Action: engine.ActionCreate},
			{ID: "op-3", Addr: engine.Address{Kind: "mem_box", Name: "db"}, Action: engine.ActionUpdate},
		},
	}
	started := time.Now().UTC().Add(-time.Minute)
	result := &engine.ApplyResult{
		RunID: "run-1",
		Results: map[string]*engine.OperationResult{
			"mem_net.lan": {
				Addr:        engine.Address{Kind: "mem_net", Name: "lan"},
				Action:      engine.ActionCreate,
				Status:      engine.OperationApplied,
				StartedAt:   started,
				CompletedAt: started.Add(time.Second),
			},
			"mem_box.web": {
				Addr:            engine.Address{Kind: "mem_box", Name: "web"},
				Action:          engine.ActionCreate,
				Status:          engine.OperationTainted,
				ProvisionOutput: "install failed on step two",
			},
			"mem_box.db": {
				Addr:    engine.Address{Kind: "mem_box", Name: "db"},
				Action:  engine.ActionUpdate,
				Status:  engine.OperationFailed,
				Error:   engine.NewPermanentError("boom", nil).WithNode("mem_box.db"),
				Retries: 2,
			},
		},
	}

	records := OperationRecords(plan, result)
	if len(records) != 3 {
		t.Fatalf("OperationRecords() = %d rows, want 3", len(records))
	}

	for i, record := range records {
		if record.Position != i {
			t.Errorf("record %d position = %d, want %d", i, record.Position, i)
		}
		if record.RunID != "run-1" {
			t.Errorf("record %d run ID = %q, want run-1", i, record.RunID)
		}
	}

	if records[0].Node != "mem_net.lan" || records[0].Status != engine.OperationApplied {
		t.Errorf("first record = %s/%s, want mem_net.lan applied", records[0].Node, records[0].Status)
	}
	if records[0].StartedAt == nil || records[0].CompletedAt == nil {
		t.Error("applied record missing timestamps")
	}
	if records[0].Error != nil {
		t.Errorf("applied record error = %v, want nil", *records[0].Error)
	}

	if records[1].Status != engine.OperationTainted {
		t.Errorf("tainted record status = %s", records[1].Status)
	}
	if records[1].ProvisionOutput == nil || *records[1].ProvisionOutput != "install failed on step two" {
		t.Errorf("tainted record output = %v, want provisioner output", records[1].ProvisionOutput)
	}

	if records[2].Error == nil || !strings.Contains(*records[2].Error, "boom") {
		t.Errorf("failed record error = %v, want boom", records[2].Error)
	}
	if records[2].Retries != 2 {
		t.Errorf("failed record retries = %d, want 2", records[2].Retries)
	}
	if records[2].StartedAt != nil {
		t.Errorf("never-started record started_at = %v, want nil", records[2].StartedAt)
	}
}

func TestRecordOperationsRoundTrip(t *testing.T) {
	store := newTestHistory(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, startedRun("run-1", "apply")); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	now := time.Now().UTC()
	started := now.Add(-10 * time.Second)
	completed := now.Add(-8 * time.Second)
	records := []*OperationRecord{
		{
			ID: "op-2", RunID: "run-1", Position: 1, Node: "mem_box.web",
			Action: engine.ActionCreate, Status: engine.OperationTainted,
			ProvisionOutput: strptr("step two failed"), CreatedAt: now,
		},
		{
			ID: "op-1", RunID: "run-1", Position: 0, Node: "mem_net.lan",
			Action: engine.ActionCreate, Status: engine.OperationApplied,
			StartedAt: &started, CompletedAt: &completed, CreatedAt: now,
		},
	}
	if err := store.RecordOperations(ctx, records); err != nil {
		t.Fatalf("RecordOperations() failed: %v", err)
	}

	got, err := store.ListOperations(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListOperations() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListOperations() = %d rows, want 2", len(got))
	}
	if got[0].Node != "mem_net.lan" || got[1].Node != "mem_box.web" {
		t.Errorf("order = [%s %s], want plan order", got[0].Node, got[1].Node)
	}
	if got[0].Status != engine.OperationApplied {
		t.Errorf("status = %s, want %s", got[0].Status, engine.OperationApplied)
	}
	if got[0].StartedAt == nil || !got[0].StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", got[0].StartedAt, started)
	}
	if got[1].ProvisionOutput == nil || *got[1].ProvisionOutput != "step two failed" {
		t.Errorf("provision output = %v, want recorded output", got[1].ProvisionOutput)
	}
	if got[1].Error != nil {
		t.Errorf("error = %v, want nil", *got[1].Error)
	}

	if err := store.RecordOperations(ctx, nil); err != nil {
		t.Errorf("RecordOperations() with no rows failed: %v", err)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	store := newTestHistory(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, startedRun("run-1", "apply")); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	if err := store.CreateRun(ctx, startedRun("run-2", "destroy")); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	now := time.Now().UTC()
	events := []*EventRecord{
		{RunID: "run-1", Type: "run_started", Level: "info", Message: "applying 2 operations", Timestamp: now},
		{RunID: "run-1", Node: strptr("mem_net.lan"), Type: "operation_applied", Level: "info", Message: "applied", Timestamp: now},
		{RunID: "run-1", Node: strptr("mem_box.web"), Type: "operation_failed", Level: "error", Message: "boom", Timestamp: now},
		{RunID: "run-1", Type: "run_completed", Level: "warning", Message: "run finished: partial", Timestamp: now},
		{RunID: "run-2", Type: "run_started", Level: "info", Message: "applying 1 operations", Timestamp: now},
	}
	var lastID int64
	for i, event := range events {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("AppendEvent(%d) failed: %v", i, err)
		}
		if event.ID <= lastID {
			t.Errorf("event %d ID = %d, want greater than %d", i, event.ID, lastID)
		}
		lastID = event.ID
	}

	all, err := store.ListEvents(ctx, nil, nil, nil, 100, 0)
	if err != nil {
		t.Fatalf("ListEvents() failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("ListEvents() = %d events, want 5", len(all))
	}
	if all[0].Type != "run_started" || all[4].RunID != "run-2" {
		t.Errorf("events not in insertion order: first %s, last run %s", all[0].Type, all[4].RunID)
	}

	byRun, err := store.ListEvents(ctx, strptr("run-1"), nil, nil, 100, 0)
	if err != nil {
		t.Fatalf("ListEvents() by run failed: %v", err)
	}
	if len(byRun) != 4 {
		t.Errorf("run-1 events = %d, want 4", len(byRun))
	}

	byNode, err := store.ListEvents(ctx, strptr("run-1"), strptr("mem_box.web"), nil, 100, 0)
	if err != nil {
		t.Fatalf("ListEvents() by node failed: %v", err)
	}
	if len(byNode) != 1 || byNode[0].Message != "boom" {
		t.Errorf("node filter = %v, want the failure event", byNode)
	}

	errors, err := store.ListEvents(ctx, nil, nil, strptr("error"), 100, 0)
	if err != nil {
		t.Fatalf("ListEvents() by level failed: %v", err)
	}
	if len(errors) != 1 || errors[0].Type != "operation_failed" {
		t.Errorf("level filter = %v, want one error event", errors)
	}

	page, err := store.ListEvents(ctx, strptr("run-1"), nil, nil, 2, 1)
	if err != nil {
		t.Fatalf("ListEvents() page failed: %v", err)
	}
	if len(page) != 2 || page[0].Type != "operation_applied" {
		t.Errorf("page = %v, want events two and three", page)
	}
}

func TestDeleteRunCascades(t *testing.T) {
	store := newTestHistory(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, startedRun("run-1", "apply")); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	now := time.Now().UTC()
	records := []*OperationRecord{{
		ID: "op-1", RunID: "run-1", Node: "mem_net.lan",
		Action: engine.ActionCreate, Status: engine.OperationApplied, CreatedAt: now,
	}}
	if err := store.RecordOperations(ctx, records); err != nil {
		t.Fatalf("RecordOperations() failed: %v", err)
	}
	event := &EventRecord{RunID: "run-1", Type: "run_started", Level: "info", Message: "go", Timestamp: now}
	if err := store.AppendEvent(ctx, event); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun() failed: %v", err)
	}

	if _, err := store.GetRun(ctx, "run-1"); err == nil {
		t.Error("GetRun() after delete succeeded, want error")
	}
	ops, err := store.ListOperations(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListOperations() after delete failed: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("operations survived run delete: %d rows", len(ops))
	}
	events, err := store.ListEvents(ctx, strptr("run-1"), nil, nil, 100, 0)
	if err != nil {
		t.Fatalf("ListEvents() after delete failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events survived run delete: %d rows", len(events))
	}

	if err := store.DeleteRun(ctx, "run-1"); err == nil {
		t.Error("DeleteRun() twice succeeded, want error")
	}
}

func TestNewEventRecord(t *testing.T) {
	ts := time.Now().UTC()
	applied := &engine.ApplyEvent{
		Type:      engine.EventOperationApplied,
		Timestamp: ts,
		RunID:     "run-1",
		Node:      "mem_box.web",
		Message:   "applied",
		Level:     "info",
	}

	record := NewEventRecord(applied)
	if record.RunID != "run-1" || record.Type != "operation_applied" {
		t.Errorf("record = %+v, want run-1 operation_applied", record)
	}
	if record.Node == nil || *record.Node != "mem_box.web" {
		t.Errorf("node = %v, want mem_box.web", record.Node)
	}
	if !record.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", record.Timestamp, ts)
	}

	runLevel := NewEventRecord(&engine.ApplyEvent{
		Type:    engine.EventRunCompleted,
		RunID:   "run-1",
		Message: "run finished: succeeded",
		Level:   "info",
	})
	if runLevel.Node != nil {
		t.Errorf("run-level event node = %v, want nil", *runLevel.Node)
	}
}
