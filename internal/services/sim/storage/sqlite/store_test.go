package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/princess.sim/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage/sqlite/migrations"
)

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenIsIdempotentAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sim.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	if err := first.RegisterPrincess(context.Background(), storage.PrincessDetails{SubjectID: "p1", MoodLevel: 50}); err != nil {
		t.Fatalf("register princess: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close first: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if _, err := second.GetPrincessDetails(context.Background(), "p1"); err != nil {
		t.Fatalf("get princess after reopen: %v", err)
	}
}

func TestMigrationsRecordedOnce(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	if err := sqlitemigrate.ApplyMigrations(ctx, store.sqlDB, migrations.FS, ""); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	applied, err := sqlitemigrate.Applied(ctx, store.sqlDB)
	if err != nil {
		t.Fatalf("applied: %v", err)
	}
	if len(applied) != 2 || applied[0] != "001_init.sql" || applied[1] != "002_seed_tasks.sql" {
		t.Fatalf("unexpected applied migrations: %v", applied)
	}
	if _, err := store.GetTask(ctx, 1); err != nil {
		t.Fatalf("expected seeded task after reapply: %v", err)
	}
}

func TestSeededTasksAvailable(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	task, err := store.GetTask(context.Background(), 1)
	if err != nil {
		t.Fatalf("get seeded task: %v", err)
	}
	if task.Name == "" {
		t.Fatal("expected seeded task name")
	}
	if _, err := store.GetTask(context.Background(), 999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing task error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestPutTaskUpserts(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	if err := store.PutTask(ctx, storage.Task{ID: 77, Name: "Polish the crown"}); err != nil {
		t.Fatalf("put task: %v", err)
	}
	if err := store.PutTask(ctx, storage.Task{ID: 77, Name: "Polish the tiara"}); err != nil {
		t.Fatalf("rename task: %v", err)
	}
	task, err := store.GetTask(ctx, 77)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Name != "Polish the tiara" {
		t.Fatalf("name = %q, want renamed", task.Name)
	}
	if err := store.PutTask(ctx, storage.Task{ID: 78}); err == nil {
		t.Fatal("expected missing name error")
	}
}

func TestRegisterParticipantsRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	if err := store.RegisterPrincess(ctx, storage.PrincessDetails{SubjectID: "p1", MoodLevel: 50, CreatedAt: now}); err != nil {
		t.Fatalf("register princess: %v", err)
	}
	if err := store.RegisterServant(ctx, storage.ServantDetails{SubjectID: "s1", SkillLevel: 1, CreatedAt: now}); err != nil {
		t.Fatalf("register servant: %v", err)
	}

	princess, err := store.GetPrincessDetails(ctx, "p1")
	if err != nil {
		t.Fatalf("get princess: %v", err)
	}
	if princess.MoodLevel != 50 || !princess.CreatedAt.Equal(now) || !princess.UpdatedAt.Equal(now) {
		t.Fatalf("princess = %+v", princess)
	}
	servant, err := store.GetServantDetails(ctx, "s1")
	if err != nil {
		t.Fatalf("get servant: %v", err)
	}
	if servant.SkillLevel != 1 {
		t.Fatalf("skill = %d, want 1", servant.SkillLevel)
	}

	if _, err := store.GetServantDetails(ctx, "p1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("princess as servant error = %v, want not found", err)
	}
}

func TestRegisterRejectsSecondRole(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.RegisterPrincess(ctx, storage.PrincessDetails{SubjectID: "x", MoodLevel: 50}); err != nil {
		t.Fatalf("register princess: %v", err)
	}
	if err := store.RegisterPrincess(ctx, storage.PrincessDetails{SubjectID: "x", MoodLevel: 50}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate princess error = %v, want %v", err, storage.ErrAlreadyExists)
	}
	if err := store.RegisterServant(ctx, storage.ServantDetails{SubjectID: "x", SkillLevel: 1}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("cross-role error = %v, want %v", err, storage.ErrAlreadyExists)
	}

	if err := store.RegisterServant(ctx, storage.ServantDetails{SubjectID: "y", SkillLevel: 1}); err != nil {
		t.Fatalf("register servant: %v", err)
	}
	if err := store.RegisterPrincess(ctx, storage.PrincessDetails{SubjectID: "y", MoodLevel: 50}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("cross-role error = %v, want %v", err, storage.ErrAlreadyExists)
	}
}

func TestSetLevels(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	seedPair(t, store)
	later := time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC)

	if err := store.SetMoodLevel(ctx, "p1", 80, later); err != nil {
		t.Fatalf("set mood: %v", err)
	}
	if err := store.SetSkillLevel(ctx, "s1", 4, later); err != nil {
		t.Fatalf("set skill: %v", err)
	}
	princess, _ := store.GetPrincessDetails(ctx, "p1")
	if princess.MoodLevel != 80 || !princess.UpdatedAt.Equal(later) {
		t.Fatalf("princess = %+v", princess)
	}
	servant, _ := store.GetServantDetails(ctx, "s1")
	if servant.SkillLevel != 4 {
		t.Fatalf("servant = %+v", servant)
	}
	if err := store.SetMoodLevel(ctx, "s1", 10, later); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("set mood on servant error = %v, want not found", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	seedPair(t, store)
	start := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	created, err := store.CreateSession(ctx, storage.Session{
		PrincessID: "p1",
		ServantID:  "s1",
		StartTime:  start,
		HostShard:  "8080",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.ID <= 0 {
		t.Fatalf("session id = %d", created.ID)
	}

	got, err := store.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !got.Active() || got.HostShard != "8080" || !got.StartTime.Equal(start) {
		t.Fatalf("session = %+v", got)
	}

	active, err := store.GetActiveSessionForServant(ctx, "s1")
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if active.ID != created.ID {
		t.Fatalf("active id = %d, want %d", active.ID, created.ID)
	}

	firstEnd := start.Add(time.Hour)
	ended, err := store.EndSession(ctx, created.ID, firstEnd)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if ended.Active() || !ended.EndTime.Equal(firstEnd) {
		t.Fatalf("ended = %+v", ended)
	}

	secondEnd := firstEnd.Add(time.Minute)
	ended, err = store.EndSession(ctx, created.ID, secondEnd)
	if err != nil {
		t.Fatalf("end session again: %v", err)
	}
	if !ended.EndTime.Equal(secondEnd) {
		t.Fatalf("end time = %v, want overwrite to %v", ended.EndTime, secondEnd)
	}

	if _, err := store.GetActiveSessionForServant(ctx, "s1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("active after end error = %v, want not found", err)
	}
	if _, err := store.EndSession(ctx, 9999, secondEnd); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("end missing error = %v, want not found", err)
	}
	if _, err := store.GetSession(ctx, 9999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing error = %v, want not found", err)
	}
}

func TestCreateTaskRequestWritesOneLogEntry(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	session := seedSession(t, store)

	request, entry, err := store.CreateTaskRequest(ctx, storage.TaskRequest{
		TaskID:     1,
		SessionID:  session.ID,
		PrincessID: session.PrincessID,
		ServantID:  session.ServantID,
	})
	if err != nil {
		t.Fatalf("create task request: %v", err)
	}
	if request.ID <= 0 || entry.ID <= 0 {
		t.Fatalf("ids = %d/%d", request.ID, entry.ID)
	}
	if entry.RequestID != request.ID || entry.SessionID != session.ID {
		t.Fatalf("entry = %+v", entry)
	}
	if request.Success != nil {
		t.Fatal("new request must have unset success")
	}

	page, err := store.ListSessionLogs(ctx, session.ID, 10, "")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0] != entry {
		t.Fatalf("entries = %+v, want [%+v]", page.Entries, entry)
	}
}

func TestCreateTaskRequestRequiresActiveSession(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	session := seedSession(t, store)

	// Refs come from the session row, not the caller.
	request, _, err := store.CreateTaskRequest(ctx, storage.TaskRequest{
		TaskID:     1,
		SessionID:  session.ID,
		PrincessID: "someone-else",
	})
	if err != nil {
		t.Fatalf("create task request: %v", err)
	}
	if request.PrincessID != "p1" || request.ServantID != "s1" {
		t.Fatalf("request refs = %q/%q, want p1/s1", request.PrincessID, request.ServantID)
	}

	if _, err := store.EndSession(ctx, session.ID, time.Now()); err != nil {
		t.Fatalf("end session: %v", err)
	}
	_, _, err = store.CreateTaskRequest(ctx, storage.TaskRequest{TaskID: 1, SessionID: session.ID})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ended session err = %v, want ErrNotFound", err)
	}
	_, _, err = store.CreateTaskRequest(ctx, storage.TaskRequest{TaskID: 1, SessionID: 9999})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing session err = %v, want ErrNotFound", err)
	}

	page, err := store.ListSessionLogs(ctx, session.ID, 10, "")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(page.Entries))
	}
}

func TestCreateTaskRequestRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	session := seedSession(t, store)

	// Unknown task violates the foreign key, so neither row may survive.
	_, _, err := store.CreateTaskRequest(ctx, storage.TaskRequest{
		TaskID:     404,
		SessionID:  session.ID,
		PrincessID: session.PrincessID,
		ServantID:  session.ServantID,
	})
	if err == nil {
		t.Fatal("expected foreign key error")
	}

	page, err := store.ListSessionLogs(ctx, session.ID, 10, "")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(page.Entries) != 0 {
		t.Fatalf("entries = %+v, want none", page.Entries)
	}
	var count int
	if err := store.sqlDB.QueryRow(`SELECT COUNT(*) FROM task_requests`).Scan(&count); err != nil {
		t.Fatalf("count requests: %v", err)
	}
	if count != 0 {
		t.Fatalf("requests = %d, want 0", count)
	}
}

func TestCompleteTaskRequest(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	session := seedSession(t, store)
	request, _, err := store.CreateTaskRequest(ctx, storage.TaskRequest{
		TaskID: 2, SessionID: session.ID, PrincessID: "p1", ServantID: "s1",
	})
	if err != nil {
		t.Fatalf("create task request: %v", err)
	}

	completed, err := store.CompleteTaskRequest(ctx, request.ID, true)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Success == nil || !*completed.Success {
		t.Fatalf("success = %v, want true", completed.Success)
	}
	if _, err := store.CompleteTaskRequest(ctx, 9999, true); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("complete missing error = %v, want not found", err)
	}
}

func TestListSessionLogsPaginates(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	session := seedSession(t, store)
	for i := 0; i < 5; i++ {
		if _, _, err := store.CreateTaskRequest(ctx, storage.TaskRequest{
			TaskID: 1, SessionID: session.ID, PrincessID: "p1", ServantID: "s1",
		}); err != nil {
			t.Fatalf("create request %d: %v", i, err)
		}
	}

	var seen []int64
	token := ""
	for pages := 0; pages < 5; pages++ {
		page, err := store.ListSessionLogs(ctx, session.ID, 2, token)
		if err != nil {
			t.Fatalf("list logs: %v", err)
		}
		for _, entry := range page.Entries {
			seen = append(seen, entry.ID)
		}
		token = page.NextPageToken
		if token == "" {
			break
		}
	}
	if len(seen) != 5 {
		t.Fatalf("seen = %v, want 5 entries", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("entries out of order: %v", seen)
		}
	}

	if _, err := store.ListSessionLogs(ctx, session.ID, 2, "%%%"); err == nil {
		t.Fatal("expected invalid token error")
	}
}

func TestConcurrentCreateTaskRequests(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	session := seedSession(t, store)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.CreateTaskRequest(ctx, storage.TaskRequest{
				TaskID: 3, SessionID: session.ID, PrincessID: "p1", ServantID: "s1",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create: %v", err)
		}
	}

	var requests, logs int
	if err := store.sqlDB.QueryRow(`SELECT COUNT(*) FROM task_requests`).Scan(&requests); err != nil {
		t.Fatalf("count requests: %v", err)
	}
	if err := store.sqlDB.QueryRow(`SELECT COUNT(*) FROM session_logs`).Scan(&logs); err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if requests != workers || logs != workers {
		t.Fatalf("requests=%d logs=%d, want %d each", requests, logs, workers)
	}
}

func seedPair(t *testing.T, store *Store) {
	t.Helper()

	ctx := context.Background()
	if err := store.RegisterPrincess(ctx, storage.PrincessDetails{SubjectID: "p1", MoodLevel: 50}); err != nil {
		t.Fatalf("register princess: %v", err)
	}
	if err := store.RegisterServant(ctx, storage.ServantDetails{SubjectID: "s1", SkillLevel: 1}); err != nil {
		t.Fatalf("register servant: %v", err)
	}
}

func seedSession(t *testing.T, store *Store) storage.Session {
	t.Helper()

	seedPair(t, store)
	session, err := store.CreateSession(context.Background(), storage.Session{
		PrincessID: "p1",
		ServantID:  "s1",
		HostShard:  "8080",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "sim.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
