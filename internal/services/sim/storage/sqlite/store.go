// Package sqlite provides a SQLite-backed sim storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/princess.sim/internal/platform/pagination"
	sqlitemigrate "github.com/louisbranch/princess.sim/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists sim state in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullableMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

// Open opens a SQLite sim store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func stamps(createdAt, updatedAt time.Time, now func() time.Time) (time.Time, time.Time) {
	createdAt = createdAt.UTC()
	updatedAt = updatedAt.UTC()
	if createdAt.IsZero() && updatedAt.IsZero() {
		createdAt = now().UTC()
		return createdAt, createdAt
	}
	if createdAt.IsZero() {
		createdAt = updatedAt
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	return createdAt, updatedAt
}

// RegisterPrincess inserts a princess record unless the subject already holds
// either role.
func (s *Store) RegisterPrincess(ctx context.Context, details storage.PrincessDetails) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	subjectID := strings.TrimSpace(details.SubjectID)
	if subjectID == "" {
		return fmt.Errorf("subject id is required")
	}
	createdAt, updatedAt := stamps(details.CreatedAt, details.UpdatedAt, s.now)

	// Single statement so the cross-role check and insert share one write lock.
	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO princess_details (subject_id, mood_level, created_at, updated_at)
		 SELECT ?, ?, ?, ?
		  WHERE NOT EXISTS (SELECT 1 FROM servant_details WHERE subject_id = ?)`,
		subjectID,
		details.MoodLevel,
		toMillis(createdAt),
		toMillis(updatedAt),
		subjectID,
	)
	return registrationResult("register princess", result, err)
}

// RegisterServant inserts a servant record unless the subject already holds
// either role.
func (s *Store) RegisterServant(ctx context.Context, details storage.ServantDetails) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	subjectID := strings.TrimSpace(details.SubjectID)
	if subjectID == "" {
		return fmt.Errorf("subject id is required")
	}
	createdAt, updatedAt := stamps(details.CreatedAt, details.UpdatedAt, s.now)

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO servant_details (subject_id, skill_level, created_at, updated_at)
		 SELECT ?, ?, ?, ?
		  WHERE NOT EXISTS (SELECT 1 FROM princess_details WHERE subject_id = ?)`,
		subjectID,
		details.SkillLevel,
		toMillis(createdAt),
		toMillis(updatedAt),
		subjectID,
	)
	return registrationResult("register servant", result, err)
}

func registrationResult(op string, result sql.Result, err error) error {
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

// GetPrincessDetails returns the princess record for subjectID.
func (s *Store) GetPrincessDetails(ctx context.Context, subjectID string) (storage.PrincessDetails, error) {
	if err := s.ready(ctx); err != nil {
		return storage.PrincessDetails{}, err
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return storage.PrincessDetails{}, fmt.Errorf("subject id is required")
	}

	var details storage.PrincessDetails
	var createdAt, updatedAt int64
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT subject_id, mood_level, created_at, updated_at
		   FROM princess_details
		  WHERE subject_id = ?`,
		subjectID,
	).Scan(&details.SubjectID, &details.MoodLevel, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PrincessDetails{}, storage.ErrNotFound
		}
		return storage.PrincessDetails{}, fmt.Errorf("get princess details: %w", err)
	}
	details.CreatedAt = fromMillis(createdAt)
	details.UpdatedAt = fromMillis(updatedAt)
	return details, nil
}

// GetServantDetails returns the servant record for subjectID.
func (s *Store) GetServantDetails(ctx context.Context, subjectID string) (storage.ServantDetails, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ServantDetails{}, err
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return storage.ServantDetails{}, fmt.Errorf("subject id is required")
	}

	var details storage.ServantDetails
	var createdAt, updatedAt int64
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT subject_id, skill_level, created_at, updated_at
		   FROM servant_details
		  WHERE subject_id = ?`,
		subjectID,
	).Scan(&details.SubjectID, &details.SkillLevel, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ServantDetails{}, storage.ErrNotFound
		}
		return storage.ServantDetails{}, fmt.Errorf("get servant details: %w", err)
	}
	details.CreatedAt = fromMillis(createdAt)
	details.UpdatedAt = fromMillis(updatedAt)
	return details, nil
}

// SetMoodLevel updates a princess mood level.
func (s *Store) SetMoodLevel(ctx context.Context, subjectID string, moodLevel int, updatedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE princess_details SET mood_level = ?, updated_at = ? WHERE subject_id = ?`,
		moodLevel,
		toMillis(updatedAt),
		strings.TrimSpace(subjectID),
	)
	return updateResult("set mood level", result, err)
}

// SetSkillLevel updates a servant skill level.
func (s *Store) SetSkillLevel(ctx context.Context, subjectID string, skillLevel int, updatedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE servant_details SET skill_level = ?, updated_at = ? WHERE subject_id = ?`,
		skillLevel,
		toMillis(updatedAt),
		strings.TrimSpace(subjectID),
	)
	return updateResult("set skill level", result, err)
}

func updateResult(op string, result sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PutTask inserts or renames one task.
func (s *Store) PutTask(ctx context.Context, task storage.Task) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	name := strings.TrimSpace(task.Name)
	if task.ID <= 0 {
		return fmt.Errorf("task id must be greater than zero")
	}
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO tasks (id, name) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		task.ID,
		name,
	)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// GetTask returns one task by ID.
func (s *Store) GetTask(ctx context.Context, id int64) (storage.Task, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Task{}, err
	}
	var task storage.Task
	err := s.sqlDB.QueryRowContext(ctx, `SELECT id, name FROM tasks WHERE id = ?`, id).Scan(&task.ID, &task.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Task{}, storage.ErrNotFound
		}
		return storage.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// CreateSession inserts an active session and returns it with its assigned ID.
func (s *Store) CreateSession(ctx context.Context, session storage.Session) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	session.PrincessID = strings.TrimSpace(session.PrincessID)
	session.ServantID = strings.TrimSpace(session.ServantID)
	session.HostShard = strings.TrimSpace(session.HostShard)
	if session.PrincessID == "" || session.ServantID == "" {
		return storage.Session{}, fmt.Errorf("princess and servant ids are required")
	}
	if session.HostShard == "" {
		return storage.Session{}, fmt.Errorf("host shard is required")
	}
	if session.StartTime.IsZero() {
		session.StartTime = s.now()
	}
	session.StartTime = fromMillis(toMillis(session.StartTime))
	session.EndTime = nil

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sessions (princess_id, servant_id, start_time, end_time, host_shard)
		 VALUES (?, ?, ?, NULL, ?)`,
		session.PrincessID,
		session.ServantID,
		toMillis(session.StartTime),
		session.HostShard,
	)
	if err != nil {
		return storage.Session{}, fmt.Errorf("create session: %w", err)
	}
	session.ID, err = result.LastInsertId()
	if err != nil {
		return storage.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

const sessionColumns = `id, princess_id, servant_id, start_time, end_time, host_shard`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (storage.Session, error) {
	var session storage.Session
	var startTime int64
	var endTime sql.NullInt64
	if err := row.Scan(
		&session.ID,
		&session.PrincessID,
		&session.ServantID,
		&startTime,
		&endTime,
		&session.HostShard,
	); err != nil {
		return storage.Session{}, err
	}
	session.StartTime = fromMillis(startTime)
	session.EndTime = nullableMillis(endTime)
	return session, nil
}

// GetSession returns one session by ID.
func (s *Store) GetSession(ctx context.Context, id int64) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	session, err := scanSession(s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`,
		id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// EndSession sets the end time, overwriting any previous value.
func (s *Store) EndSession(ctx context.Context, id int64, endTime time.Time) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	if endTime.IsZero() {
		endTime = s.now()
	}
	result, err := s.sqlDB.ExecContext(ctx, `UPDATE sessions SET end_time = ? WHERE id = ?`, toMillis(endTime), id)
	if err := updateResult("end session", result, err); err != nil {
		return storage.Session{}, err
	}
	return s.GetSession(ctx, id)
}

// GetActiveSessionForServant returns the newest unended session for servantID.
func (s *Store) GetActiveSessionForServant(ctx context.Context, servantID string) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	session, err := scanSession(s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+sessionColumns+`
		   FROM sessions
		  WHERE servant_id = ? AND end_time IS NULL
		  ORDER BY id DESC
		  LIMIT 1`,
		strings.TrimSpace(servantID),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get active session: %w", err)
	}
	return session, nil
}

// CreateTaskRequest inserts the request and its session log entry in one
// transaction. The session must still be active; the princess and servant refs
// are taken from the session row. An ended or missing session reports
// storage.ErrNotFound.
func (s *Store) CreateTaskRequest(ctx context.Context, request storage.TaskRequest) (storage.TaskRequest, storage.SessionLogEntry, error) {
	if err := s.ready(ctx); err != nil {
		return storage.TaskRequest{}, storage.SessionLogEntry{}, err
	}
	if request.TaskID <= 0 || request.SessionID <= 0 {
		return storage.TaskRequest{}, storage.SessionLogEntry{}, fmt.Errorf("task and session ids are required")
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = s.now()
	}
	request.CreatedAt = fromMillis(toMillis(request.CreatedAt))
	request.Success = nil

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.TaskRequest{}, storage.SessionLogEntry{}, fmt.Errorf("begin create task request: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(
		ctx,
		`INSERT INTO task_requests (task_id, session_id, princess_id, servant_id, created_at, success)
		 SELECT ?, id, princess_id, servant_id, ?, NULL
		   FROM sessions
		  WHERE id = ? AND end_time IS NULL
		 RETURNING id, princess_id, servant_id`,
		request.TaskID,
		toMillis(request.CreatedAt),
		request.SessionID,
	).Scan(&request.ID, &request.PrincessID, &request.ServantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TaskRequest{}, storage.SessionLogEntry{}, storage.ErrNotFound
		}
		return storage.TaskRequest{}, storage.SessionLogEntry{}, fmt.Errorf("insert task request: %w", err)
	}

	entry := storage.SessionLogEntry{SessionID: request.SessionID, RequestID: request.ID}
	result, err := tx.ExecContext(
		ctx,
		`INSERT INTO session_logs (session_id, request_id) VALUES (?, ?)`,
		entry.SessionID,
		entry.RequestID,
	)
	if err != nil {
		return storage.TaskRequest{}, storage.SessionLogEntry{}, fmt.Errorf("insert session log: %w", err)
	}
	if entry.ID, err = result.LastInsertId(); err != nil {
		return storage.TaskRequest{}, storage.SessionLogEntry{}, fmt.Errorf("insert session log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.TaskRequest{}, storage.SessionLogEntry{}, fmt.Errorf("commit create task request: %w", err)
	}
	return request, entry, nil
}

// GetTaskRequest returns one request by ID.
func (s *Store) GetTaskRequest(ctx context.Context, id int64) (storage.TaskRequest, error) {
	if err := s.ready(ctx); err != nil {
		return storage.TaskRequest{}, err
	}
	var request storage.TaskRequest
	var createdAt int64
	var success sql.NullBool
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, task_id, session_id, princess_id, servant_id, created_at, success
		   FROM task_requests
		  WHERE id = ?`,
		id,
	).Scan(
		&request.ID,
		&request.TaskID,
		&request.SessionID,
		&request.PrincessID,
		&request.ServantID,
		&createdAt,
		&success,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TaskRequest{}, storage.ErrNotFound
		}
		return storage.TaskRequest{}, fmt.Errorf("get task request: %w", err)
	}
	request.CreatedAt = fromMillis(createdAt)
	if success.Valid {
		value := success.Bool
		request.Success = &value
	}
	return request, nil
}

// CompleteTaskRequest records the request outcome.
func (s *Store) CompleteTaskRequest(ctx context.Context, id int64, success bool) (storage.TaskRequest, error) {
	if err := s.ready(ctx); err != nil {
		return storage.TaskRequest{}, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `UPDATE task_requests SET success = ? WHERE id = ?`, success, id)
	if err := updateResult("complete task request", result, err); err != nil {
		return storage.TaskRequest{}, err
	}
	return s.GetTaskRequest(ctx, id)
}

// ListSessionLogs returns one page of log entries for a session, oldest first.
func (s *Store) ListSessionLogs(ctx context.Context, sessionID int64, pageSize int, pageToken string) (storage.SessionLogPage, error) {
	if err := s.ready(ctx); err != nil {
		return storage.SessionLogPage{}, err
	}
	if pageSize <= 0 {
		return storage.SessionLogPage{}, fmt.Errorf("page size must be greater than zero")
	}
	afterID, err := pagination.DecodeCursor(pageToken)
	if err != nil {
		return storage.SessionLogPage{}, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, session_id, request_id
		   FROM session_logs
		  WHERE session_id = ? AND id > ?
		  ORDER BY id ASC
		  LIMIT ?`,
		sessionID,
		afterID,
		pageSize+1,
	)
	if err != nil {
		return storage.SessionLogPage{}, fmt.Errorf("list session logs: %w", err)
	}
	defer rows.Close()

	page := storage.SessionLogPage{Entries: make([]storage.SessionLogEntry, 0, pageSize)}
	for rows.Next() {
		var entry storage.SessionLogEntry
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.RequestID); err != nil {
			return storage.SessionLogPage{}, fmt.Errorf("list session logs: %w", err)
		}
		page.Entries = append(page.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return storage.SessionLogPage{}, fmt.Errorf("list session logs: %w", err)
	}
	if len(page.Entries) > pageSize {
		page.NextPageToken = pagination.EncodeCursor(page.Entries[pageSize-1].ID)
		page.Entries = page.Entries[:pageSize]
	}
	return page, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
