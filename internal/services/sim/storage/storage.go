// Package storage defines persistence contracts for sim service state.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// PrincessDetails stores the princess role record for one subject.
type PrincessDetails struct {
	SubjectID string
	MoodLevel int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ServantDetails stores the servant role record for one subject.
type ServantDetails struct {
	SubjectID  string
	SkillLevel int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Task is reference data naming something a princess can ask for.
type Task struct {
	ID   int64
	Name string
}

// Session pairs one princess with one servant on the shard that created it.
// EndTime is nil while the session is active.
type Session struct {
	ID         int64
	PrincessID string
	ServantID  string
	StartTime  time.Time
	EndTime    *time.Time
	HostShard  string
}

// Active reports whether the session has not ended.
func (s Session) Active() bool {
	return s.EndTime == nil
}

// TaskRequest records one task asked for within a session. Success is nil
// until the request is completed.
type TaskRequest struct {
	ID         int64
	TaskID     int64
	SessionID  int64
	PrincessID string
	ServantID  string
	CreatedAt  time.Time
	Success    *bool
}

// SessionLogEntry is the append-only audit row for one task request.
type SessionLogEntry struct {
	ID        int64
	SessionID int64
	RequestID int64
}

// SessionLogPage stores one page of log entries.
type SessionLogPage struct {
	Entries       []SessionLogEntry
	NextPageToken string
}

// ParticipantStore persists role records. A subject holds at most one role;
// registering a second role returns ErrAlreadyExists.
type ParticipantStore interface {
	RegisterPrincess(ctx context.Context, details PrincessDetails) error
	RegisterServant(ctx context.Context, details ServantDetails) error
	GetPrincessDetails(ctx context.Context, subjectID string) (PrincessDetails, error)
	GetServantDetails(ctx context.Context, subjectID string) (ServantDetails, error)
	SetMoodLevel(ctx context.Context, subjectID string, moodLevel int, updatedAt time.Time) error
	SetSkillLevel(ctx context.Context, subjectID string, skillLevel int, updatedAt time.Time) error
}

// TaskStore persists task reference data.
type TaskStore interface {
	PutTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id int64) (Task, error)
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) (Session, error)
	GetSession(ctx context.Context, id int64) (Session, error)
	// EndSession overwrites the end time on every call.
	EndSession(ctx context.Context, id int64, endTime time.Time) (Session, error)
	GetActiveSessionForServant(ctx context.Context, servantID string) (Session, error)
}

// RequestStore persists task requests and their log entries.
type RequestStore interface {
	// CreateTaskRequest inserts the request and its log entry atomically,
	// deriving the princess and servant refs from the session. It reports
	// ErrNotFound unless the session exists and has not ended.
	CreateTaskRequest(ctx context.Context, request TaskRequest) (TaskRequest, SessionLogEntry, error)
	GetTaskRequest(ctx context.Context, id int64) (TaskRequest, error)
	CompleteTaskRequest(ctx context.Context, id int64, success bool) (TaskRequest, error)
	ListSessionLogs(ctx context.Context, sessionID int64, pageSize int, pageToken string) (SessionLogPage, error)
}

// Store is the full contract the sim service depends on.
type Store interface {
	ParticipantStore
	TaskStore
	SessionStore
	RequestStore
	Close() error
}
