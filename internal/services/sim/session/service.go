// Package session implements the session store operations: participant
// registration, session start and end pinned to the host shard, and the task
// request recorder with its append-only log.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/princess.sim/internal/platform/errors"
	"github.com/louisbranch/princess.sim/internal/platform/pagination"
	"github.com/louisbranch/princess.sim/internal/platform/timeouts"
	"github.com/louisbranch/princess.sim/internal/services/sim/events"
	"github.com/louisbranch/princess.sim/internal/services/sim/participant"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage"
)

// LogPageSize bounds session log pages.
var LogPageSize = pagination.PageSizeConfig{Default: 50, Max: 200}

// RoomCloser tears down the live room of an ended session.
type RoomCloser interface {
	CloseSessionRoom(sessionID int64)
}

// Config wires the service.
type Config struct {
	ShardID   string
	Store     storage.Store
	Publisher events.Publisher
	Rooms     RoomCloser
	Now       func() time.Time
	Logf      func(string, ...any)
}

// Service is the shard-aware session store.
type Service struct {
	shardID   string
	store     storage.Store
	resolver  *participant.Resolver
	publisher events.Publisher
	rooms     RoomCloser
	now       func() time.Time
	logf      func(string, ...any)
	tracer    trace.Tracer
}

// New builds a service. Store and ShardID are required.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	shardID := strings.TrimSpace(cfg.ShardID)
	if shardID == "" {
		return nil, errors.New("shard id is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...any) {}
	}
	return &Service{
		shardID:   shardID,
		store:     cfg.Store,
		resolver:  participant.NewResolver(cfg.Store),
		publisher: cfg.Publisher,
		rooms:     cfg.Rooms,
		now:       cfg.Now,
		logf:      cfg.Logf,
		tracer:    otel.Tracer("princess.sim/session"),
	}, nil
}

// ShardID returns the shard this service stamps on new sessions.
func (s *Service) ShardID() string {
	return s.shardID
}

// SetRoomCloser attaches the room closer after construction.
func (s *Service) SetRoomCloser(rooms RoomCloser) {
	s.rooms = rooms
}

// Resolve maps a subject to its registered participant.
func (s *Service) Resolve(ctx context.Context, subjectID string) (participant.Participant, error) {
	return s.resolver.Resolve(ctx, subjectID)
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("sim.shard", s.shardID))
	return s.tracer.Start(ctx, "session."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// notFound maps storage.ErrNotFound to the entity-specific domain error.
func notFound(err error, entity string, op string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.NotFound(entity)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	event.Shard = s.shardID
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.EventPublish)
	defer cancel()
	if err := s.publisher.Publish(publishCtx, event); err != nil {
		s.logf("sim: publish event failed type=%q err=%v", event.Type, err)
	}
}

// Register creates the role record for subjectID with its default attribute.
func (s *Service) Register(ctx context.Context, subjectID string, isPrincess bool) (_ participant.Participant, err error) {
	ctx, span := s.start(ctx, "Register", attribute.Bool("sim.is_princess", isPrincess))
	defer func() { finish(span, err) }()

	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return participant.Participant{}, apperrors.New(apperrors.CodeInvalidArgument, "subject is required")
	}
	now := s.now().UTC()

	var registered participant.Participant
	if isPrincess {
		details := storage.PrincessDetails{
			SubjectID: subjectID,
			MoodLevel: participant.DefaultMoodLevel,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = s.store.RegisterPrincess(ctx, details)
		registered = participant.FromPrincess(details)
	} else {
		details := storage.ServantDetails{
			SubjectID:  subjectID,
			SkillLevel: participant.DefaultSkillLevel,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		err = s.store.RegisterServant(ctx, details)
		registered = participant.FromServant(details)
	}
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			metadata := map[string]string{}
			if existing, resolveErr := s.resolver.Resolve(ctx, subjectID); resolveErr == nil {
				metadata[apperrors.MetaRole] = string(existing.Role)
			}
			return participant.Participant{}, apperrors.WithMetadata(apperrors.CodeDuplicateRegistration, "subject is already registered", metadata)
		}
		return participant.Participant{}, fmt.Errorf("register participant: %w", err)
	}

	s.publish(ctx, events.Event{
		Type:      events.TypeParticipantRegistered,
		SubjectID: subjectID,
		Role:      string(registered.Role),
	})
	return registered, nil
}

// PrincessDetails returns the princess record for subjectID.
func (s *Service) PrincessDetails(ctx context.Context, subjectID string) (storage.PrincessDetails, error) {
	details, err := s.store.GetPrincessDetails(ctx, strings.TrimSpace(subjectID))
	if err != nil {
		return storage.PrincessDetails{}, notFound(err, apperrors.EntityPrincessDetails, "get princess details")
	}
	return details, nil
}

// ServantDetails returns the servant record for subjectID.
func (s *Service) ServantDetails(ctx context.Context, subjectID string) (storage.ServantDetails, error) {
	details, err := s.store.GetServantDetails(ctx, strings.TrimSpace(subjectID))
	if err != nil {
		return storage.ServantDetails{}, notFound(err, apperrors.EntityServantDetails, "get servant details")
	}
	return details, nil
}

// Secondary attribute bounds.
const (
	MaxMoodLevel  = 100
	MaxSkillLevel = 100
)

// SetMoodLevel updates the mood level of the princess subjectID.
func (s *Service) SetMoodLevel(ctx context.Context, subjectID string, level int) (_ storage.PrincessDetails, err error) {
	ctx, span := s.start(ctx, "SetMoodLevel", attribute.Int("sim.mood_level", level))
	defer func() { finish(span, err) }()

	if level < 0 || level > MaxMoodLevel {
		return storage.PrincessDetails{}, levelOutOfRange("mood_level", MaxMoodLevel)
	}
	subjectID = strings.TrimSpace(subjectID)
	if err := s.store.SetMoodLevel(ctx, subjectID, level, s.now().UTC()); err != nil {
		return storage.PrincessDetails{}, notFound(err, apperrors.EntityPrincessDetails, "set mood level")
	}
	details, err := s.PrincessDetails(ctx, subjectID)
	if err != nil {
		return storage.PrincessDetails{}, err
	}

	s.publish(ctx, events.Event{
		Type:      events.TypeParticipantUpdated,
		SubjectID: subjectID,
		Role:      string(participant.RolePrincess),
		MoodLevel: &details.MoodLevel,
	})
	return details, nil
}

// SetSkillLevel updates the skill level of the servant subjectID.
func (s *Service) SetSkillLevel(ctx context.Context, subjectID string, level int) (_ storage.ServantDetails, err error) {
	ctx, span := s.start(ctx, "SetSkillLevel", attribute.Int("sim.skill_level", level))
	defer func() { finish(span, err) }()

	if level < 0 || level > MaxSkillLevel {
		return storage.ServantDetails{}, levelOutOfRange("skill_level", MaxSkillLevel)
	}
	subjectID = strings.TrimSpace(subjectID)
	if err := s.store.SetSkillLevel(ctx, subjectID, level, s.now().UTC()); err != nil {
		return storage.ServantDetails{}, notFound(err, apperrors.EntityServantDetails, "set skill level")
	}
	details, err := s.ServantDetails(ctx, subjectID)
	if err != nil {
		return storage.ServantDetails{}, err
	}

	s.publish(ctx, events.Event{
		Type:       events.TypeParticipantUpdated,
		SubjectID:  subjectID,
		Role:       string(participant.RoleServant),
		SkillLevel: &details.SkillLevel,
	})
	return details, nil
}

func levelOutOfRange(parameter string, limit int) error {
	return apperrors.WithMetadata(apperrors.CodeInvalidArgument,
		fmt.Sprintf("%s must be between 0 and %d", parameter, limit),
		map[string]string{apperrors.MetaParameter: parameter})
}

// StartSession opens a session between the calling princess and servantID,
// hosted on this shard.
func (s *Service) StartSession(ctx context.Context, princessID string, servantID string) (_ storage.Session, err error) {
	ctx, span := s.start(ctx, "StartSession")
	defer func() { finish(span, err) }()

	princess, err := s.PrincessDetails(ctx, princessID)
	if err != nil {
		return storage.Session{}, err
	}
	servant, err := s.ServantDetails(ctx, servantID)
	if err != nil {
		return storage.Session{}, err
	}

	created, err := s.store.CreateSession(ctx, storage.Session{
		PrincessID: princess.SubjectID,
		ServantID:  servant.SubjectID,
		StartTime:  s.now().UTC(),
		HostShard:  s.shardID,
	})
	if err != nil {
		return storage.Session{}, fmt.Errorf("start session: %w", err)
	}
	span.SetAttributes(attribute.Int64("sim.session_id", created.ID))

	s.publish(ctx, events.Event{
		Type:       events.TypeSessionStarted,
		SessionID:  created.ID,
		PrincessID: created.PrincessID,
		ServantID:  created.ServantID,
	})
	return created, nil
}

// EndSession stamps the end time (again, if already ended) and closes the
// session's room. Only the session's princess or servant may end it.
func (s *Service) EndSession(ctx context.Context, sessionID int64, subjectID string) (_ storage.Session, err error) {
	ctx, span := s.start(ctx, "EndSession", attribute.Int64("sim.session_id", sessionID))
	defer func() { finish(span, err) }()

	found, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	if !isMember(found, subjectID) {
		return storage.Session{}, errNotSessionMember()
	}
	ended, err := s.store.EndSession(ctx, sessionID, s.now().UTC())
	if err != nil {
		return storage.Session{}, notFound(err, apperrors.EntitySession, "end session")
	}
	if s.rooms != nil {
		s.rooms.CloseSessionRoom(ended.ID)
	}

	s.publish(ctx, events.Event{
		Type:       events.TypeSessionEnded,
		SessionID:  ended.ID,
		PrincessID: ended.PrincessID,
		ServantID:  ended.ServantID,
	})
	return ended, nil
}

// GetSession returns one session.
func (s *Service) GetSession(ctx context.Context, sessionID int64) (storage.Session, error) {
	found, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return storage.Session{}, notFound(err, apperrors.EntitySession, "get session")
	}
	return found, nil
}

// GetActiveSession returns the session only while it has not ended.
func (s *Service) GetActiveSession(ctx context.Context, sessionID int64) (storage.Session, error) {
	found, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	if !found.Active() {
		return storage.Session{}, apperrors.NotFound(apperrors.EntitySession)
	}
	return found, nil
}

// ActiveSessionFor returns the newest active session of servantID.
func (s *Service) ActiveSessionFor(ctx context.Context, servantID string) (storage.Session, error) {
	found, err := s.store.GetActiveSessionForServant(ctx, strings.TrimSpace(servantID))
	if err != nil {
		return storage.Session{}, notFound(err, apperrors.EntitySession, "get active session")
	}
	return found, nil
}

// CreateRequest records a task request in an active session the caller
// belongs to, together with its log entry.
func (s *Service) CreateRequest(ctx context.Context, taskID int64, sessionID int64, subjectID string) (_ storage.TaskRequest, _ storage.SessionLogEntry, err error) {
	ctx, span := s.start(ctx, "CreateRequest",
		attribute.Int64("sim.task_id", taskID),
		attribute.Int64("sim.session_id", sessionID),
	)
	defer func() { finish(span, err) }()

	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return storage.TaskRequest{}, storage.SessionLogEntry{}, notFound(err, apperrors.EntityTask, "get task")
	}
	active, err := s.GetActiveSession(ctx, sessionID)
	if err != nil {
		return storage.TaskRequest{}, storage.SessionLogEntry{}, err
	}
	if !isMember(active, subjectID) {
		return storage.TaskRequest{}, storage.SessionLogEntry{}, errNotSessionMember()
	}

	// The store re-checks that the session is active inside its transaction,
	// so an end landing after the read above still fails.
	request, entry, err := s.store.CreateTaskRequest(ctx, storage.TaskRequest{
		TaskID:    taskID,
		SessionID: active.ID,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return storage.TaskRequest{}, storage.SessionLogEntry{}, notFound(err, apperrors.EntitySession, "create task request")
	}

	s.publish(ctx, events.Event{
		Type:       events.TypeRequestCreated,
		SessionID:  active.ID,
		PrincessID: active.PrincessID,
		ServantID:  active.ServantID,
		RequestID:  request.ID,
		TaskID:     taskID,
		LogID:      entry.ID,
	})
	return request, entry, nil
}

// CompleteRequest marks a request successful. The caller must be the
// princess or servant the request was recorded for.
func (s *Service) CompleteRequest(ctx context.Context, requestID int64, subjectID string) (_ storage.TaskRequest, err error) {
	ctx, span := s.start(ctx, "CompleteRequest", attribute.Int64("sim.request_id", requestID))
	defer func() { finish(span, err) }()

	found, err := s.store.GetTaskRequest(ctx, requestID)
	if err != nil {
		return storage.TaskRequest{}, notFound(err, apperrors.EntityRequest, "get task request")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" || (subjectID != found.PrincessID && subjectID != found.ServantID) {
		return storage.TaskRequest{}, errNotSessionMember()
	}
	completed, err := s.store.CompleteTaskRequest(ctx, requestID, true)
	if err != nil {
		return storage.TaskRequest{}, notFound(err, apperrors.EntityRequest, "complete task request")
	}

	s.publish(ctx, events.Event{
		Type:       events.TypeRequestCompleted,
		SessionID:  completed.SessionID,
		PrincessID: completed.PrincessID,
		ServantID:  completed.ServantID,
		RequestID:  completed.ID,
		TaskID:     completed.TaskID,
		Success:    completed.Success,
	})
	return completed, nil
}

// SessionLogs returns one page of log entries for a session. A session
// without entries reports NOT_FOUND(SessionLog).
func (s *Service) SessionLogs(ctx context.Context, sessionID int64, pageSize int, pageToken string) (storage.SessionLogPage, error) {
	if _, err := pagination.DecodeCursor(pageToken); err != nil {
		return storage.SessionLogPage{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "page token is invalid", err)
	}
	page, err := s.store.ListSessionLogs(ctx, sessionID, pagination.ClampPageSize(pageSize, LogPageSize), pageToken)
	if err != nil {
		return storage.SessionLogPage{}, fmt.Errorf("list session logs: %w", err)
	}
	if len(page.Entries) == 0 && strings.TrimSpace(pageToken) == "" {
		return storage.SessionLogPage{}, apperrors.NotFound(apperrors.EntitySessionLog)
	}
	return page, nil
}

func isMember(found storage.Session, subjectID string) bool {
	subjectID = strings.TrimSpace(subjectID)
	return subjectID != "" && (subjectID == found.PrincessID || subjectID == found.ServantID)
}

func errNotSessionMember() error {
	return apperrors.New(apperrors.CodeNotSessionMember, "caller is not a member of this session")
}

// RoomID renders the realtime room id of a session.
func RoomID(sessionID int64) string {
	return strconv.FormatInt(sessionID, 10)
}

// ParseRoomID parses a realtime room id back to a session id. A room that
// cannot name a session reports NOT_FOUND(Session).
func ParseRoomID(roomID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(roomID), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NotFound(apperrors.EntitySession)
	}
	return id, nil
}
