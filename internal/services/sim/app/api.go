package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/princess.sim/internal/platform/errors"
	"github.com/louisbranch/princess.sim/internal/platform/errors/i18n"
	"github.com/louisbranch/princess.sim/internal/platform/requestctx"
	"github.com/louisbranch/princess.sim/internal/services/sim/participant"
	"github.com/louisbranch/princess.sim/internal/services/sim/session"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage"
)

const maxRequestBodyBytes = 64 * 1024

// api serves the JSON endpoints for registration, sessions, and requests.
type api struct {
	service *session.Service
}

// requireAuth validates the bearer token (or sim_token cookie) and stores the
// subject on the request context.
func requireAuth(next http.Handler, validator tokenValidator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if validator == nil {
			writeError(w, r, apperrors.New(apperrors.CodeInvalidToken, "token validation is not configured"))
			return
		}
		subjectID, err := validator.Validate(accessTokenFromRequest(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := requestctx.WithSubjectID(r.Context(), subjectID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *api) register(mux *http.ServeMux, validator tokenValidator) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, requireAuth(fn, validator))
	}
	handle("POST /participants", a.handleRegister)
	handle("GET /princess/details", a.handlePrincessDetails)
	handle("GET /servant/details", a.handleServantDetails)
	handle("POST /princess/mood", a.handleSetMoodLevel)
	handle("POST /servant/skill", a.handleSetSkillLevel)
	handle("POST /session/start", a.handleStartSession)
	handle("POST /session/end", a.handleEndSession)
	handle("GET /session/active", a.handleActiveSession)
	handle("GET /session/logs", a.handleSessionLogs)
	handle("POST /request/task", a.handleCreateRequest)
	handle("POST /request/complete", a.handleCompleteRequest)
}

// flexID accepts a JSON string or integer and keeps its decimal text.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*f = flexID(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("id must be a string or integer")
	}
	if _, err := number.Int64(); err != nil {
		return fmt.Errorf("id must be an integer")
	}
	*f = flexID(number.String())
	return nil
}

func (f flexID) int64(name string) (int64, error) {
	if f == "" {
		return 0, apperrors.MissingParameter(name)
	}
	value, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil || value <= 0 {
		return 0, apperrors.WithMetadata(apperrors.CodeInvalidArgument, name+" must be a positive integer", map[string]string{
			apperrors.MetaParameter: name,
		})
	}
	return value, nil
}

type registerRequest struct {
	IsPrincess *bool `json:"is_princess"`
}

type moodLevelRequest struct {
	MoodLevel *int `json:"mood_level"`
}

type skillLevelRequest struct {
	SkillLevel *int `json:"skill_level"`
}

type startSessionRequest struct {
	ServantID flexID `json:"servant_id"`
}

type sessionIDRequest struct {
	SessionID flexID `json:"session_id"`
}

type createRequestRequest struct {
	TaskID    flexID `json:"task_id"`
	SessionID flexID `json:"session_id"`
}

type completeRequestRequest struct {
	RequestID flexID `json:"request_id"`
}

type participantResponse struct {
	SubjectID  string `json:"subject_id"`
	Role       string `json:"role"`
	MoodLevel  *int   `json:"mood_level,omitempty"`
	SkillLevel *int   `json:"skill_level,omitempty"`
}

type sessionResponse struct {
	SessionID  int64   `json:"session_id"`
	Room       string  `json:"room"`
	PrincessID string  `json:"princess_id"`
	ServantID  string  `json:"servant_id"`
	StartTime  string  `json:"start_time"`
	EndTime    *string `json:"end_time"`
	HostShard  string  `json:"host_shard"`
	Active     bool    `json:"active"`
}

type taskRequestResponse struct {
	RequestID  int64  `json:"request_id"`
	LogID      int64  `json:"log_id,omitempty"`
	TaskID     int64  `json:"task_id"`
	SessionID  int64  `json:"session_id"`
	PrincessID string `json:"princess_id"`
	ServantID  string `json:"servant_id"`
	Timestamp  string `json:"timestamp"`
	Success    *bool  `json:"success"`
}

type sessionLogResponse struct {
	LogID     int64 `json:"log_id"`
	SessionID int64 `json:"session_id"`
	RequestID int64 `json:"request_id"`
}

type sessionLogsResponse struct {
	Logs          []sessionLogResponse `json:"logs"`
	NextPageToken string               `json:"next_page_token,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func toParticipantResponse(p participant.Participant) participantResponse {
	resp := participantResponse{SubjectID: p.SubjectID, Role: string(p.Role)}
	if p.Princess != nil {
		mood := p.Princess.MoodLevel
		resp.MoodLevel = &mood
	}
	if p.Servant != nil {
		skill := p.Servant.SkillLevel
		resp.SkillLevel = &skill
	}
	return resp
}

func toSessionResponse(s storage.Session) sessionResponse {
	resp := sessionResponse{
		SessionID:  s.ID,
		Room:       session.RoomID(s.ID),
		PrincessID: s.PrincessID,
		ServantID:  s.ServantID,
		StartTime:  s.StartTime.UTC().Format(time.RFC3339Nano),
		HostShard:  s.HostShard,
		Active:     s.Active(),
	}
	if s.EndTime != nil {
		end := s.EndTime.UTC().Format(time.RFC3339Nano)
		resp.EndTime = &end
	}
	return resp
}

func toTaskRequestResponse(r storage.TaskRequest, logID int64) taskRequestResponse {
	return taskRequestResponse{
		RequestID:  r.ID,
		LogID:      logID,
		TaskID:     r.TaskID,
		SessionID:  r.SessionID,
		PrincessID: r.PrincessID,
		ServantID:  r.ServantID,
		Timestamp:  r.CreatedAt.UTC().Format(time.RFC3339Nano),
		Success:    r.Success,
	}
}

func (a *api) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.IsPrincess == nil {
		writeError(w, r, apperrors.MissingParameter("is_princess"))
		return
	}
	registered, err := a.service.Register(r.Context(), requestctx.SubjectIDFromContext(r.Context()), *req.IsPrincess)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipantResponse(registered))
}

func (a *api) handlePrincessDetails(w http.ResponseWriter, r *http.Request) {
	details, err := a.service.PrincessDetails(r.Context(), requestctx.SubjectIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantResponse(participant.FromPrincess(details)))
}

func (a *api) handleServantDetails(w http.ResponseWriter, r *http.Request) {
	details, err := a.service.ServantDetails(r.Context(), requestctx.SubjectIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantResponse(participant.FromServant(details)))
}

func (a *api) handleSetMoodLevel(w http.ResponseWriter, r *http.Request) {
	var req moodLevelRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.MoodLevel == nil {
		writeError(w, r, apperrors.MissingParameter("mood_level"))
		return
	}
	details, err := a.service.SetMoodLevel(r.Context(), requestctx.SubjectIDFromContext(r.Context()), *req.MoodLevel)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantResponse(participant.FromPrincess(details)))
}

func (a *api) handleSetSkillLevel(w http.ResponseWriter, r *http.Request) {
	var req skillLevelRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.SkillLevel == nil {
		writeError(w, r, apperrors.MissingParameter("skill_level"))
		return
	}
	details, err := a.service.SetSkillLevel(r.Context(), requestctx.SubjectIDFromContext(r.Context()), *req.SkillLevel)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipantResponse(participant.FromServant(details)))
}

func (a *api) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ServantID == "" {
		writeError(w, r, apperrors.MissingParameter("servant_id"))
		return
	}
	created, err := a.service.StartSession(r.Context(), requestctx.SubjectIDFromContext(r.Context()), string(req.ServantID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(created))
}

func (a *api) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req sessionIDRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := req.SessionID.int64("session_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ended, err := a.service.EndSession(r.Context(), sessionID, requestctx.SubjectIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(ended))
}

func (a *api) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	active, err := a.service.ActiveSessionFor(r.Context(), requestctx.SubjectIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(active))
}

func (a *api) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID, err := flexID(strings.TrimSpace(query.Get("session_id"))).int64("session_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	pageSize := 0
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		pageSize, err = strconv.Atoi(raw)
		if err != nil || pageSize < 0 {
			writeError(w, r, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "page_size must be a non-negative integer", map[string]string{
				apperrors.MetaParameter: "page_size",
			}))
			return
		}
	}
	page, err := a.service.SessionLogs(r.Context(), sessionID, pageSize, query.Get("page_token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := sessionLogsResponse{
		Logs:          make([]sessionLogResponse, 0, len(page.Entries)),
		NextPageToken: page.NextPageToken,
	}
	for _, entry := range page.Entries {
		resp.Logs = append(resp.Logs, sessionLogResponse{LogID: entry.ID, SessionID: entry.SessionID, RequestID: entry.RequestID})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	taskID, err := req.TaskID.int64("task_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := req.SessionID.int64("session_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	request, entry, err := a.service.CreateRequest(r.Context(), taskID, sessionID, requestctx.SubjectIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskRequestResponse(request, entry.ID))
}

func (a *api) handleCompleteRequest(w http.ResponseWriter, r *http.Request) {
	var req completeRequestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	requestID, err := req.RequestID.int64("request_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	completed, err := a.service.CompleteRequest(r.Context(), requestID, requestctx.SubjectIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskRequestResponse(completed, 0))
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid JSON body", err)
	}
	return nil
}

// writeError renders err with the status its code maps to. Messages are
// localized from Accept-Language.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	var metadata map[string]string
	if domainErr, ok := apperrors.As(err); ok {
		metadata = domainErr.Metadata
	}
	if code == apperrors.CodeUnknown {
		log.Printf("sim: request failed method=%s path=%q err=%v", r.Method, r.URL.Path, err)
	}
	catalog := i18n.ForAcceptLanguage(r.Header.Get("Accept-Language"))
	writeJSON(w, code.HTTPStatus(), errorEnvelope{Error: errorBody{
		Code:    string(code),
		Message: catalog.Format(string(code), metadata),
		Details: metadata,
	}})
}

// writeJSON writes JSON responses with a consistent content type.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
