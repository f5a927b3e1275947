package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
)

type apiErrorBody struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

// call performs an API request and decodes the response into out when set.
func call(t *testing.T, s *shard, method string, path string, bearer string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch value := body.(type) {
		case string:
			reader = strings.NewReader(value)
		default:
			data, err := json.Marshal(value)
			if err != nil {
				t.Fatalf("marshal body: %v", err)
			}
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func expectAPIError(t *testing.T, status int, body apiErrorBody, wantStatus int, wantCode string) {
	t.Helper()
	if status != wantStatus || body.Error.Code != wantCode {
		t.Fatalf("expected %d %s, got %d %+v", wantStatus, wantCode, status, body.Error)
	}
	if body.Error.Message == "" {
		t.Fatal("expected error message")
	}
}

func TestAPIUpIsPublic(t *testing.T) {
	s := newSimHarness(t).startShard("8095")
	resp, err := s.server.Client().Get(s.server.URL + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAPIRequiresValidToken(t *testing.T) {
	h := newSimHarness(t)
	s := h.startShard("8095")

	var body apiErrorBody
	status := call(t, s, http.MethodGet, "/princess/details", "", nil, &body)
	expectAPIError(t, status, body, http.StatusUnauthorized, "INVALID_TOKEN")

	body = apiErrorBody{}
	status = call(t, s, http.MethodGet, "/princess/details", "not-a-jwt", nil, &body)
	expectAPIError(t, status, body, http.StatusUnauthorized, "INVALID_TOKEN")
}

func TestAPIRegistrationAndDetails(t *testing.T) {
	h := newSimHarness(t)
	s := h.startShard("8095")
	alice := h.token("alice")
	bob := h.token("bob")

	var princess participantResponse
	if status := call(t, s, http.MethodPost, "/participants", alice, map[string]any{"is_princess": true}, &princess); status != http.StatusCreated {
		t.Fatalf("register princess: status %d", status)
	}
	if princess.Role != "Princess" || princess.MoodLevel == nil || *princess.MoodLevel != 50 {
		t.Fatalf("unexpected princess: %+v", princess)
	}

	var servant participantResponse
	if status := call(t, s, http.MethodPost, "/participants", bob, map[string]any{"is_princess": false}, &servant); status != http.StatusCreated {
		t.Fatalf("register servant: status %d", status)
	}
	if servant.Role != "Servant" || servant.SkillLevel == nil || *servant.SkillLevel != 1 {
		t.Fatalf("unexpected servant: %+v", servant)
	}

	var dup apiErrorBody
	status := call(t, s, http.MethodPost, "/participants", alice, map[string]any{"is_princess": false}, &dup)
	expectAPIError(t, status, dup, http.StatusConflict, "DUPLICATE_REGISTRATION")
	if dup.Error.Details["Role"] != "Princess" {
		t.Fatalf("expected existing role in details, got %+v", dup.Error.Details)
	}

	var details participantResponse
	if status := call(t, s, http.MethodGet, "/princess/details", alice, nil, &details); status != http.StatusOK {
		t.Fatalf("princess details: status %d", status)
	}
	if details.SubjectID != "alice" {
		t.Fatalf("unexpected details: %+v", details)
	}

	var missing apiErrorBody
	status = call(t, s, http.MethodGet, "/servant/details", alice, nil, &missing)
	expectAPIError(t, status, missing, http.StatusNotFound, "NOT_FOUND")
	if missing.Error.Details["Entity"] != "ServantDetails" {
		t.Fatalf("expected ServantDetails entity, got %+v", missing.Error.Details)
	}
}

func TestAPIRegistrationValidatesBody(t *testing.T) {
	h := newSimHarness(t)
	s := h.startShard("8095")
	alice := h.token("alice")

	var missing apiErrorBody
	status := call(t, s, http.MethodPost, "/participants", alice, map[string]any{}, &missing)
	expectAPIError(t, status, missing, http.StatusBadRequest, "MISSING_PARAMETER")
	if missing.Error.Details["Parameter"] != "is_princess" {
		t.Fatalf("expected is_princess parameter, got %+v", missing.Error.Details)
	}

	var malformed apiErrorBody
	status = call(t, s, http.MethodPost, "/participants", alice, "{", &malformed)
	expectAPIError(t, status, malformed, http.StatusBadRequest, "INVALID_ARGUMENT")

	var none apiErrorBody
	status = call(t, s, http.MethodGet, "/princess/details", alice, nil, &none)
	expectAPIError(t, status, none, http.StatusNotFound, "NOT_FOUND")
}

func TestAPIUpdatesLevels(t *testing.T) {
	h := newSimHarness(t)
	s := h.startShard("8095")
	alice := h.token("alice")
	bob := h.token("bob")
	h.register(s, "alice", true)
	h.register(s, "bob", false)

	var mood participantResponse
	if status := call(t, s, http.MethodPost, "/princess/mood", alice, map[string]any{"mood_level": 75}, &mood); status != http.StatusOK {
		t.Fatalf("set mood: status %d", status)
	}
	if mood.MoodLevel == nil || *mood.MoodLevel != 75 {
		t.Fatalf("unexpected mood response: %+v", mood)
	}
	var details participantResponse
	if status := call(t, s, http.MethodGet, "/princess/details", alice, nil, &details); status != http.StatusOK {
		t.Fatalf("princess details: status %d", status)
	}
	if details.MoodLevel == nil || *details.MoodLevel != 75 {
		t.Fatalf("expected stored mood 75, got %+v", details)
	}

	var skill participantResponse
	if status := call(t, s, http.MethodPost, "/servant/skill", bob, map[string]any{"skill_level": 3}, &skill); status != http.StatusOK {
		t.Fatalf("set skill: status %d", status)
	}
	if skill.SkillLevel == nil || *skill.SkillLevel != 3 {
		t.Fatalf("unexpected skill response: %+v", skill)
	}

	var wrongRole apiErrorBody
	status := call(t, s, http.MethodPost, "/servant/skill", alice, map[string]any{"skill_level": 3}, &wrongRole)
	expectAPIError(t, status, wrongRole, http.StatusNotFound, "NOT_FOUND")
	if wrongRole.Error.Details["Entity"] != "ServantDetails" {
		t.Fatalf("expected ServantDetails entity, got %+v", wrongRole.Error.Details)
	}

	var missing apiErrorBody
	status = call(t, s, http.MethodPost, "/princess/mood", alice, map[string]any{}, &missing)
	expectAPIError(t, status, missing, http.StatusBadRequest, "MISSING_PARAMETER")

	var outOfRange apiErrorBody
	status = call(t, s, http.MethodPost, "/princess/mood", alice, map[string]any{"mood_level": 101}, &outOfRange)
	expectAPIError(t, status, outOfRange, http.StatusBadRequest, "INVALID_ARGUMENT")
	if outOfRange.Error.Details["Parameter"] != "mood_level" {
		t.Fatalf("expected mood_level parameter, got %+v", outOfRange.Error.Details)
	}
}

func TestAPISessionLifecycle(t *testing.T) {
	h := newSimHarness(t)
	s := h.startShard("8095")
	alice := h.token("alice")
	bob := h.token("bob")
	h.register(s, "alice", true)
	h.register(s, "bob", false)

	var started sessionResponse
	if status := call(t, s, http.MethodPost, "/session/start", alice, map[string]any{"servant_id": "bob"}, &started); status != http.StatusCreated {
		t.Fatalf("start session: status %d", status)
	}
	if started.HostShard != "8095" || !started.Active || started.EndTime != nil {
		t.Fatalf("unexpected session: %+v", started)
	}
	if started.Room != strconv.FormatInt(started.SessionID, 10) {
		t.Fatalf("expected room to match session id, got %+v", started)
	}

	var active sessionResponse
	if status := call(t, s, http.MethodGet, "/session/active", bob, nil, &active); status != http.StatusOK {
		t.Fatalf("active session: status %d", status)
	}
	if active.SessionID != started.SessionID {
		t.Fatalf("expected active session %d, got %d", started.SessionID, active.SessionID)
	}

	var outsider apiErrorBody
	status := call(t, s, http.MethodPost, "/session/end", h.token("carol"), map[string]any{"session_id": started.SessionID}, &outsider)
	expectAPIError(t, status, outsider, http.StatusForbidden, "NOT_SESSION_MEMBER")

	var ended sessionResponse
	if status := call(t, s, http.MethodPost, "/session/end", alice, map[string]any{"session_id": started.SessionID}, &ended); status != http.StatusOK {
		t.Fatalf("end session: status %d", status)
	}
	if ended.Active || ended.EndTime == nil {
		t.Fatalf("expected ended session, got %+v", ended)
	}

	// Ending again succeeds.
	var again sessionResponse
	if status := call(t, s, http.MethodPost, "/session/end", alice, map[string]any{"session_id": strconv.FormatInt(started.SessionID, 10)}, &again); status != http.StatusOK {
		t.Fatalf("end session again: status %d", status)
	}

	var gone apiErrorBody
	status = call(t, s, http.MethodGet, "/session/active", bob, nil, &gone)
	expectAPIError(t, status, gone, http.StatusNotFound, "NOT_FOUND")
}

func TestAPIStartSessionErrors(t *testing.T) {
	h := newSimHarness(t)
	s := h.startShard("8095")
	alice := h.token("alice")
	h.register(s, "alice", true)

	var missing apiErrorBody
	status := call(t, s, http.MethodPost, "/session/start", alice, map[string]any{}, &missing)
	expectAPIError(t, status, missing, http.StatusBadRequest, "MISSING_PARAMETER")

	var unknown apiErrorBody
	status = call(t, s, http.MethodPost, "/session/start", alice, map[string]any{"servant_id": "ghost"}, &unknown)
	expectAPIError(t, status, unknown, http.StatusNotFound, "NOT_FOUND")
	if unknown.Error.Details["Entity"] != "ServantDetails" {
		t.Fatalf("expected ServantDetails entity, got %+v", unknown.Error.Details)
	}

	var notPrincess apiErrorBody
	status = call(t, s, http.MethodPost, "/session/start", h.token("ghost"), map[string]any{"servant_id": "alice"}, &notPrincess)
	expectAPIError(t, status, notPrincess, http.StatusNotFound, "NOT_FOUND")
	if notPrincess.Error.Details["Entity"] != "PrincessDetails" {
		t.Fatalf("expected PrincessDetails entity, got %+v", notPrincess.Error.Details)
	}

	var badID apiErrorBody
	status = call(t, s, http.MethodPost, "/session/end", alice, map[string]any{"session_id": "abc"}, &badID)
	expectAPIError(t, status, badID, http.StatusBadRequest, "INVALID_ARGUMENT")

	var noSession apiErrorBody
	status = call(t, s, http.MethodPost, "/session/end", alice, map[string]any{"session_id": 404}, &noSession)
	expectAPIError(t, status, noSession, http.StatusNotFound, "NOT_FOUND")
}

func TestAPITaskRequestsAndLogs(t *testing.T) {
	h := newSimHarness(t)
	s := h.startShard("8095")
	sess := h.startSession(s)
	alice := h.token("alice")

	var created taskRequestResponse
	status := call(t, s, http.MethodPost, "/request/task", alice, map[string]any{"task_id": 1, "session_id": sess.ID}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create request: status %d", status)
	}
	if created.RequestID == 0 || created.LogID == 0 || created.Success != nil {
		t.Fatalf("unexpected request: %+v", created)
	}
	if created.PrincessID != "alice" || created.ServantID != "bob" {
		t.Fatalf("expected session participants on request, got %+v", created)
	}

	var outsider apiErrorBody
	status = call(t, s, http.MethodPost, "/request/complete", h.token("carol"), map[string]any{"request_id": created.RequestID}, &outsider)
	expectAPIError(t, status, outsider, http.StatusForbidden, "NOT_SESSION_MEMBER")

	var completed taskRequestResponse
	if status := call(t, s, http.MethodPost, "/request/complete", h.token("bob"), map[string]any{"request_id": created.RequestID}, &completed); status != http.StatusOK {
		t.Fatalf("complete request: status %d", status)
	}
	if completed.Success == nil {
		t.Fatalf("expected success set, got %+v", completed)
	}

	var logs sessionLogsResponse
	path := "/session/logs?session_id=" + strconv.FormatInt(sess.ID, 10)
	if status := call(t, s, http.MethodGet, path, alice, nil, &logs); status != http.StatusOK {
		t.Fatalf("session logs: status %d", status)
	}
	if len(logs.Logs) != 1 || logs.Logs[0].RequestID != created.RequestID || logs.Logs[0].LogID != created.LogID {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestAPISessionLogsPaginate(t *testing.T) {
	h := newSimHarness(t)
	s := h.startShard("8095")
	sess := h.startSession(s)
	alice := h.token("alice")

	for i := 0; i < 3; i++ {
		if status := call(t, s, http.MethodPost, "/request/task", alice, map[string]any{"task_id": 2, "session_id": sess.ID}, nil); status != http.StatusCreated {
			t.Fatalf("create request %d: status %d", i, status)
		}
	}

	base := "/session/logs?session_id=" + strconv.FormatInt(sess.ID, 10) + "&page_size=2"
	var first sessionLogsResponse
	if status := call(t, s, http.MethodGet, base, alice, nil, &first); status != http.StatusOK {
		t.Fatalf("first page: status %d", status)
	}
	if len(first.Logs) != 2 || first.NextPageToken == "" {
		t.Fatalf("unexpected first page: %+v", first)
	}
	var second sessionLogsResponse
	if status := call(t, s, http.MethodGet, base+"&page_token="+first.NextPageToken, alice, nil, &second); status != http.StatusOK {
		t.Fatalf("second page: status %d", status)
	}
	if len(second.Logs) != 1 || second.NextPageToken != "" {
		t.Fatalf("unexpected second page: %+v", second)
	}

	var bad apiErrorBody
	status := call(t, s, http.MethodGet, base+"&page_token=%21%21", alice, nil, &bad)
	expectAPIError(t, status, bad, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestAPITaskRequestErrors(t *testing.T) {
	h := newSimHarness(t)
	s := h.startShard("8095")
	sess := h.startSession(s)
	h.register(s, "carol", true)
	alice := h.token("alice")

	tests := []struct {
		name   string
		bearer string
		body   map[string]any
		status int
		code   string
		entity string
	}{
		{name: "missing task", bearer: alice, body: map[string]any{"session_id": sess.ID}, status: http.StatusBadRequest, code: "MISSING_PARAMETER"},
		{name: "unknown task", bearer: alice, body: map[string]any{"task_id": 99, "session_id": sess.ID}, status: http.StatusNotFound, code: "NOT_FOUND", entity: "Task"},
		{name: "unknown session", bearer: alice, body: map[string]any{"task_id": 1, "session_id": 99}, status: http.StatusNotFound, code: "NOT_FOUND", entity: "Session"},
		{name: "not a member", bearer: h.token("carol"), body: map[string]any{"task_id": 1, "session_id": sess.ID}, status: http.StatusForbidden, code: "NOT_SESSION_MEMBER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body apiErrorBody
			status := call(t, s, http.MethodPost, "/request/task", tt.bearer, tt.body, &body)
			expectAPIError(t, status, body, tt.status, tt.code)
			if tt.entity != "" && body.Error.Details["Entity"] != tt.entity {
				t.Fatalf("expected entity %s, got %+v", tt.entity, body.Error.Details)
			}
		})
	}

	var none apiErrorBody
	status := call(t, s, http.MethodGet, "/session/logs?session_id="+strconv.FormatInt(sess.ID, 10), alice, nil, &none)
	expectAPIError(t, status, none, http.StatusNotFound, "NOT_FOUND")
	if none.Error.Details["Entity"] != "SessionLog" {
		t.Fatalf("expected SessionLog entity, got %+v", none.Error.Details)
	}

	var missingRequest apiErrorBody
	status = call(t, s, http.MethodPost, "/request/complete", alice, map[string]any{"request_id": 12345}, &missingRequest)
	expectAPIError(t, status, missingRequest, http.StatusNotFound, "NOT_FOUND")
	if missingRequest.Error.Details["Entity"] != "Request" {
		t.Fatalf("expected Request entity, got %+v", missingRequest.Error.Details)
	}

	if _, err := s.service.EndSession(t.Context(), sess.ID, "alice"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	var ended apiErrorBody
	status = call(t, s, http.MethodPost, "/request/task", alice, map[string]any{"task_id": 1, "session_id": sess.ID}, &ended)
	expectAPIError(t, status, ended, http.StatusNotFound, "NOT_FOUND")
	if ended.Error.Details["Entity"] != "Session" {
		t.Fatalf("expected Session entity, got %+v", ended.Error.Details)
	}
}

func TestFlexIDAcceptsStringsAndIntegers(t *testing.T) {
	var payload struct {
		A flexID `json:"a"`
		B flexID `json:"b"`
		C flexID `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a": 7, "b": " 8 ", "c": null}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.A != "7" || payload.B != "8" || payload.C != "" {
		t.Fatalf("unexpected ids: %+v", payload)
	}
	if err := json.Unmarshal([]byte(`{"a": 1.5}`), &payload); err == nil {
		t.Fatal("expected error for fractional id")
	}
	if err := json.Unmarshal([]byte(`{"a": true}`), &payload); err == nil {
		t.Fatal("expected error for boolean id")
	}
}
