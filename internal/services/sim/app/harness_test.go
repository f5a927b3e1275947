package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/princess.sim/internal/services/sim/room"
	"github.com/louisbranch/princess.sim/internal/services/sim/session"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage/sqlite"
	"github.com/louisbranch/princess.sim/internal/services/sim/token"
)

const testSecret = "test-secret"

// shard is one sim process under test: its own service, registry, and
// HTTP server, possibly sharing a store with other shards.
type shard struct {
	id      string
	service *session.Service
	rooms   *room.Registry
	server  *httptest.Server
}

type simHarness struct {
	t      *testing.T
	store  *sqlite.Store
	issuer *token.Issuer
}

func newSimHarness(t *testing.T) *simHarness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "sim.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	issuer, err := token.NewIssuer([]byte(testSecret), "", "", nil)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return &simHarness{t: t, store: store, issuer: issuer}
}

func (h *simHarness) startShard(id string) *shard {
	h.t.Helper()
	service, err := session.New(session.Config{ShardID: id, Store: h.store})
	if err != nil {
		h.t.Fatalf("new session service: %v", err)
	}
	validator, err := token.NewValidator(token.Config{Secret: []byte(testSecret)})
	if err != nil {
		h.t.Fatalf("new validator: %v", err)
	}
	rooms := room.NewRegistry(h.t.Logf)
	srv := httptest.NewServer(newHandler(handlerDeps{service: service, validator: validator, rooms: rooms}))
	h.t.Cleanup(srv.Close)
	return &shard{id: id, service: service, rooms: rooms, server: srv}
}

func (h *simHarness) token(subject string) string {
	h.t.Helper()
	signed, err := h.issuer.Issue(subject, time.Hour)
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	return signed
}

func (h *simHarness) register(s *shard, subject string, isPrincess bool) {
	h.t.Helper()
	if _, err := s.service.Register(context.Background(), subject, isPrincess); err != nil {
		h.t.Fatalf("register %s: %v", subject, err)
	}
}

// startSession registers alice (princess) and bob (servant) and opens a
// session between them on s.
func (h *simHarness) startSession(s *shard) storage.Session {
	h.t.Helper()
	h.register(s, "alice", true)
	h.register(s, "bob", false)
	created, err := s.service.StartSession(context.Background(), "alice", "bob")
	if err != nil {
		h.t.Fatalf("start session: %v", err)
	}
	return created
}

func roomOf(sess storage.Session) string {
	return strconv.FormatInt(sess.ID, 10)
}

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsTestRoomPayload struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}

type wsTestJoinedPayload struct {
	Room      string `json:"room"`
	Role      string `json:"role"`
	HostShard string `json:"host_shard"`
}

type wsTestErrorPayload struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

// dialWS opens a websocket to s. Empty bearer dials without credentials.
func dialWS(t *testing.T, s *shard, bearer string, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, s.server.URL)
	if err != nil {
		t.Fatalf("websocket config: %v", err)
	}
	cfg.Header = make(http.Header)
	for key, values := range header {
		for _, value := range values {
			cfg.Header.Add(key, value)
		}
	}
	if bearer != "" {
		cfg.Header.Set("Authorization", "Bearer "+bearer)
	}
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func readMessage(t *testing.T, conn *websocket.Conn) wsTestRoomPayload {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Type != "message" {
		t.Fatalf("expected message frame, got %q (%s)", frame.Type, frame.Payload)
	}
	var payload wsTestRoomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	return payload
}

func readError(t *testing.T, conn *websocket.Conn) wsTestErrorPayload {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Type != "error" {
		t.Fatalf("expected error frame, got %q (%s)", frame.Type, frame.Payload)
	}
	var payload wsTestErrorPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return payload
}

// expectClosed asserts the server closed the connection.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var frame wsTestFrame
	if err := json.NewDecoder(conn).Decode(&frame); err == nil {
		t.Fatalf("expected closed connection, got frame %q (%s)", frame.Type, frame.Payload)
	}
}

func joinFrame(roomID string) map[string]any {
	return map[string]any{"type": "join_room", "payload": map[string]any{"room": roomID}}
}

func sendFrame(roomID string, message string) map[string]any {
	return map[string]any{"type": "send_message", "payload": map[string]any{"room": roomID, "message": message}}
}

func leaveFrame(roomID string) map[string]any {
	return map[string]any{"type": "leave_room", "payload": map[string]any{"room": roomID}}
}

// join joins roomID and consumes the ack.
func join(t *testing.T, conn *websocket.Conn, roomID string) wsTestJoinedPayload {
	t.Helper()
	writeFrame(t, conn, joinFrame(roomID))
	frame := readFrame(t, conn)
	if frame.Type != "joined" {
		t.Fatalf("expected joined frame, got %q (%s)", frame.Type, frame.Payload)
	}
	var payload wsTestJoinedPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("decode joined payload: %v", err)
	}
	return payload
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
