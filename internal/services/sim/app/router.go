package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/net/websocket"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/louisbranch/princess.sim/internal/platform/errors"
	"github.com/louisbranch/princess.sim/internal/platform/errors/i18n"
	"github.com/louisbranch/princess.sim/internal/platform/timeouts"
	"github.com/louisbranch/princess.sim/internal/services/sim/participant"
	"github.com/louisbranch/princess.sim/internal/services/sim/room"
	"github.com/louisbranch/princess.sim/internal/services/sim/session"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage"
)

const (
	tokenCookieName = "sim_token"

	maxFramePayloadBytes = 16 * 1024
	maxFramesPerSecond   = 40
	maxMessageRunes      = 2000

	eventJoinRoom    = "join_room"
	eventSendMessage = "send_message"
	eventLeaveRoom   = "leave_room"

	frameJoined  = "joined"
	frameMessage = "message"
	frameError   = "error"

	sessionEndedNotice = "session has ended"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Token     string          `json:"token,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type roomPayload struct {
	Room    string `json:"room"`
	Message string `json:"message,omitempty"`
}

type joinedPayload struct {
	Room      string `json:"room"`
	Role      string `json:"role"`
	HostShard string `json:"host_shard"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// sessionDirectory is what the router needs from the session store.
type sessionDirectory interface {
	GetSession(ctx context.Context, sessionID int64) (storage.Session, error)
	Resolve(ctx context.Context, subjectID string) (participant.Participant, error)
}

type tokenValidator interface {
	Validate(raw string) (string, error)
}

// router authorizes realtime events and moves messages between room members.
type router struct {
	shardID   string
	sessions  sessionDirectory
	validator tokenValidator
	rooms     *room.Registry

	events   metric.Int64Counter
	messages metric.Int64Counter
	conns    metric.Int64UpDownCounter
}

func newRouter(shardID string, sessions sessionDirectory, validator tokenValidator, rooms *room.Registry) *router {
	meter := otel.Meter("princess.sim/router")
	events, _ := meter.Int64Counter("sim_ws_events_total",
		metric.WithDescription("Realtime events handled, by event and outcome"))
	messages, _ := meter.Int64Counter("sim_room_messages_total",
		metric.WithDescription("Room messages broadcast"))
	conns, _ := meter.Int64UpDownCounter("sim_ws_connections",
		metric.WithDescription("Open realtime connections"))
	return &router{
		shardID:   shardID,
		sessions:  sessions,
		validator: validator,
		rooms:     rooms,
		events:    events,
		messages:  messages,
		conns:     conns,
	}
}

// CloseSessionRoom notifies and disconnects the members of an ended session.
func (rt *router) CloseSessionRoom(sessionID int64) {
	roomID := session.RoomID(sessionID)
	if closed := rt.rooms.Close(roomID, sessionEndedNotice); closed > 0 {
		log.Printf("sim: room closed room=%q members=%d", roomID, closed)
	}
}

// wsPeer is one websocket connection. Writes are serialized and bounded by a
// deadline so a stalled client cannot hold a room lock.
type wsPeer struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	encoder   *json.Encoder
	closeOnce sync.Once
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn, encoder: json.NewEncoder(conn)}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.SetWriteDeadline(time.Now().Add(timeouts.PeerWrite))
	}
	return p.encoder.Encode(frame)
}

// Send implements room.Endpoint.
func (p *wsPeer) Send(roomID string, text string) error {
	return p.writeFrame(wsFrame{
		Type:    frameMessage,
		Payload: mustJSON(roomPayload{Room: roomID, Message: text}),
	})
}

// Disconnect implements room.Endpoint.
func (p *wsPeer) Disconnect() {
	p.closeOnce.Do(func() {
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})
}

// wsConnState tracks one connection through Connecting, Joined, and Closed.
// Only the connection's read goroutine touches it.
type wsConnState struct {
	peer           *wsPeer
	handshakeToken string
	catalog        *i18n.Catalog
	roomID         string
	role           participant.Role
}

func (s *wsConnState) joined() bool {
	return s.roomID != ""
}

// authorized is the outcome of the per-event checks.
type authorized struct {
	roomID      string
	session     storage.Session
	participant participant.Participant
}

func (rt *router) handleConn(conn *websocket.Conn) {
	peer := newWSPeer(conn)
	state := &wsConnState{peer: peer, catalog: i18n.GetCatalog(i18n.BaseLocale)}
	if request := conn.Request(); request != nil {
		state.handshakeToken = accessTokenFromRequest(request)
		state.catalog = i18n.ForAcceptLanguage(request.Header.Get("Accept-Language"))
	}

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}
	rt.conns.Add(ctx, 1)
	defer rt.conns.Add(context.Background(), -1)

	defer peer.Disconnect()
	defer rt.dropMembership(state)

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			rt.fail(state, "", "decode", apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid frame payload", err))
			return
		}

		if len(frame.Payload) > maxFramePayloadBytes {
			rt.fail(state, frame.RequestID, frame.Type, apperrors.New(apperrors.CodeInvalidArgument, "payload too large"))
			return
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			rt.fail(state, frame.RequestID, frame.Type, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
			return
		}

		var err error
		var done bool
		switch frame.Type {
		case eventJoinRoom:
			err = rt.handleJoin(ctx, state, frame)
		case eventSendMessage:
			err = rt.handleSend(ctx, state, frame)
		case eventLeaveRoom:
			err = rt.handleLeave(ctx, state, frame)
			done = err == nil
		default:
			err = apperrors.New(apperrors.CodeInvalidArgument, "unsupported frame type")
		}
		if err != nil {
			rt.fail(state, frame.RequestID, frame.Type, err)
			return
		}
		rt.record(ctx, frame.Type, "ok")
		if done {
			return
		}
	}
}

// authorize runs the checks shared by every room event, in order: room
// parameter, session, shard, token, role, session membership.
func (rt *router) authorize(ctx context.Context, state *wsConnState, frame wsFrame) (authorized, roomPayload, error) {
	var payload roomPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return authorized{}, payload, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid room payload", err)
		}
	}
	roomID := strings.TrimSpace(payload.Room)
	if roomID == "" {
		return authorized{}, payload, apperrors.MissingParameter("room")
	}

	sessionID, err := session.ParseRoomID(roomID)
	if err != nil {
		return authorized{}, payload, err
	}
	callCtx, cancel := context.WithTimeout(ctx, timeouts.StorageCall)
	defer cancel()
	found, err := rt.sessions.GetSession(callCtx, sessionID)
	if err != nil {
		return authorized{}, payload, err
	}
	if !found.Active() {
		return authorized{}, payload, apperrors.NotFound(apperrors.EntitySession)
	}
	if found.HostShard != rt.shardID {
		return authorized{}, payload, apperrors.UnauthorizedShard(found.HostShard)
	}

	token := strings.TrimSpace(frame.Token)
	if token == "" {
		token = state.handshakeToken
	}
	if rt.validator == nil {
		return authorized{}, payload, apperrors.New(apperrors.CodeInvalidToken, "token validation is not configured")
	}
	subjectID, err := rt.validator.Validate(token)
	if err != nil {
		return authorized{}, payload, err
	}

	resolved, err := rt.sessions.Resolve(callCtx, subjectID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotRegistered {
			return authorized{}, payload, apperrors.Wrap(apperrors.CodeUnknownParticipant, "subject has no role", err)
		}
		return authorized{}, payload, err
	}
	member := (resolved.Role == participant.RolePrincess && found.PrincessID == subjectID) ||
		(resolved.Role == participant.RoleServant && found.ServantID == subjectID)
	if !member {
		return authorized{}, payload, apperrors.New(apperrors.CodeNotSessionMember, "subject is not a member of this session")
	}

	return authorized{roomID: roomID, session: found, participant: resolved}, payload, nil
}

func (rt *router) handleJoin(ctx context.Context, state *wsConnState, frame wsFrame) error {
	auth, _, err := rt.authorize(ctx, state, frame)
	if err != nil {
		return err
	}
	if state.joined() && state.roomID != auth.roomID {
		return apperrors.New(apperrors.CodeInvalidArgument, "connection already joined another room")
	}

	role := auth.participant.Role
	ack := wsFrame{
		Type:      frameJoined,
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			Room:      auth.roomID,
			Role:      string(role),
			HostShard: auth.session.HostShard,
		}),
	}
	var ackErr error
	admitted, err := rt.rooms.JoinAndBroadcast(auth.roomID, state.peer, role, connectedText, func() error {
		// A session ended after authorize must not gain a member.
		if err := rt.ensureActive(ctx, auth.session.ID); err != nil {
			return err
		}
		ackErr = state.peer.writeFrame(ack)
		return nil
	})
	if err != nil {
		return err
	}
	state.roomID = auth.roomID
	state.role = role
	if !admitted {
		ackErr = state.peer.writeFrame(ack)
	}
	if ackErr != nil {
		return fmt.Errorf("write joined ack: %w", ackErr)
	}
	log.Printf("sim: joined room=%q role=%q", auth.roomID, role)
	return nil
}

func (rt *router) handleSend(ctx context.Context, state *wsConnState, frame wsFrame) error {
	auth, payload, err := rt.authorize(ctx, state, frame)
	if err != nil {
		return err
	}
	if !state.joined() || state.roomID != auth.roomID {
		return apperrors.New(apperrors.CodeNotJoined, "connection has not joined this room")
	}
	if held, ok := rt.rooms.RoleOf(auth.roomID, state.peer); !ok || held != auth.participant.Role {
		return apperrors.New(apperrors.CodeNotJoined, "connection is no longer in this room")
	}

	text, err := normalizeMessage(payload.Message)
	if err != nil {
		return err
	}
	delivered := rt.rooms.Broadcast(auth.roomID, string(auth.participant.Role)+": "+text, nil)
	rt.messages.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("role", string(auth.participant.Role))))
	return nil
}

func (rt *router) handleLeave(ctx context.Context, state *wsConnState, frame wsFrame) error {
	auth, _, err := rt.authorize(ctx, state, frame)
	if err != nil {
		return err
	}
	if !state.joined() || state.roomID != auth.roomID {
		return apperrors.New(apperrors.CodeNotJoined, "connection has not joined this room")
	}
	rt.dropMembership(state)
	return nil
}

// dropMembership removes the connection from its room and tells the rest.
func (rt *router) dropMembership(state *wsConnState) {
	if !state.joined() {
		return
	}
	roomID := state.roomID
	state.roomID = ""
	state.role = ""
	if role, ok := rt.rooms.LeaveAndBroadcast(roomID, state.peer, disconnectedText); ok {
		log.Printf("sim: left room=%q role=%q", roomID, role)
	}
}

// fail sends the diagnostic frame. The caller closes the connection.
func (rt *router) fail(state *wsConnState, requestID string, event string, err error) {
	code := apperrors.CodeOf(err)
	var metadata map[string]string
	if domainErr, ok := apperrors.As(err); ok {
		metadata = domainErr.Metadata
	}
	if code == apperrors.CodeUnknown {
		log.Printf("sim: realtime event failed event=%q err=%v", event, err)
	}
	rt.record(context.Background(), event, string(code))
	_ = state.peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:    string(code),
				Message: state.catalog.Format(string(code), metadata),
				Details: metadata,
			},
		}),
	})
}

func (rt *router) record(ctx context.Context, event string, outcome string) {
	if event == "" {
		event = "unknown"
	}
	rt.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("outcome", outcome),
	))
}

func normalizeMessage(raw string) (string, error) {
	text := strings.TrimSpace(norm.NFC.String(raw))
	if text == "" {
		return "", apperrors.MissingParameter("message")
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "message must be at most 2000 characters")
	}
	return text, nil
}

// ensureActive re-reads the session so a join racing EndSession fails.
func (rt *router) ensureActive(ctx context.Context, sessionID int64) error {
	callCtx, cancel := context.WithTimeout(ctx, timeouts.StorageCall)
	defer cancel()
	found, err := rt.sessions.GetSession(callCtx, sessionID)
	if err != nil {
		return err
	}
	if !found.Active() {
		return apperrors.NotFound(apperrors.EntitySession)
	}
	return nil
}

func connectedText(role participant.Role) string {
	return string(role) + " has connected"
}

func disconnectedText(role participant.Role) string {
	return string(role) + " has disconnected"
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("sim: failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
