// Package room keeps the in-process set of live rooms, one per active session
// hosted on this shard, and fans messages out to their members.
package room

import (
	"sort"
	"sync"

	apperrors "github.com/louisbranch/princess.sim/internal/platform/errors"
	"github.com/louisbranch/princess.sim/internal/services/sim/participant"
)

// Endpoint is one live connection that can hold a room role.
// Implementations must be comparable (typically a pointer).
type Endpoint interface {
	// Send delivers one room message. It is called with the room lock held.
	Send(roomID string, text string) error
	// Disconnect closes the underlying connection without blocking on the room.
	Disconnect()
}

// Member is a snapshot of one endpoint in a room.
type Member struct {
	Endpoint Endpoint
	Role     participant.Role
}

// Registry owns the rooms of this process.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	logf  func(string, ...any)
}

type room struct {
	id      string
	mu      sync.Mutex
	members map[Endpoint]participant.Role
	closed  bool
}

// NewRegistry builds an empty registry. logf may be nil.
func NewRegistry(logf func(string, ...any)) *Registry {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Registry{rooms: make(map[string]*room), logf: logf}
}

// lockRoom returns the room for roomID locked, creating it when create is set.
// A room found closed after locking has been detached; lookup retries.
func (r *Registry) lockRoom(roomID string, create bool) *room {
	for {
		r.mu.Lock()
		current, ok := r.rooms[roomID]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			current = &room{id: roomID, members: make(map[Endpoint]participant.Role, 2)}
			r.rooms[roomID] = current
		}
		r.mu.Unlock()

		current.mu.Lock()
		if !current.closed {
			return current
		}
		current.mu.Unlock()
	}
}

// detach removes rm from the registry. Caller holds rm.mu.
func (r *Registry) detach(rm *room) {
	rm.closed = true
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
}

// Join adds endpoint to the room under role. A role already held by another
// endpoint fails with ROLE_TAKEN; joining again with the same role is a no-op.
func (r *Registry) Join(roomID string, endpoint Endpoint, role participant.Role) error {
	if endpoint == nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "endpoint is required")
	}
	if !role.Valid() {
		return apperrors.New(apperrors.CodeUnknownParticipant, "role is not recognized")
	}

	rm := r.lockRoom(roomID, true)
	defer rm.mu.Unlock()

	if err := r.admitLocked(rm, endpoint, role); err != nil {
		if len(rm.members) == 0 {
			r.detach(rm)
		}
		return err
	}
	return nil
}

// Leave removes endpoint and reports the role it held. The room is dropped
// once empty.
func (r *Registry) Leave(roomID string, endpoint Endpoint) (participant.Role, bool) {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return "", false
	}
	defer rm.mu.Unlock()

	role, ok := rm.members[endpoint]
	if !ok {
		return "", false
	}
	delete(rm.members, endpoint)
	if len(rm.members) == 0 {
		r.detach(rm)
	}
	return role, true
}

// LeaveAndBroadcast removes endpoint and, under the same lock, sends text
// built from its role to the remaining members.
func (r *Registry) LeaveAndBroadcast(roomID string, endpoint Endpoint, text func(participant.Role) string) (participant.Role, bool) {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return "", false
	}
	defer rm.mu.Unlock()

	role, ok := rm.members[endpoint]
	if !ok {
		return "", false
	}
	delete(rm.members, endpoint)
	if len(rm.members) == 0 {
		r.detach(rm)
		return role, true
	}
	r.sendLocked(rm, text(role), nil)
	return role, true
}

// Broadcast sends text to every member except exclude (nil excludes none) and
// returns how many sends succeeded.
func (r *Registry) Broadcast(roomID string, text string, exclude Endpoint) int {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return 0
	}
	defer rm.mu.Unlock()
	return r.sendLocked(rm, text, exclude)
}

func (r *Registry) sendLocked(rm *room, text string, exclude Endpoint) int {
	delivered := 0
	for _, member := range orderedMembers(rm) {
		if exclude != nil && member.Endpoint == exclude {
			continue
		}
		if err := member.Endpoint.Send(rm.id, text); err != nil {
			r.logf("sim: room send failed room=%q role=%q err=%v", rm.id, member.Role, err)
			continue
		}
		delivered++
	}
	return delivered
}

// JoinAndBroadcast joins endpoint and, under the same lock, runs admitted
// (when non-nil), announces the join to the other members, and then tells the
// joiner about every member already present. announce renders the notice for
// a role. An error from admitted undoes the join. Nothing is announced on an
// idempotent rejoin.
func (r *Registry) JoinAndBroadcast(roomID string, endpoint Endpoint, role participant.Role, announce func(participant.Role) string, admitted func() error) (bool, error) {
	if endpoint == nil {
		return false, apperrors.New(apperrors.CodeInvalidArgument, "endpoint is required")
	}
	if !role.Valid() {
		return false, apperrors.New(apperrors.CodeUnknownParticipant, "role is not recognized")
	}
	rm := r.lockRoom(roomID, true)
	defer rm.mu.Unlock()

	if held, ok := rm.members[endpoint]; ok && held == role {
		return false, nil
	}
	present := orderedMembers(rm)
	if err := r.admitLocked(rm, endpoint, role); err != nil {
		if len(rm.members) == 0 {
			r.detach(rm)
		}
		return false, err
	}
	if admitted != nil {
		if err := admitted(); err != nil {
			delete(rm.members, endpoint)
			if len(rm.members) == 0 {
				r.detach(rm)
			}
			return false, err
		}
	}
	r.sendLocked(rm, announce(role), endpoint)
	for _, member := range present {
		if err := endpoint.Send(rm.id, announce(member.Role)); err != nil {
			r.logf("sim: room send failed room=%q role=%q err=%v", rm.id, role, err)
		}
	}
	return true, nil
}

func (r *Registry) admitLocked(rm *room, endpoint Endpoint, role participant.Role) error {
	if held, ok := rm.members[endpoint]; ok && held != role {
		return apperrors.WithMetadata(apperrors.CodeRoleTaken, "endpoint already holds another role", map[string]string{
			apperrors.MetaRole: string(held),
		})
	}
	for other, held := range rm.members {
		if held == role && other != endpoint {
			return apperrors.WithMetadata(apperrors.CodeRoleTaken, "role is already connected", map[string]string{
				apperrors.MetaRole: string(role),
			})
		}
	}
	rm.members[endpoint] = role
	return nil
}

// Members returns a snapshot of the room, princess first.
func (r *Registry) Members(roomID string) []Member {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return nil
	}
	defer rm.mu.Unlock()
	return orderedMembers(rm)
}

// RoleOf reports the role endpoint holds in roomID.
func (r *Registry) RoleOf(roomID string, endpoint Endpoint) (participant.Role, bool) {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return "", false
	}
	defer rm.mu.Unlock()
	role, ok := rm.members[endpoint]
	return role, ok
}

// Close sends notice to every member, disconnects them, and drops the room.
// It returns the number of members that were disconnected.
func (r *Registry) Close(roomID string, notice string) int {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return 0
	}
	defer rm.mu.Unlock()

	members := orderedMembers(rm)
	if notice != "" {
		r.sendLocked(rm, notice, nil)
	}
	for _, member := range members {
		member.Endpoint.Disconnect()
	}
	rm.members = make(map[Endpoint]participant.Role)
	r.detach(rm)
	return len(members)
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// CloseAll closes every room with notice.
func (r *Registry) CloseAll(notice string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id, notice)
	}
}

func orderedMembers(rm *room) []Member {
	members := make([]Member, 0, len(rm.members))
	for endpoint, role := range rm.members {
		members = append(members, Member{Endpoint: endpoint, Role: role})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].Role < members[j].Role
	})
	return members
}
