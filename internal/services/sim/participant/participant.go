// Package participant models the two participant roles and resolves a
// token subject to its registered role.
package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/princess.sim/internal/platform/errors"
	"github.com/louisbranch/princess.sim/internal/services/sim/storage"
)

// Role is the fixed role a subject registers with.
type Role string

const (
	RolePrincess Role = "Princess"
	RoleServant  Role = "Servant"
)

// Default secondary attributes for newly registered participants.
const (
	DefaultMoodLevel  = 50
	DefaultSkillLevel = 1
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePrincess || r == RoleServant
}

// Participant is a registered subject. Exactly one of Princess or Servant is
// set, matching Role.
type Participant struct {
	SubjectID string
	Role      Role
	Princess  *storage.PrincessDetails
	Servant   *storage.ServantDetails
}

// FromPrincess wraps princess details.
func FromPrincess(details storage.PrincessDetails) Participant {
	return Participant{SubjectID: details.SubjectID, Role: RolePrincess, Princess: &details}
}

// FromServant wraps servant details.
func FromServant(details storage.ServantDetails) Participant {
	return Participant{SubjectID: details.SubjectID, Role: RoleServant, Servant: &details}
}

// Store is the storage subset the resolver needs.
type Store interface {
	GetPrincessDetails(ctx context.Context, subjectID string) (storage.PrincessDetails, error)
	GetServantDetails(ctx context.Context, subjectID string) (storage.ServantDetails, error)
}

// Resolver maps subjects to their registered role.
type Resolver struct {
	store Store
}

// NewResolver builds a resolver over store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the participant registered for subjectID. Servant details
// are checked first, then princess details.
func (r *Resolver) Resolve(ctx context.Context, subjectID string) (Participant, error) {
	if r == nil || r.store == nil {
		return Participant{}, errors.New("participant resolver is not configured")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Participant{}, apperrors.New(apperrors.CodeNotRegistered, "subject is required")
	}

	servant, err := r.store.GetServantDetails(ctx, subjectID)
	if err == nil {
		return FromServant(servant), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Participant{}, fmt.Errorf("lookup servant details: %w", err)
	}

	princess, err := r.store.GetPrincessDetails(ctx, subjectID)
	if err == nil {
		return FromPrincess(princess), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Participant{}, fmt.Errorf("lookup princess details: %w", err)
	}
	return Participant{}, apperrors.New(apperrors.CodeNotRegistered, "subject is not registered")
}
