package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crewgate.org/internal/identity"
)

// Rejection reasons surfaced to callers. Missing rows fail closed with their
// own reasons so a lookup error is never mistaken for permission.
const (
	ReasonCreatorNotFound         = "creator not found"
	ReasonCreatorPositionNotFound = "creator position not found"
	ReasonTargetPositionNotFound  = "target position not found"
	ReasonRootLevelOnly           = "root may only create level-1 positions"
	ReasonBranchLevelOnly         = "branch leads may only create level-2 positions"
	ReasonCrossBranch             = "must report to your branch"
	ReasonLeafCannotCreate        = "leaf positions cannot create users"
)

// ErrInvalidTree indicates a position mutation that would break the tree
// invariant: level(p) == level(parent(p)) + 1, no cycles, no level skips.
var ErrInvalidTree = errors.New("hierarchy: invalid position tree")

// Validator decides who may create whom based on position levels.
type Validator struct {
	store identity.Store
	// rootExceptions names positions the level-0 role may create directly,
	// bypassing the level-1-only rule. Empty by default; each use is an
	// explicit, named carve-out, not a structural rule.
	rootExceptions map[string]struct{}
}

// Option configures Validator behavior.
type Option func(*Validator)

// WithRootException registers position names the root level may create
// regardless of their level.
func WithRootException(names ...string) Option {
	return func(v *Validator) {
		for _, n := range names {
			n = strings.TrimSpace(n)
			if n != "" {
				v.rootExceptions[strings.ToLower(n)] = struct{}{}
			}
		}
	}
}

// NewValidator constructs a Validator.
func NewValidator(store identity.Store, opts ...Option) *Validator {
	v := &Validator{
		store:          store,
		rootExceptions: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CanCreate reports whether the creator may create a user holding the target
// position, with a human-readable reason on rejection.
//
// Rules: the unrestricted role always may (the single designed bypass);
// level 0 creates level 1; level 1 creates level 2 within its own branch;
// level 2 and deeper create nobody.
func (v *Validator) CanCreate(ctx context.Context, creatorUserID, targetPositionID string) (bool, string, error) {
	creator, err := v.store.Users(ctx).Find(ctx, creatorUserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return false, ReasonCreatorNotFound, nil
		}
		return false, "", err
	}

	role, err := v.store.Roles(ctx).Find(ctx, creator.RoleID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return false, "", err
	}
	if role != nil && role.Unrestricted {
		return true, "", nil
	}

	creatorPos, err := v.store.Positions(ctx).Find(ctx, creator.PositionID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return false, ReasonCreatorPositionNotFound, nil
		}
		return false, "", err
	}
	target, err := v.store.Positions(ctx).Find(ctx, targetPositionID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return false, ReasonTargetPositionNotFound, nil
		}
		return false, "", err
	}

	switch creatorPos.Level {
	case 0:
		if target.Level == 1 {
			return true, "", nil
		}
		if v.isRootException(target.Name) {
			return true, "", nil
		}
		return false, ReasonRootLevelOnly, nil
	case 1:
		if target.Level != 2 {
			return false, ReasonBranchLevelOnly, nil
		}
		if target.ParentID != creatorPos.ID {
			return false, ReasonCrossBranch, nil
		}
		return true, "", nil
	default:
		return false, ReasonLeafCannotCreate, nil
	}
}

// AvailablePositions lists the positions the creator may assign when creating
// a subordinate.
func (v *Validator) AvailablePositions(ctx context.Context, creatorUserID string) ([]*identity.Position, error) {
	creator, err := v.store.Users(ctx).Find(ctx, creatorUserID)
	if err != nil {
		return nil, err
	}
	role, err := v.store.Roles(ctx).Find(ctx, creator.RoleID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}
	positions := v.store.Positions(ctx)

	if role != nil && role.Unrestricted {
		return positions.List(ctx)
	}

	creatorPos, err := positions.Find(ctx, creator.PositionID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	switch creatorPos.Level {
	case 0:
		out, err := positions.ListByLevel(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(v.rootExceptions) > 0 {
			all, err := positions.List(ctx)
			if err != nil {
				return nil, err
			}
			for _, p := range all {
				if p.Level != 1 && v.isRootException(p.Name) {
					out = append(out, p)
				}
			}
		}
		return out, nil
	case 1:
		return positions.ListChildren(ctx, creatorPos.ID)
	default:
		return nil, nil
	}
}

// ValidateNewPosition checks the level/parent invariant for a node about to
// be inserted.
func (v *Validator) ValidateNewPosition(ctx context.Context, p *identity.Position) error {
	if p.Level < 0 {
		return fmt.Errorf("%w: level must be non-negative", ErrInvalidTree)
	}
	if p.Level == 0 {
		if p.ParentID != "" {
			return fmt.Errorf("%w: level-0 positions have no parent", ErrInvalidTree)
		}
		return nil
	}
	if p.ParentID == "" {
		return fmt.Errorf("%w: level-%d position requires a parent", ErrInvalidTree, p.Level)
	}
	parent, err := v.store.Positions(ctx).Find(ctx, p.ParentID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return fmt.Errorf("%w: parent position not found", ErrInvalidTree)
		}
		return err
	}
	if p.Level != parent.Level+1 {
		return fmt.Errorf("%w: level must be exactly parent level + 1", ErrInvalidTree)
	}
	return nil
}

// Reparent moves a position under a new parent after rejecting cycles and
// level skips. The cycle check walks parent pointers from the new parent; if
// the walk reaches the node being moved, the update is rejected.
func (v *Validator) Reparent(ctx context.Context, positionID, newParentID string) error {
	positions := v.store.Positions(ctx)
	pos, err := positions.Find(ctx, positionID)
	if err != nil {
		return err
	}
	if pos.Level == 0 {
		return fmt.Errorf("%w: the root position cannot be re-parented", ErrInvalidTree)
	}
	parent, err := positions.Find(ctx, newParentID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return fmt.Errorf("%w: parent position not found", ErrInvalidTree)
		}
		return err
	}

	cursor := parent
	for cursor != nil {
		if cursor.ID == positionID {
			return fmt.Errorf("%w: re-parenting would create a cycle", ErrInvalidTree)
		}
		if cursor.ParentID == "" {
			break
		}
		next, err := positions.Find(ctx, cursor.ParentID)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				break
			}
			return err
		}
		cursor = next
	}

	if pos.Level != parent.Level+1 {
		return fmt.Errorf("%w: level must be exactly parent level + 1", ErrInvalidTree)
	}
	return positions.Reparent(ctx, positionID, newParentID, parent.Level+1)
}

func (v *Validator) isRootException(name string) bool {
	_, ok := v.rootExceptions[strings.ToLower(strings.TrimSpace(name))]
	return ok
}
