package hierarchy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewgate.org/internal/identity"
)

// org builds a three-level tree with one user per interesting position:
//
//	Director (0)
//	├── Engineering Lead (1)
//	│   └── Engineer (2)
//	└── Sales Lead (1)
//	    └── Account Exec (2)
type org struct {
	store *identity.MemStore

	director, engLead, salesLead, engineer *identity.User
	root, eng, sales, engineerPos, aePos   *identity.Position
	staffRole, superRole                   *identity.Role
}

func buildOrg(t *testing.T) *org {
	t.Helper()
	ctx := context.Background()
	o := &org{store: identity.NewMemStore()}

	o.staffRole = &identity.Role{Name: "Staff"}
	require.NoError(t, o.store.Roles(ctx).Create(ctx, o.staffRole))
	o.superRole = &identity.Role{Name: "Super Admin", Unrestricted: true}
	require.NoError(t, o.store.Roles(ctx).Create(ctx, o.superRole))

	positions := o.store.Positions(ctx)
	o.root = &identity.Position{Name: "Director", Level: 0}
	require.NoError(t, positions.Create(ctx, o.root))
	o.eng = &identity.Position{Name: "Engineering Lead", Level: 1, ParentID: o.root.ID}
	require.NoError(t, positions.Create(ctx, o.eng))
	o.sales = &identity.Position{Name: "Sales Lead", Level: 1, ParentID: o.root.ID}
	require.NoError(t, positions.Create(ctx, o.sales))
	o.engineerPos = &identity.Position{Name: "Engineer", Level: 2, ParentID: o.eng.ID}
	require.NoError(t, positions.Create(ctx, o.engineerPos))
	o.aePos = &identity.Position{Name: "Account Exec", Level: 2, ParentID: o.sales.ID}
	require.NoError(t, positions.Create(ctx, o.aePos))

	users := o.store.Users(ctx)
	mkUser := func(email, roleID, posID string) *identity.User {
		u := &identity.User{Email: email, PasswordHash: "x", RoleID: roleID, PositionID: posID, Active: true}
		require.NoError(t, users.Create(ctx, u))
		return u
	}
	o.director = mkUser("director@example.com", o.staffRole.ID, o.root.ID)
	o.engLead = mkUser("englead@example.com", o.staffRole.ID, o.eng.ID)
	o.salesLead = mkUser("saleslead@example.com", o.staffRole.ID, o.sales.ID)
	o.engineer = mkUser("engineer@example.com", o.staffRole.ID, o.engineerPos.ID)
	return o
}

func TestCanCreateMatrix(t *testing.T) {
	o := buildOrg(t)
	v := NewValidator(o.store)
	ctx := context.Background()

	cases := []struct {
		name       string
		creator    *identity.User
		target     *identity.Position
		allowed    bool
		wantReason string
	}{
		{"root creates level 1", o.director, o.eng, true, ""},
		{"root cannot skip to level 2", o.director, o.engineerPos, false, ReasonRootLevelOnly},
		{"branch lead creates own subordinate", o.engLead, o.engineerPos, true, ""},
		{"branch lead cannot create a peer", o.engLead, o.sales, false, ReasonBranchLevelOnly},
		{"branch lead cannot reach another branch", o.engLead, o.aePos, false, ReasonCrossBranch},
		{"leaf creates nobody", o.engineer, o.engineerPos, false, ReasonLeafCannotCreate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			allowed, reason, err := v.CanCreate(ctx, tc.creator.ID, tc.target.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, allowed)
			assert.Equal(t, tc.wantReason, reason)
		})
	}
}

func TestCanCreateUnrestrictedBypass(t *testing.T) {
	o := buildOrg(t)
	v := NewValidator(o.store)
	ctx := context.Background()

	admin := &identity.User{Email: "admin@example.com", PasswordHash: "x", RoleID: o.superRole.ID, PositionID: o.engineerPos.ID, Active: true}
	require.NoError(t, o.store.Users(ctx).Create(ctx, admin))

	// Sitting on a leaf position changes nothing for the unrestricted role.
	for _, target := range []*identity.Position{o.root, o.eng, o.engineerPos, o.aePos} {
		allowed, reason, err := v.CanCreate(ctx, admin.ID, target.ID)
		require.NoError(t, err)
		assert.True(t, allowed, "target %s", target.Name)
		assert.Empty(t, reason)
	}
}

func TestCanCreateMissingRowsFailClosed(t *testing.T) {
	o := buildOrg(t)
	v := NewValidator(o.store)
	ctx := context.Background()

	allowed, reason, err := v.CanCreate(ctx, "ghost", o.eng.ID)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, ReasonCreatorNotFound, reason)

	allowed, reason, err = v.CanCreate(ctx, o.director.ID, "ghost")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, ReasonTargetPositionNotFound, reason)
}

func TestRootException(t *testing.T) {
	o := buildOrg(t)
	ctx := context.Background()

	// A named carve-out lets the root create one specific deep position.
	dev := &identity.Position{Name: "Developer", Level: 2, ParentID: o.eng.ID}
	require.NoError(t, o.store.Positions(ctx).Create(ctx, dev))

	v := NewValidator(o.store, WithRootException("developer"))
	allowed, reason, err := v.CanCreate(ctx, o.director.ID, dev.ID)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, reason)

	// The carve-out names positions, not levels.
	allowed, _, err = v.CanCreate(ctx, o.director.ID, o.engineerPos.ID)
	require.NoError(t, err)
	assert.False(t, allowed)

	avail, err := v.AvailablePositions(ctx, o.director.ID)
	require.NoError(t, err)
	names := positionNames(avail)
	assert.Contains(t, names, "Developer")
	assert.Contains(t, names, "Engineering Lead")
	assert.NotContains(t, names, "Engineer")
}

func TestAvailablePositions(t *testing.T) {
	o := buildOrg(t)
	v := NewValidator(o.store)
	ctx := context.Background()

	avail, err := v.AvailablePositions(ctx, o.director.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Engineering Lead", "Sales Lead"}, positionNames(avail))

	avail, err = v.AvailablePositions(ctx, o.engLead.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Engineer"}, positionNames(avail))

	avail, err = v.AvailablePositions(ctx, o.engineer.ID)
	require.NoError(t, err)
	assert.Empty(t, avail)
}

func TestAvailablePositionsUnrestricted(t *testing.T) {
	o := buildOrg(t)
	v := NewValidator(o.store)
	ctx := context.Background()

	admin := &identity.User{Email: "admin@example.com", PasswordHash: "x", RoleID: o.superRole.ID, PositionID: o.root.ID, Active: true}
	require.NoError(t, o.store.Users(ctx).Create(ctx, admin))

	avail, err := v.AvailablePositions(ctx, admin.ID)
	require.NoError(t, err)
	assert.Len(t, avail, 5)
}

func TestValidateNewPosition(t *testing.T) {
	o := buildOrg(t)
	v := NewValidator(o.store)
	ctx := context.Background()

	err := v.ValidateNewPosition(ctx, &identity.Position{Name: "QA Lead", Level: 1, ParentID: o.root.ID})
	assert.NoError(t, err)

	err = v.ValidateNewPosition(ctx, &identity.Position{Name: "Skip", Level: 2, ParentID: o.root.ID})
	assert.ErrorIs(t, err, ErrInvalidTree)

	err = v.ValidateNewPosition(ctx, &identity.Position{Name: "Orphan", Level: 1})
	assert.ErrorIs(t, err, ErrInvalidTree)

	err = v.ValidateNewPosition(ctx, &identity.Position{Name: "Second Root", Level: 0, ParentID: o.root.ID})
	assert.ErrorIs(t, err, ErrInvalidTree)

	err = v.ValidateNewPosition(ctx, &identity.Position{Name: "Lost", Level: 1, ParentID: "ghost"})
	assert.ErrorIs(t, err, ErrInvalidTree)
}

func TestReparent(t *testing.T) {
	o := buildOrg(t)
	v := NewValidator(o.store)
	ctx := context.Background()

	// Moving Engineer under Sales Lead keeps level(p) == level(parent) + 1.
	require.NoError(t, v.Reparent(ctx, o.engineerPos.ID, o.sales.ID))
	moved, err := o.store.Positions(ctx).Find(ctx, o.engineerPos.ID)
	require.NoError(t, err)
	assert.Equal(t, o.sales.ID, moved.ParentID)
	assert.Equal(t, 2, moved.Level)
}

func TestReparentRejectsCycle(t *testing.T) {
	o := buildOrg(t)
	v := NewValidator(o.store)
	ctx := context.Background()

	// Engineering Lead under its own descendant.
	err := v.Reparent(ctx, o.eng.ID, o.engineerPos.ID)
	assert.ErrorIs(t, err, ErrInvalidTree)

	// A node may not become its own parent either.
	err = v.Reparent(ctx, o.eng.ID, o.eng.ID)
	assert.ErrorIs(t, err, ErrInvalidTree)
}

func TestReparentRejectsRootAndLevelSkips(t *testing.T) {
	o := buildOrg(t)
	v := NewValidator(o.store)
	ctx := context.Background()

	err := v.Reparent(ctx, o.root.ID, o.eng.ID)
	assert.ErrorIs(t, err, ErrInvalidTree)

	// Level-1 node under a level-1 parent would make it level 2 with level-2
	// children still attached.
	err = v.Reparent(ctx, o.engineerPos.ID, o.root.ID)
	assert.ErrorIs(t, err, ErrInvalidTree)
}

func positionNames(ps []*identity.Position) []string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, p.Name)
	}
	return names
}
