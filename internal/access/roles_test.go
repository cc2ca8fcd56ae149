package access_test

import (
	"PredictionLedger/internal/access"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func TestRoles_GrantRevoke(t *testing.T) {
	roles := access.NewRoles()
	assert.False(t, roles.HasRole(access.RoleOracle, alice))

	roles.Grant(access.RoleOracle, alice)
	assert.True(t, roles.HasRole(access.RoleOracle, alice))
	assert.False(t, roles.HasRole(access.RoleAdmin, alice), "roles are independent")
	assert.False(t, roles.HasRole(access.RoleOracle, bob))

	roles.Revoke(access.RoleOracle, alice)
	assert.False(t, roles.HasRole(access.RoleOracle, alice))
}

func TestRequire(t *testing.T) {
	roles := access.NewRoles()
	roles.Grant(access.RoleAdmin, alice)

	assert.NoError(t, access.Require(roles, access.RoleAdmin, alice))

	err := access.Require(roles, access.RoleAdmin, bob)
	require.Error(t, err)
	assert.ErrorIs(t, err, access.ErrUnauthorized)

	assert.ErrorIs(t, access.Require(nil, access.RoleAdmin, alice), access.ErrUnauthorized)
}

func TestRoles_MembersSorted(t *testing.T) {
	roles := access.NewRoles()
	roles.Grant(access.RoleCreator, alice)
	roles.Grant(access.RoleCreator, bob)

	assert.Equal(t, []common.Address{bob, alice}, roles.Members(access.RoleCreator))
}

func TestRoles_GrantAll(t *testing.T) {
	roles := access.NewRoles()
	require.NoError(t, roles.GrantAll(access.RoleOracle, []string{alice.Hex(), bob.Hex()}))
	assert.True(t, roles.HasRole(access.RoleOracle, bob))

	assert.Error(t, roles.GrantAll(access.RoleOracle, []string{"not-an-address"}))
}

func TestParseRole(t *testing.T) {
	for _, r := range []access.Role{access.RoleAdmin, access.RoleOracle, access.RoleCreator} {
		parsed, err := access.ParseRole(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}
	_, err := access.ParseRole("root")
	assert.Error(t, err)
}
