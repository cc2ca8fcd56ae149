package access

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnauthorized = errors.New("unauthorized")

// Role is a capability an account may hold
type Role uint8

const (
	RoleAdmin Role = iota + 1
	RoleOracle
	RoleCreator
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleOracle:
		return "oracle"
	case RoleCreator:
		return "creator"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole maps a config/wire name back to a Role
func ParseRole(s string) (Role, error) {
	switch s {
	case "admin":
		return RoleAdmin, nil
	case "oracle":
		return RoleOracle, nil
	case "creator":
		return RoleCreator, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Authorizer answers capability checks. Markets and the registry only ever
// see this interface; nothing is resolved from ambient or global state.
type Authorizer interface {
	HasRole(role Role, account common.Address) bool
}

// Require returns ErrUnauthorized (wrapped with the missing role) unless
// account holds role.
func Require(auth Authorizer, role Role, account common.Address) error {
	if auth == nil || !auth.HasRole(role, account) {
		return fmt.Errorf("%w: %s lacks %s", ErrUnauthorized, account.Hex(), role)
	}
	return nil
}

// Roles is an in-memory role table, safe for concurrent use
type Roles struct {
	mu      sync.RWMutex
	members map[Role]map[common.Address]struct{}
}

func NewRoles() *Roles {
	return &Roles{
		members: make(map[Role]map[common.Address]struct{}),
	}
}

func (r *Roles) Grant(role Role, account common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[role]
	if !ok {
		set = make(map[common.Address]struct{})
		r.members[role] = set
	}
	set[account] = struct{}{}
}

func (r *Roles) Revoke(role Role, account common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[role], account)
}

func (r *Roles) HasRole(role Role, account common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[role][account]
	return ok
}

// Members returns the holders of role sorted by address
func (r *Roles) Members(role Role) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Address, 0, len(r.members[role]))
	for addr := range r.members[role] {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

// GrantAll parses hex addresses and grants each the role. Used when loading
// role assignments from configuration.
func (r *Roles) GrantAll(role Role, hexAddrs []string) error {
	for _, h := range hexAddrs {
		if !common.IsHexAddress(h) {
			return fmt.Errorf("grant %s: invalid address %q", role, h)
		}
		r.Grant(role, common.HexToAddress(h))
	}
	return nil
}
