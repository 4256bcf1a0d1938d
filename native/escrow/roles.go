package escrow

import "fmt"

// Role identifies the capacity in which a principal acts on a record.
type Role uint8

const (
	RoleDepositor Role = iota + 1
	RoleBeneficiary
	RoleArbiter
)

func (r Role) String() string {
	switch r {
	case RoleDepositor:
		return "depositor"
	case RoleBeneficiary:
		return "beneficiary"
	case RoleArbiter:
		return "arbiter"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// holds reports whether caller holds role on e.
func holds(e *Escrow, caller [20]byte, role Role) bool {
	switch role {
	case RoleDepositor:
		return e.Depositor == caller
	case RoleBeneficiary:
		return e.Beneficiary == caller
	case RoleArbiter:
		return e.Arbiter != nil && *e.Arbiter == caller
	default:
		return false
	}
}

// Authorize returns the first of the allowed roles caller holds on e. A caller
// holding none of them gets ErrUnauthorized.
func Authorize(e *Escrow, caller [20]byte, allowed ...Role) (Role, error) {
	if e == nil {
		return 0, ErrNotFound
	}
	for _, role := range allowed {
		if holds(e, caller, role) {
			return role, nil
		}
	}
	return 0, fmt.Errorf("%w: escrow %d requires %v", ErrUnauthorized, e.ID, allowed)
}

// RolesOf lists every role caller holds on e.
func RolesOf(e *Escrow, caller [20]byte) []Role {
	if e == nil {
		return nil
	}
	var roles []Role
	for _, role := range []Role{RoleDepositor, RoleBeneficiary, RoleArbiter} {
		if holds(e, caller, role) {
			roles = append(roles, role)
		}
	}
	return roles
}
