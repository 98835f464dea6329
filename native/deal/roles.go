package deal

// Role identifies the relationship between an acting identity and a deal.
type Role uint8

const (
	RoleCreator Role = iota
	RoleBuyer
	RoleSeller
	RoleArbiter
)

// String returns the lowercase role name.
func (r Role) String() string {
	switch r {
	case RoleCreator:
		return "creator"
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	case RoleArbiter:
		return "arbiter"
	default:
		return "unknown"
	}
}

func matches(field, identity string) bool {
	return field != "" && identity != "" && field == identity
}

// RolesOf derives every role the identity holds on the deal. Matching is an
// exact string comparison with no case folding.
func RolesOf(d *Deal, identity string) []Role {
	if d == nil {
		return nil
	}
	var roles []Role
	if matches(d.CreatedBy, identity) {
		roles = append(roles, RoleCreator)
	}
	if matches(d.Buyer, identity) {
		roles = append(roles, RoleBuyer)
	}
	if matches(d.Seller, identity) {
		roles = append(roles, RoleSeller)
	}
	if matches(d.Arbiter, identity) {
		roles = append(roles, RoleArbiter)
	}
	return roles
}

// IsCreator reports whether the identity created the deal.
func (d *Deal) IsCreator(identity string) bool {
	return d != nil && matches(d.CreatedBy, identity)
}

// IsBuyer reports whether the identity is the deal's buyer.
func (d *Deal) IsBuyer(identity string) bool {
	return d != nil && matches(d.Buyer, identity)
}

// IsSeller reports whether the identity is the deal's seller.
func (d *Deal) IsSeller(identity string) bool {
	return d != nil && matches(d.Seller, identity)
}

// IsArbiter reports whether the identity is the deal's arbiter.
func (d *Deal) IsArbiter(identity string) bool {
	return d != nil && matches(d.Arbiter, identity)
}

// HasAnyRole reports whether the identity holds at least one role on the
// deal. Mutation paths check specific role combinations instead; this is a
// read-time convenience.
func (d *Deal) HasAnyRole(identity string) bool {
	return len(RolesOf(d, identity)) > 0
}
