package domain

// Role of a connection. A connection never changes role after hello.
type Role string

const (
	RoleUnauthenticated Role = ""
	RoleProducer        Role = "producer"
	RoleViewer          Role = "viewer"
)

// ParseRole accepts only the two roles a hello may claim.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleProducer, RoleViewer:
		return Role(raw), nil
	default:
		return RoleUnauthenticated, ErrInvalidRole
	}
}

func (r Role) String() string {
	if r == RoleUnauthenticated {
		return "unauthenticated"
	}
	return string(r)
}
