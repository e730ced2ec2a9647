package auth

import (
	"fmt"

	"github.com/BenPearsey/vaportal-sub001/internal/domain"
)

// ForbiddenError indicates the caller may not perform the operation on the sale.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Reason)
}

// Caller is the authenticated identity making a request. It is passed
// explicitly into every engine operation.
type Caller struct {
	UserID string
	Kind   domain.Role
}

func (c Caller) String() string {
	return string(c.Kind) + ":" + c.UserID
}

// ResolveRole returns the caller's role on the sale. Admins act on every
// sale; agents and clients only on sales they own.
func ResolveRole(c Caller, sale domain.Sale) (domain.Role, error) {
	if c.UserID == "" {
		return "", ForbiddenError{Reason: "caller identity required"}
	}
	switch c.Kind {
	case domain.RoleAdmin:
		return domain.RoleAdmin, nil
	case domain.RoleAgent:
		if sale.AgentID != "" && sale.AgentID == c.UserID {
			return domain.RoleAgent, nil
		}
		return "", ForbiddenError{Reason: fmt.Sprintf("agent %s does not own sale %s", c.UserID, sale.ID)}
	case domain.RoleClient:
		if sale.ClientID != "" && sale.ClientID == c.UserID {
			return domain.RoleClient, nil
		}
		return "", ForbiddenError{Reason: fmt.Sprintf("client %s does not own sale %s", c.UserID, sale.ID)}
	}
	return "", ForbiddenError{Reason: fmt.Sprintf("unknown caller kind %q", c.Kind)}
}

// Require resolves the caller's role and checks it is one of allowed.
func Require(c Caller, sale domain.Sale, allowed ...domain.Role) (domain.Role, error) {
	role, err := ResolveRole(c, sale)
	if err != nil {
		return "", err
	}
	for _, r := range allowed {
		if r == role {
			return role, nil
		}
	}
	return "", ForbiddenError{Reason: fmt.Sprintf("role %s not permitted", role)}
}
