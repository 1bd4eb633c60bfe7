package domain

import "github.com/golang-jwt/jwt/v5"

// ApproverClaims: claims токена оператора консоли. UserID становится approver_id.
type ApproverClaims struct {
	UserID         string          `json:"user_id"`
	OrganizationID string          `json:"org_id"`
	Roles          []string        `json:"roles"`
	Scopes         map[string]bool `json:"scopes"` // "approvals.decide": true
	jwt.RegisteredClaims
}

// HasScope: "admin" даёт всё
func (c *ApproverClaims) HasScope(scope string) bool {
	return c.IsAdmin() || c.Scopes[scope]
}

func (c *ApproverClaims) IsAdmin() bool {
	return c.Scopes["admin"]
}

// CanAccessOrg: оператор работает только со своей организацией, admin со всеми
func (c *ApproverClaims) CanAccessOrg(organizationID string) bool {
	return c.IsAdmin() || c.OrganizationID == organizationID
}
