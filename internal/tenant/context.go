// Package tenant carries the authenticated tenant identity and resolves
// opaque access tokens to it. How a client obtains its token is out of scope;
// this package only consumes the result.
package tenant

import "strings"

// Context identifies the tenant a request is authenticated for. It is
// constructed once per request at the boundary and passed explicitly; storage
// code scopes every row access by it.
type Context struct {
	tenantID string
}

func NewContext(tenantID string) Context {
	return Context{tenantID: strings.TrimSpace(tenantID)}
}

func (c Context) TenantID() string { return c.tenantID }

func (c Context) Valid() bool { return c.tenantID != "" }

// Owns reports whether a row tagged with rowTenant is visible to this
// context. The empty context owns nothing.
func (c Context) Owns(rowTenant string) bool {
	return c.tenantID != "" && c.tenantID == rowTenant
}
