package testutil

import (
	"net/http"

	id "payguard/pkg/domain"
	"payguard/pkg/requestcontext"
)

// WithTenant puts the tenant on the request context the way RequireTenant
// does after validating a bearer token. Invalid ids leave req untouched.
func WithTenant(req *http.Request, tenant string) *http.Request {
	tenantID, err := id.ParseTenantID(tenant)
	if err != nil {
		return req
	}
	return req.WithContext(requestcontext.WithTenantID(req.Context(), tenantID))
}
