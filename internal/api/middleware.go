package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Role is the closed set of caller roles supplied by the upstream session
// layer. The engine trusts the identity headers as already authenticated.
type Role string

const (
	RoleWorker     Role = "worker"
	RoleDriver     Role = "driver"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleWorker, RoleDriver, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

// CanCreate reports whether the role may create notifications.
func (r Role) CanCreate() bool {
	return r == RoleSupervisor || r == RoleAdmin
}

// CanViewAll reports whether the role may list other recipients' notifications.
func (r Role) CanViewAll() bool {
	return r == RoleSupervisor || r == RoleAdmin
}

// CanOperate reports whether the role may hit the ops endpoints.
func (r Role) CanOperate() bool {
	return r == RoleAdmin
}

// Identity is the resolved caller, one per request.
type Identity struct {
	UserID    uuid.UUID
	Role      Role
	CompanyID uuid.UUID
}

type identityKey struct{}

// IdentityFrom extracts the caller identity from the request context.
// The bool is false on routes not behind the Authenticate middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticate resolves the X-User-ID, X-User-Role, and X-Company-ID headers
// into an Identity and rejects requests missing or malforming any of them.
func Authenticate(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing or invalid X-User-ID header", "")
				return
			}

			role := Role(r.Header.Get("X-User-Role"))
			if !role.Valid() {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing or invalid X-User-Role header",
					"role must be one of: worker, driver, supervisor, admin")
				return
			}

			companyID, err := uuid.Parse(r.Header.Get("X-Company-ID"))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing or invalid X-Company-ID header", "")
				return
			}

			identity := Identity{
				UserID:    userID,
				Role:      role,
				CompanyID: companyID,
			}

			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireOperator gates the ops endpoints to admin callers.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFrom(r.Context())
		if !ok || !identity.Role.CanOperate() {
			writeError(w, http.StatusForbidden, "forbidden", "Operator access required",
				"only admins may access ops endpoints")
			return
		}
		next.ServeHTTP(w, r)
	})
}
