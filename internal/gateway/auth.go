package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/basket/leadops/internal/audit"
	"github.com/basket/leadops/internal/identity"
	"github.com/basket/leadops/internal/shared"
)

type principalKey struct{}

// ExtractAPIKey reads the caller credential from Authorization: Bearer or
// X-API-Key.
func ExtractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// PrincipalFromContext returns the authenticated caller, or nil.
func PrincipalFromContext(ctx context.Context) *identity.Principal {
	p, _ := ctx.Value(principalKey{}).(*identity.Principal)
	return p
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.cfg.Identity.Authenticate(r.Context(), ExtractAPIKey(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, p)
		ctx = shared.WithAgentID(ctx, p.AgentID)
		ctx = shared.WithRole(ctx, string(p.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require gates a route on the caller's role holding action. Denials are
// audited.
func (s *Server) require(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil {
				s.writeError(w, r, shared.NewError(shared.KindUnauthenticated, "missing credential"))
				return
			}
			d := s.cfg.Policy.CheckPermission(p.Role, action)
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			kind := shared.KindPermissionDenied
			if d.RequiresApproval {
				kind = shared.KindApprovalRequired
			}
			s.cfg.Audit.LogFailure(r.Context(), audit.Entry{
				AgentID:    p.AgentID,
				Action:     action,
				TargetType: "route",
				TargetID:   r.URL.Path,
				Metadata:   map[string]string{"policy_version": s.cfg.Policy.PolicyVersion()},
			}, d.Reason)
			s.writeError(w, r, shared.NewError(kind, "%s", d.Reason))
		})
	}
}

// requireSuperAdmin admits only SUPER_ADMIN callers, whatever policy.yaml
// grants. Denials are audited under action.
func (s *Server) requireSuperAdmin(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil {
				s.writeError(w, r, shared.NewError(shared.KindUnauthenticated, "missing credential"))
				return
			}
			if p.IsSuperuser() {
				next.ServeHTTP(w, r)
				return
			}
			reason := "only SUPER_ADMIN may " + action
			s.cfg.Audit.LogFailure(r.Context(), audit.Entry{
				AgentID:    p.AgentID,
				Action:     action,
				TargetType: "route",
				TargetID:   r.URL.Path,
			}, reason)
			s.writeError(w, r, shared.NewError(shared.KindPermissionDenied, "%s", reason))
		})
	}
}
