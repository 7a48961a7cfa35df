package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/bookingengine/libs/auth"
	"github.com/md-rashed-zaman/bookingengine/libs/httpx"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

type actorKey struct{}

func ContextWithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(model.Actor)
	return actor, ok
}

// Authenticator resolves the caller of every private route. Bearer tokens are always
// verified. Without one, the gateway headers X-User-Id, X-Role and X-Provider-Id are trusted
// unless tokens are required.
type Authenticator struct {
	verifier *auth.Verifier
	required bool
}

func NewAuthenticator(verifier *auth.Verifier, required bool) *Authenticator {
	return &Authenticator{verifier: verifier, required: required}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.authenticate(r)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
	})
}

type authError string

func (e authError) Error() string { return string(e) }

func (a *Authenticator) authenticate(r *http.Request) (model.Actor, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return model.Actor{}, authError("invalid Authorization header")
		}
		if a.verifier == nil {
			return model.Actor{}, authError("token verification not configured")
		}
		claims, err := a.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			return model.Actor{}, authError("invalid token")
		}
		return actorFrom(claims.Sub, claims.Role, claims.ProviderID)
	}
	if a.required {
		return model.Actor{}, authError("missing bearer token")
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		return model.Actor{}, authError("missing X-User-Id header")
	}
	return actorFrom(userID, r.Header.Get("X-Role"), r.Header.Get("X-Provider-Id"))
}

// actorFrom maps token and gateway roles onto actor kinds. The system actor is internal only.
func actorFrom(id, role, providerID string) (model.Actor, error) {
	var kind model.ActorKind
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "", "customer":
		kind = model.ActorCustomer
	case "provider", "owner", "staff":
		kind = model.ActorProvider
	case "admin":
		kind = model.ActorAdmin
	default:
		return model.Actor{}, authError("unsupported role " + role)
	}
	return model.Actor{Kind: kind, ID: id, ProviderID: strings.TrimSpace(providerID)}, nil
}
