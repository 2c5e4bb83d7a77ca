package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/chudopalovba/diplom/internal/domain"
	"github.com/chudopalovba/diplom/pkg/jwt"
)

type authContextKey string

const contextKeyActor authContextKey = "forge-actor"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the gateway token and stores the actor on the context. Browsers
// cannot set headers on websocket and EventSource requests, so the stream routes also
// accept an access_token query parameter.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, domain.Actor, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		if q := strings.TrimSpace(req.URL.Query().Get("access_token")); q != "" && isStreamPath(req.URL.Path) {
			token, err = q, nil
		}
	}
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), domain.Actor{}, false
	}
	claims, err := jwt.Parse(token, r.jwtSecret)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), domain.Actor{}, false
	}
	actor := domain.Actor{ID: claims.ActorID, Username: claims.Username}
	ctx := context.WithValue(req.Context(), contextKeyActor, actor)
	return ctx, actor, true
}

// actorFromContext extracts the authenticated actor from context.
func actorFromContext(ctx context.Context) (domain.Actor, bool) {
	value := ctx.Value(contextKeyActor)
	if value == nil {
		return domain.Actor{}, false
	}
	actor, ok := value.(domain.Actor)
	return actor, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

func isStreamPath(path string) bool {
	return path == "/ws/pipelines" || path == "/pipelines/stream"
}
