package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/dmitrijs2005/memoryweaver/internal/server/auth"
)

type ctxKey string

const userIDKey ctxKey = "userID"

// userID is the authenticated caller, or "" for anonymous requests.
func userID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// bearer resolves the Authorization header. ok is false when no header was
// sent.
func (s *Server) bearer(r *http.Request) (id string, ok bool, err error) {
	h := r.Header.Get(common.AuthorizationHeaderName)
	if h == "" {
		return "", false, nil
	}
	token, found := strings.CutPrefix(h, "Bearer ")
	if !found || token == "" {
		return "", true, common.ErrInvalidToken
	}
	id, err = auth.GetUserIDFromToken(token, s.secret)
	return id, true, err
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok, err := s.bearer(r)
		if !ok {
			unauthorized(w, "missing token")
			return
		}
		if err != nil {
			unauthorized(w, tokenMessage(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, id)))
	})
}

// optionalAuth lets anonymous requests through but still rejects a bad
// token.
func (s *Server) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok, err := s.bearer(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			unauthorized(w, tokenMessage(err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, id)))
	})
}

func tokenMessage(err error) string {
	if errors.Is(err, common.ErrTokenExpired) {
		return "token expired"
	}
	return "invalid token"
}
