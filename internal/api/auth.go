package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"loopcast/internal/models"
)

type contextKey string

const operatorContextKey contextKey = "authenticatedOperator"

// ContextWithOperator stores the authenticated operator in the context.
func ContextWithOperator(ctx context.Context, operator models.Operator) context.Context {
	return context.WithValue(ctx, operatorContextKey, operator)
}

// OperatorFromContext retrieves the authenticated operator if present.
func OperatorFromContext(ctx context.Context) (models.Operator, bool) {
	operator, ok := ctx.Value(operatorContextKey).(models.Operator)
	return operator, ok
}

// AuthenticateRequest validates the session token on the request and returns
// the operator.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.Operator, error) {
	token := ExtractToken(r)
	if token == "" {
		return models.Operator{}, fmt.Errorf("missing session token")
	}
	operatorID, _, ok, err := h.sessionManager().Validate(token)
	if err != nil {
		return models.Operator{}, fmt.Errorf("validate session: %w", err)
	}
	if !ok {
		return models.Operator{}, fmt.Errorf("invalid or expired session")
	}
	operator, exists := h.Store.GetOperator(operatorID)
	if !exists {
		return models.Operator{}, fmt.Errorf("account not found")
	}
	return operator, nil
}

func (h *Handler) requireOperator(w http.ResponseWriter, r *http.Request) (models.Operator, bool) {
	operator, ok := OperatorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return models.Operator{}, false
	}
	return operator, true
}

// ExtractToken pulls the session token from the Authorization header or the
// session cookie.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}
