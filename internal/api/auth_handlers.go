package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"loopcast/internal/models"
	"loopcast/internal/storage"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type operatorResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

type authResponse struct {
	Operator  operatorResponse `json:"operator"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

func newOperatorResponse(operator models.Operator) operatorResponse {
	return operatorResponse{
		ID:          operator.ID,
		Email:       operator.Email,
		DisplayName: operator.DisplayName,
		CreatedAt:   operator.CreatedAt,
	}
}

// Login authenticates operator credentials and issues a session token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	operator, err := h.Store.AuthenticateOperator(req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, storage.ErrInvalidCredentials)
		return
	}

	token, expiresAt, err := h.sessionManager().Create(operator.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusOK, authResponse{Operator: newOperatorResponse(operator), ExpiresAt: expiresAt})
}

// Logout revokes the current session token.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if token := ExtractToken(r); token != "" {
		if err := h.sessionManager().Revoke(token); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	h.clearSessionCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// Session returns the operator bound to the presented token.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	operator, err := h.AuthenticateRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operator": newOperatorResponse(operator)})
}

type createOperatorRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Password    string `json:"password"`
}

// Operators lists accounts or registers a new one. Both require an
// authenticated operator.
func (h *Handler) Operators(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireOperator(w, r); !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		operators := h.Store.ListOperators()
		out := make([]operatorResponse, 0, len(operators))
		for _, operator := range operators {
			out = append(out, newOperatorResponse(operator))
		}
		writeJSON(w, http.StatusOK, map[string]any{"operators": out})
	case http.MethodPost:
		var req createOperatorRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		operator, err := h.Store.CreateOperator(storage.CreateOperatorParams{
			Email:       req.Email,
			DisplayName: req.DisplayName,
			Password:    req.Password,
		})
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, storage.ErrOperatorExists) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, newOperatorResponse(operator))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
