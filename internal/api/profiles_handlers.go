package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"loopcast/internal/models"
	"loopcast/internal/storage"
)

type profileResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	APIBaseURL     string    `json:"apiBaseUrl"`
	TokenRef       string    `json:"tokenRef"`
	DefaultPrivacy string    `json:"defaultPrivacy,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func newProfileResponse(profile models.Profile) profileResponse {
	return profileResponse{
		ID:             profile.ID,
		Name:           profile.Name,
		APIBaseURL:     profile.APIBaseURL,
		TokenRef:       profile.TokenRef,
		DefaultPrivacy: profile.DefaultPrivacy,
		CreatedAt:      profile.CreatedAt,
	}
}

type createProfileRequest struct {
	Name           string `json:"name"`
	APIBaseURL     string `json:"apiBaseUrl"`
	TokenRef       string `json:"tokenRef"`
	DefaultPrivacy string `json:"defaultPrivacy,omitempty"`
}

type updateProfileRequest struct {
	Name           *string `json:"name,omitempty"`
	APIBaseURL     *string `json:"apiBaseUrl,omitempty"`
	TokenRef       *string `json:"tokenRef,omitempty"`
	DefaultPrivacy *string `json:"defaultPrivacy,omitempty"`
}

// Profiles lists platform profiles or registers a new one.
func (h *Handler) Profiles(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireOperator(w, r); !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		profiles := h.Store.ListProfiles()
		out := make([]profileResponse, 0, len(profiles))
		for _, profile := range profiles {
			out = append(out, newProfileResponse(profile))
		}
		writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
	case http.MethodPost:
		var req createProfileRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		profile, err := h.Store.CreateProfile(storage.CreateProfileParams{
			Name:           req.Name,
			APIBaseURL:     req.APIBaseURL,
			TokenRef:       req.TokenRef,
			DefaultPrivacy: req.DefaultPrivacy,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, newProfileResponse(profile))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// ProfileByID fetches, updates, or deletes a single profile.
func (h *Handler) ProfileByID(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireOperator(w, r); !ok {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/profiles/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("profile not found"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		profile, ok := h.Store.GetProfile(id)
		if !ok {
			writeError(w, http.StatusNotFound, storage.ErrProfileNotFound)
			return
		}
		writeJSON(w, http.StatusOK, newProfileResponse(profile))
	case http.MethodPatch, http.MethodPut:
		var req updateProfileRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		profile, err := h.Store.UpdateProfile(id, storage.ProfileUpdate{
			Name:           req.Name,
			APIBaseURL:     req.APIBaseURL,
			TokenRef:       req.TokenRef,
			DefaultPrivacy: req.DefaultPrivacy,
		})
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, storage.ErrProfileNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, newProfileResponse(profile))
	case http.MethodDelete:
		if err := h.Store.DeleteProfile(id); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, storage.ErrProfileNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, PATCH, PUT, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
