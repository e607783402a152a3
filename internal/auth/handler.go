package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"todo-auth/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sessionResponse struct {
	ID          string     `json:"id"`
	FamilyID    string     `json:"familyId"`
	IssuedAt    time.Time  `json:"issuedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CreatedByIP string     `json:"createdByIp"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	State       string     `json:"state"`
}

type userResponse struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"`
}

// Token exchanges a username and password for an access/refresh pair. Every
// credential failure gets the same 401 body.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Username, body.Password, observability.ClientIP(r))
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.writeInternal(w, err, "failed to issue tokens")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken, observability.ClientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrRefreshReused):
			writeError(w, http.StatusUnauthorized, "refresh token reuse detected")
		case errors.Is(err, ErrRefreshExpired):
			writeError(w, http.StatusUnauthorized, "refresh token expired")
		case errors.Is(err, ErrRefreshNotFound):
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
		default:
			h.writeInternal(w, err, "failed to refresh token")
		}
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.Logout(r.Context(), body.RefreshToken); err != nil {
		if errors.Is(err, ErrRefreshNotFound) {
			writeError(w, http.StatusNotFound, "refresh token not found")
			return
		}
		h.writeInternal(w, err, "failed to revoke token")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}
	writeJSON(w, http.StatusOK, principal)
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	tokens, err := h.service.Sessions(r.Context(), principal.Subject)
	if err != nil {
		h.writeInternal(w, err, "failed to list sessions")
		return
	}

	now := time.Now().UTC()
	items := make([]sessionResponse, 0, len(tokens))
	for _, token := range tokens {
		items = append(items, sessionResponse{
			ID:          token.ID,
			FamilyID:    token.FamilyID,
			IssuedAt:    token.IssuedAt,
			ExpiresAt:   token.ExpiresAt,
			CreatedByIP: token.CreatedByIP,
			RevokedAt:   token.RevokedAt,
			State:       token.State(now).String(),
		})
	}

	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var body NewUser
	if !decodeJSON(w, r, &body) {
		return
	}

	user, err := h.service.CreateUser(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), ErrInvalidInput.Error()+": "))
		case errors.Is(err, ErrUserExists):
			writeError(w, http.StatusConflict, "user already exists")
		default:
			h.writeInternal(w, err, "failed to create user")
		}
		return
	}

	permissions := user.Permissions
	if permissions == nil {
		permissions = []string{}
	}
	writeJSON(w, http.StatusCreated, userResponse{
		ID:          user.ID,
		Username:    user.Username,
		Role:        user.Role,
		Permissions: permissions,
	})
}

func (h *Handler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	h.changePermission(w, r, h.service.GrantPermission)
}

func (h *Handler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	h.changePermission(w, r, h.service.RevokePermission)
}

func (h *Handler) changePermission(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, username, permission string) error,
) {
	err := apply(r.Context(), r.PathValue("username"), r.PathValue("permission"))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "permission is invalid")
		case errors.Is(err, ErrUserNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		default:
			h.writeInternal(w, err, "failed to update permissions")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeInternal(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, ErrStoreUnavailable) {
		w.Header().Set("Retry-After", strconv.Itoa(1))
		writeError(w, http.StatusServiceUnavailable, "auth store unavailable")
		return
	}
	sentry.CaptureException(err)
	writeError(w, http.StatusInternalServerError, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
