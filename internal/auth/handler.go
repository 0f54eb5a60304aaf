package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"

	"auth-service/internal/apperr"
)

const (
	cookieName   = "jwt"
	cookieMaxAge = 7 * 24 * 60 * 60

	maxJSONBodyBytes = 1 << 20
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type resetPasswordRequest struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		writeFailure(w, err)
		return
	}

	http.SetCookie(w, refreshCookie(tokens.RefreshToken, cookieMaxAge))
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": tokens.AccessToken})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	payload, ok := PayloadFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "access denied, no token provided")
		return
	}

	var body resetPasswordRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	err := h.service.ResetPassword(r.Context(), payload.ID, cookieValue(r), body.Password, body.ConfirmPassword)
	if err != nil {
		writeFailure(w, err)
		return
	}

	// Expire the cookie so the revoked token is dropped client-side too.
	http.SetCookie(w, refreshCookie("", -1))
	writeJSON(w, http.StatusCreated, map[string]string{"message": "reset password process is complete"})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	accessToken, err := h.service.Refresh(r.Context(), cookieValue(r))
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accessToken": accessToken})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), cookieValue(r)); err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "cookie cleared"})
}

func cookieValue(r *http.Request) string {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// refreshCookie builds the jwt cookie. MaxAge is the transport bound
// only; the token's own expiry and the single-session overwrite are the
// real lifetime limits.
func refreshCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	}
}

// writeFailure maps an error kind to its transport status. A missing
// session row reads as 401 to the client: indistinguishable from a
// missing cookie, and nothing about stored state is revealed.
func writeFailure(w http.ResponseWriter, err error) {
	message := "request failed"
	kind := apperr.KindOf(err)
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	switch kind {
	case apperr.KindUnauthorized, apperr.KindNotFound:
		writeError(w, http.StatusUnauthorized, message)
	case apperr.KindForbidden:
		writeError(w, http.StatusForbidden, message)
	case apperr.KindTooManyRequests:
		writeError(w, http.StatusTooManyRequests, message)
	case apperr.KindConflict:
		writeError(w, http.StatusConflict, message)
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
