package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/handoff/internal/handoff/service"
	"github.com/aussiebroadwan/handoff/pkg/httpx"
	"github.com/aussiebroadwan/handoff/pkg/slogx"
	"github.com/aussiebroadwan/handoff/pkg/tokenx"
)

// SessionHandler serves the handoff session endpoints.
type SessionHandler struct {
	SessionService *service.SessionService
}

type createSessionResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type exchangeSessionRequest struct {
	Token             string `json:"token"`
	Credential        string `json:"credential"`
	ApproverIdentity  string `json:"approver_identity"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type pollSessionResponse struct {
	Status     string `json:"status"`
	Credential string `json:"credential,omitempty"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeError(w http.ResponseWriter, code int, err, description string) {
	httpx.WriteJSON(w, code, errorResponse{Error: err, Description: description})
}

// HandleCreate serves POST /v1/handoff/sessions. It opens a pending session
// and returns the signed token the caller renders as a QR code.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	created, err := h.SessionService.CreateSession(ctx, httpx.IPFromRequest(r), r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
				"Too many sessions created. Please try again later.")
		default:
			log.Error("failed to create handoff session", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, createSessionResponse{
		Token:     created.Token,
		SessionID: created.SessionID,
		ExpiresAt: created.ExpiresAt,
	})
}

// HandleExchange serves POST /v1/handoff/sessions/exchange. The approving
// party posts the scanned token alongside the credential payload to bind.
// The host application authenticates the approver before the request gets
// here; this endpoint trusts approver_identity as an opaque string.
func (h *SessionHandler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusBadRequest, "invalid_request", "Content-Type must be application/json.")
		return
	}

	var req exchangeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body.")
		return
	}

	if strings.TrimSpace(req.Token) == "" || req.Credential == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token and credential are required.")
		return
	}

	err := h.SessionService.ExchangeSession(ctx, service.ExchangeRequest{
		Token:             req.Token,
		Credential:        req.Credential,
		ApproverIdentity:  req.ApproverIdentity,
		DeviceFingerprint: req.DeviceFingerprint,
		IP:                httpx.IPFromRequest(r),
	})
	if err != nil {
		switch {
		case errors.Is(err, tokenx.ErrInvalidFormat), errors.Is(err, tokenx.ErrInvalidPurpose):
			writeError(w, http.StatusBadRequest, "invalid_token", "The handoff token is not valid.")
		case errors.Is(err, tokenx.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "invalid_token", "The handoff token is not valid.")
		case errors.Is(err, tokenx.ErrTokenExpired), errors.Is(err, service.ErrSessionExpired):
			writeError(w, http.StatusGone, "session_expired", "The handoff session has expired.")
		case errors.Is(err, service.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session_not_found", "")
		case errors.Is(err, service.ErrSessionAlreadyProcessed):
			writeError(w, http.StatusConflict, "session_already_processed", "")
		case errors.Is(err, service.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
				"Too many approval attempts. Please try again later.")
		default:
			log.Error("failed to exchange handoff session", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandlePoll serves GET /v1/handoff/sessions/poll?token=... for the
// requesting device. Statuses come back as 200 regardless of outcome; only
// a token the service cannot even parse is a client error.
func (h *SessionHandler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token query parameter is required.")
		return
	}

	result, err := h.SessionService.PollSession(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, tokenx.ErrInvalidFormat), errors.Is(err, tokenx.ErrInvalidPurpose):
			writeError(w, http.StatusBadRequest, "invalid_token", "The handoff token is not valid.")
		default:
			log.Error("failed to poll handoff session", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, pollSessionResponse{
		Status:     result.Status,
		Credential: result.Credential,
	})
}
