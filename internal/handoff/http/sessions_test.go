package http

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aussiebroadwan/handoff/internal/handoff/service"
	"github.com/aussiebroadwan/handoff/internal/handoff/store/drivers/sqlite"
	"github.com/aussiebroadwan/handoff/pkg/ratex"
	"github.com/aussiebroadwan/handoff/pkg/tokenx"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Router, *service.SessionService) {
	t.Helper()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	codec, err := tokenx.NewCodec([]byte("0123456789abcdef0123456789abcdef"), nil)
	require.NoError(t, err)

	limiter := ratex.NewLocal()
	svc := &service.SessionService{
		Codec:   codec,
		Store:   st,
		Limiter: limiter,
	}

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	r := NewRouter("test", st, limiter, logger)
	r.SessionService = svc
	r.ApplyRoutes()

	return r, svc
}

func createSession(t *testing.T, r *Router) createSessionResponse {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/handoff/sessions", nil)
	req.Header.Set("User-Agent", "requester/1.0")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var body createSessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	require.NotEmpty(t, body.SessionID)
	return body
}

func exchange(t *testing.T, r *Router, body exchangeSessionRequest) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/handoff/sessions/exchange", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func poll(t *testing.T, r *Router, token string) (*httptest.ResponseRecorder, pollSessionResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/v1/handoff/sessions/poll?token="+token, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body pollSessionResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	}
	return rec, body
}

func TestHandoffLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	created := createSession(t, r)

	rec, result := poll(t, r, created.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "pending", result.Status)
	require.Empty(t, result.Credential)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = exchange(t, r, exchangeSessionRequest{
		Token:            created.Token,
		Credential:       `{"access":"at"}`,
		ApproverIdentity: "staff:42",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec, result = poll(t, r, created.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "approved", result.Status)
	require.Equal(t, `{"access":"at"}`, result.Credential)

	rec, result = poll(t, r, created.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "consumed", result.Status)
	require.Empty(t, result.Credential)
}

func TestExchangeValidation(t *testing.T) {
	t.Parallel()
	r, svc := newTestRouter(t)

	t.Run("missing fields", func(t *testing.T) {
		rec := exchange(t, r, exchangeSessionRequest{Token: "", Credential: ""})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/handoff/sessions/exchange",
			bytes.NewReader([]byte("{not json")))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/handoff/sessions/exchange",
			bytes.NewReader([]byte("token=x")))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := exchange(t, r, exchangeSessionRequest{Token: "garbage", Credential: "cred"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("forged token", func(t *testing.T) {
		forger, err := tokenx.NewCodec([]byte("ffffffffffffffffffffffffffffffff"), nil)
		require.NoError(t, err)
		forged, err := forger.Sign("id", "chl", time.Now().Add(time.Minute))
		require.NoError(t, err)

		rec := exchange(t, r, exchangeSessionRequest{Token: forged, Credential: "cred"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		token, err := svc.Codec.Sign("01J5W8QZK3UNKNOWN", "chl", time.Now().Add(time.Minute))
		require.NoError(t, err)

		rec := exchange(t, r, exchangeSessionRequest{Token: token, Credential: "cred"})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestExchangeConflictAndExpiry(t *testing.T) {
	t.Parallel()
	r, svc := newTestRouter(t)

	t.Run("double approval conflicts", func(t *testing.T) {
		created := createSession(t, r)

		rec := exchange(t, r, exchangeSessionRequest{Token: created.Token, Credential: "cred"})
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = exchange(t, r, exchangeSessionRequest{Token: created.Token, Credential: "cred-2"})
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("expired session is gone", func(t *testing.T) {
		base := time.Now()
		now := base
		svc.Now = func() time.Time { return now }
		svc.CreateTTL = time.Second
		t.Cleanup(func() { svc.Now = nil; svc.CreateTTL = 0 })

		created := createSession(t, r)
		now = base.Add(2 * time.Second)

		rec := exchange(t, r, exchangeSessionRequest{Token: created.Token, Credential: "cred"})
		require.Equal(t, http.StatusGone, rec.Code)

		rec2, result := poll(t, r, created.Token)
		require.Equal(t, http.StatusOK, rec2.Code)
		require.Equal(t, "expired", result.Status)
	})
}

func TestPollValidation(t *testing.T) {
	t.Parallel()
	r, svc := newTestRouter(t)

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/handoff/sessions/poll", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		rec, _ := poll(t, r, "garbage")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown but well signed token is not found", func(t *testing.T) {
		token, err := svc.Codec.Sign("01J5W8QZK3UNKNOWN", "chl", time.Now().Add(time.Minute))
		require.NoError(t, err)

		rec, result := poll(t, r, token)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "not_found", result.Status)
	})

	t.Run("forged token is not found", func(t *testing.T) {
		forger, err := tokenx.NewCodec([]byte("ffffffffffffffffffffffffffffffff"), nil)
		require.NoError(t, err)
		forged, err := forger.Sign("id", "chl", time.Now().Add(time.Minute))
		require.NoError(t, err)

		rec, result := poll(t, r, forged)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "not_found", result.Status)
	})
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	t.Run("livez", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/livez", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body healthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Equal(t, "ok", body.Status)
		require.Equal(t, "test", body.Version)
	})

	t.Run("readyz", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var body healthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Equal(t, "ok", body.Status)
		require.NotNil(t, body.Checks)
		require.Equal(t, "ok", body.Checks.Database)
	})
}
