package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/handoff/internal/handoff/domain"
	"github.com/aussiebroadwan/handoff/internal/handoff/store"
	"github.com/aussiebroadwan/handoff/pkg/cryptox"
	"github.com/aussiebroadwan/handoff/pkg/idx"
	"github.com/aussiebroadwan/handoff/pkg/ratex"
	"github.com/aussiebroadwan/handoff/pkg/slogx"
	"github.com/aussiebroadwan/handoff/pkg/tokenx"
)

const (
	// DefaultCreateTTL is the window to display the QR code and have it
	// approved. Fixed at creation; the authoritative deadline for the
	// whole handoff.
	DefaultCreateTTL = 2 * time.Minute

	// DefaultPickupTTL bounds how long approved credentials remain
	// claimable after approval.
	DefaultPickupTTL = 30 * time.Second

	// MaxUserAgentHintLen caps the stored user agent hint.
	MaxUserAgentHintLen = 256
)

var (
	ErrRateLimited             = errors.New("rate_limit_exceeded")
	ErrSessionNotFound         = errors.New("session_not_found")
	ErrSessionExpired          = errors.New("session_expired")
	ErrSessionAlreadyProcessed = errors.New("session_already_processed")
)

// Poll statuses reported to the requesting device. "not_found" doubles as
// the information-minimal answer for anything a poller has no business
// distinguishing (unknown session, bad signature, storage trouble).
const (
	PollNotFound = "not_found"
	PollPending  = "pending"
	PollApproved = "approved"
	PollExpired  = "expired"
	PollConsumed = "consumed"
)

// SessionService orchestrates the QR handoff lifecycle: creation, exchange
// (approval by an already-authenticated party) and polling (exactly-once
// credential pickup). The store's conditional updates are the only
// synchronization primitive; the service holds no locks and is safe across
// multiple process instances sharing one store.
type SessionService struct {
	Codec   *tokenx.Codec
	Store   store.Store
	Limiter ratex.Limiter

	CreateTTL time.Duration // defaults to DefaultCreateTTL
	PickupTTL time.Duration // defaults to DefaultPickupTTL

	CreatePolicy   ratex.Policy // per-IP create budget
	ExchangePolicy ratex.Policy // per-(IP, session) exchange budget

	// Now overrides the clock in tests. Nil means time.Now.
	Now func() time.Time
}

// DefaultCreatePolicy bounds session creation per IP.
var DefaultCreatePolicy = ratex.Policy{MaxHits: 10, Window: time.Minute}

// DefaultExchangePolicy bounds approval attempts per (IP, session). Tighter
// than creation: the exchange endpoint is driven by authenticated parties,
// and bursts here look like credential stuffing against sessions.
var DefaultExchangePolicy = ratex.Policy{MaxHits: 5, Window: 3 * time.Minute}

// CreatedSession is returned to the requesting device. The raw token is
// never persisted; only its storage hash lives in the session row.
type CreatedSession struct {
	Token     string
	SessionID string
	ExpiresAt time.Time
}

// ExchangeRequest carries an approval attempt. ApproverIdentity arrives
// already verified by the host application; this protocol accepts it
// opaquely.
type ExchangeRequest struct {
	Token             string
	Credential        string
	ApproverIdentity  string
	DeviceFingerprint string
	IP                string
}

// PollResult is the answer to a poll. Credential is populated only when
// Status is "approved", and only for the single caller that won the
// consuming update.
type PollResult struct {
	Status     string
	Credential string
}

// CreateSession opens a new pending handoff session and returns the signed
// token to render as a QR code.
func (s *SessionService) CreateSession(ctx context.Context, ip, userAgentHint string) (*CreatedSession, error) {
	log := slogx.FromContext(ctx)

	if err := s.Limiter.Enforce(ctx, ratex.Key("create", ip), s.createPolicy()); err != nil {
		if errors.Is(err, ratex.ErrRateLimited) {
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("enforce create rate limit: %w", err)
	}

	sessionID := idx.New().String()
	challenge, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}

	now := s.now()
	expiresAt := now.Add(s.createTTL())

	token, err := s.Codec.Sign(sessionID, challenge, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("sign handoff token: %w", err)
	}

	session := domain.AuthSession{
		ID:            sessionID,
		Challenge:     challenge,
		TokenHash:     s.Codec.HashForStorage(token),
		Status:        domain.StatusPending,
		IPAddress:     ip,
		UserAgentHint: truncate(userAgentHint, MaxUserAgentHintLen),
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
	}

	if err := s.Store.Sessions().Insert(ctx, session); err != nil {
		return nil, fmt.Errorf("insert handoff session: %w", err)
	}

	log.Info("handoff session created", "session_id", sessionID, "expires_at", expiresAt)

	return &CreatedSession{
		Token:     token,
		SessionID: sessionID,
		ExpiresAt: expiresAt,
	}, nil
}

// ExchangeSession approves a pending session, binding the credential
// payload to it. The approving party must already be authenticated by the
// host application; no credential is echoed back.
//
// Token codec errors (invalid signature, format, purpose) propagate
// unchanged. Losing the approval race reports ErrSessionAlreadyProcessed;
// the credential must never be attached twice, so there is no silent retry.
func (s *SessionService) ExchangeSession(ctx context.Context, req ExchangeRequest) error {
	log := slogx.FromContext(ctx)

	payload, err := s.Codec.Verify(req.Token)
	tokenExpired := errors.Is(err, tokenx.ErrTokenExpired)
	if err != nil && !tokenExpired {
		return err
	}

	key := ratex.Key("exchange", req.IP, payload.SessionID)
	if err := s.Limiter.Enforce(ctx, key, s.exchangePolicy()); err != nil {
		if errors.Is(err, ratex.ErrRateLimited) {
			return ErrRateLimited
		}
		return fmt.Errorf("enforce exchange rate limit: %w", err)
	}

	session, err := s.Store.Sessions().FindByTokenMatch(ctx,
		payload.SessionID, payload.Challenge, s.Codec.HashForStorage(req.Token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Unknown id, wrong challenge and superseded hash are
			// deliberately indistinguishable here.
			return ErrSessionNotFound
		}
		return fmt.Errorf("lookup handoff session: %w", err)
	}

	now := s.now()
	if !now.Before(s.deadline(session)) {
		// Lazy expiry: best effort, the status gate below never sees the
		// row again anyway once we report expiry.
		if _, err := s.Store.Sessions().Expire(ctx, session.ID); err != nil {
			log.Error("failed to expire handoff session", "session_id", session.ID, "error", err)
		}
		return ErrSessionExpired
	}

	if tokenExpired {
		// Token lapsed while the stored deadline is still ahead. The
		// stored deadline is authoritative, but an expired token is not
		// acceptable proof for an approval.
		return tokenx.ErrTokenExpired
	}

	if session.Status != domain.StatusPending {
		return ErrSessionAlreadyProcessed
	}

	approval := domain.Approval{
		Credential:        req.Credential,
		ApproverIdentity:  req.ApproverIdentity,
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         req.IP,
	}

	ok, err := s.Store.Sessions().Approve(ctx, session.ID, approval, now)
	if err != nil {
		return fmt.Errorf("approve handoff session: %w", err)
	}
	if !ok {
		return ErrSessionAlreadyProcessed
	}

	log.Info("handoff session approved",
		"session_id", session.ID,
		"approver", req.ApproverIdentity,
	)

	return nil
}

// PollSession reports the session's status to the requesting device and,
// on the first poll that observes an approval, hands over the credential
// exactly once.
//
// Expiry of the token and expiry of the session are checked independently:
// the server-side deadline is authoritative, so an expired token still
// triggers the lookup and an expired-but-approved session is reported as
// "expired" rather than a signature failure. Only malformed and
// wrong-purpose tokens are errors; everything else is a status.
func (s *SessionService) PollSession(ctx context.Context, token string) (PollResult, error) {
	log := slogx.FromContext(ctx)

	payload, err := s.Codec.Verify(token)
	switch {
	case err == nil, errors.Is(err, tokenx.ErrTokenExpired):
	case errors.Is(err, tokenx.ErrInvalidSignature):
		// A poller has not proven identity; a forged token learns nothing.
		return PollResult{Status: PollNotFound}, nil
	default:
		return PollResult{}, err
	}

	session, err := s.Store.Sessions().FindByTokenMatch(ctx,
		payload.SessionID, payload.Challenge, s.Codec.HashForStorage(token))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("handoff session lookup failed", "error", err)
		}
		return PollResult{Status: PollNotFound}, nil
	}

	now := s.now()
	if !now.Before(s.deadline(session)) {
		if !session.Status.Terminal() {
			if _, err := s.Store.Sessions().Expire(ctx, session.ID); err != nil {
				log.Error("failed to expire handoff session", "session_id", session.ID, "error", err)
			}
		}
		return PollResult{Status: PollExpired}, nil
	}

	switch session.Status {
	case domain.StatusPending:
		return PollResult{Status: PollPending}, nil

	case domain.StatusExpired:
		return PollResult{Status: PollExpired}, nil

	case domain.StatusConsumed:
		return PollResult{Status: PollConsumed}, nil
	}

	// Approved: the credential comes from the pre-update snapshot, and the
	// clearing write is the same conditional update that flips the status.
	// Exactly one concurrent poller can win it.
	var credential string
	if session.BoundCredential != nil {
		credential = *session.BoundCredential
	}

	ok, err := s.Store.Sessions().Consume(ctx, session.ID)
	if err != nil {
		// The consuming write failed outright; the credential is still
		// claimable, so tell the poller nothing and let it retry.
		log.Error("failed to consume handoff session", "session_id", session.ID, "error", err)
		return PollResult{Status: PollNotFound}, nil
	}
	if !ok {
		// Lost the consume race. Not an error; this caller is simply told
		// there is nothing to claim.
		return PollResult{Status: PollPending}, nil
	}

	log.Info("handoff session consumed", "session_id", session.ID)

	return PollResult{Status: PollApproved, Credential: credential}, nil
}

// deadline returns the effective cutoff for the session: its fixed
// expiry, tightened to approvedAt + PickupTTL once approved.
func (s *SessionService) deadline(session domain.AuthSession) time.Time {
	d := session.ExpiresAt
	if session.Status == domain.StatusApproved && session.ApprovedAt != nil {
		if pickup := session.ApprovedAt.Add(s.pickupTTL()); pickup.Before(d) {
			d = pickup
		}
	}
	return d
}

func (s *SessionService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SessionService) createTTL() time.Duration {
	if s.CreateTTL > 0 {
		return s.CreateTTL
	}
	return DefaultCreateTTL
}

func (s *SessionService) pickupTTL() time.Duration {
	if s.PickupTTL > 0 {
		return s.PickupTTL
	}
	return DefaultPickupTTL
}

func (s *SessionService) createPolicy() ratex.Policy {
	if s.CreatePolicy.MaxHits > 0 {
		return s.CreatePolicy
	}
	return DefaultCreatePolicy
}

func (s *SessionService) exchangePolicy() ratex.Policy {
	if s.ExchangePolicy.MaxHits > 0 {
		return s.ExchangePolicy
	}
	return DefaultExchangePolicy
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
