package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/aussiebroadwan/handoff/internal/handoff/domain"
	"github.com/aussiebroadwan/handoff/internal/handoff/store"
	"github.com/aussiebroadwan/handoff/pkg/idx"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.ApplyMigrations())
	return st
}

func pendingSession(ttl time.Duration) domain.AuthSession {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.AuthSession{
		ID:            idx.New().String(),
		Challenge:     "challenge-" + idx.New().String(),
		TokenHash:     "hash-" + idx.New().String(),
		Status:        domain.StatusPending,
		IPAddress:     "203.0.113.7",
		UserAgentHint: "Mozilla/5.0",
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	sess := pendingSession(2 * time.Minute)
	require.NoError(t, st.Sessions().Insert(ctx, sess))

	err := st.Sessions().Insert(ctx, sess)
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestFindByTokenMatchRequiresAllThreeFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	sess := pendingSession(2 * time.Minute)
	require.NoError(t, st.Sessions().Insert(ctx, sess))

	t.Run("full triple matches", func(t *testing.T) {
		got, err := st.Sessions().FindByTokenMatch(ctx, sess.ID, sess.Challenge, sess.TokenHash)
		require.NoError(t, err)
		require.Equal(t, sess.ID, got.ID)
		require.Equal(t, domain.StatusPending, got.Status)
		require.Nil(t, got.BoundCredential)
	})

	// Wrong challenge, wrong hash and unknown id are all the same ErrNotFound.
	t.Run("wrong challenge", func(t *testing.T) {
		_, err := st.Sessions().FindByTokenMatch(ctx, sess.ID, "other-challenge", sess.TokenHash)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("wrong token hash", func(t *testing.T) {
		_, err := st.Sessions().FindByTokenMatch(ctx, sess.ID, sess.Challenge, "other-hash")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := st.Sessions().FindByTokenMatch(ctx, idx.New().String(), sess.Challenge, sess.TokenHash)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestApproveIsConditionalOnPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	sess := pendingSession(2 * time.Minute)
	require.NoError(t, st.Sessions().Insert(ctx, sess))

	approval := domain.Approval{
		Credential:        `{"access":"a","refresh":"r"}`,
		ApproverIdentity:  "staff:42",
		DeviceFingerprint: "fp-1",
		IPAddress:         "198.51.100.9",
	}

	ok, err := st.Sessions().Approve(ctx, sess.ID, approval, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	got, err := st.Sessions().FindByTokenMatch(ctx, sess.ID, sess.Challenge, sess.TokenHash)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, got.Status)
	require.NotNil(t, got.BoundCredential)
	require.Equal(t, approval.Credential, *got.BoundCredential)
	require.Equal(t, "staff:42", got.ApproverIdentity)
	require.NotNil(t, got.ApprovedAt)

	// Second approval loses the compare-and-swap.
	ok, err = st.Sessions().Approve(ctx, sess.ID, approval, time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConsumeClearsCredentialExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	sess := pendingSession(2 * time.Minute)
	require.NoError(t, st.Sessions().Insert(ctx, sess))

	ok, err := st.Sessions().Consume(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok, "pending sessions must not be consumable")

	_, err = st.Sessions().Approve(ctx, sess.ID, domain.Approval{Credential: "cred"}, time.Now())
	require.NoError(t, err)

	ok, err = st.Sessions().Consume(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := st.Sessions().FindByTokenMatch(ctx, sess.ID, sess.Challenge, sess.TokenHash)
	require.NoError(t, err)
	require.Equal(t, domain.StatusConsumed, got.Status)
	require.Nil(t, got.BoundCredential)

	ok, err = st.Sessions().Consume(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExpireFromPendingAndApprovedOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	t.Run("pending expires", func(t *testing.T) {
		sess := pendingSession(time.Minute)
		require.NoError(t, st.Sessions().Insert(ctx, sess))

		ok, err := st.Sessions().Expire(ctx, sess.ID)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := st.Sessions().FindByTokenMatch(ctx, sess.ID, sess.Challenge, sess.TokenHash)
		require.NoError(t, err)
		require.Equal(t, domain.StatusExpired, got.Status)
	})

	t.Run("approved expires and credential is cleared", func(t *testing.T) {
		sess := pendingSession(time.Minute)
		require.NoError(t, st.Sessions().Insert(ctx, sess))

		_, err := st.Sessions().Approve(ctx, sess.ID, domain.Approval{Credential: "cred"}, time.Now())
		require.NoError(t, err)

		ok, err := st.Sessions().Expire(ctx, sess.ID)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := st.Sessions().FindByTokenMatch(ctx, sess.ID, sess.Challenge, sess.TokenHash)
		require.NoError(t, err)
		require.Equal(t, domain.StatusExpired, got.Status)
		require.Nil(t, got.BoundCredential)
	})

	t.Run("terminal rows stay terminal", func(t *testing.T) {
		sess := pendingSession(time.Minute)
		require.NoError(t, st.Sessions().Insert(ctx, sess))

		_, err := st.Sessions().Approve(ctx, sess.ID, domain.Approval{Credential: "cred"}, time.Now())
		require.NoError(t, err)
		_, err = st.Sessions().Consume(ctx, sess.ID)
		require.NoError(t, err)

		ok, err := st.Sessions().Expire(ctx, sess.ID)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestDeleteExpiredSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	old := pendingSession(-time.Hour)
	live := pendingSession(time.Hour)
	require.NoError(t, st.Sessions().Insert(ctx, old))
	require.NoError(t, st.Sessions().Insert(ctx, live))

	require.NoError(t, st.Sessions().DeleteExpiredSessions(ctx, time.Now()))

	_, err := st.Sessions().FindByTokenMatch(ctx, old.ID, old.Challenge, old.TokenHash)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.Sessions().FindByTokenMatch(ctx, live.ID, live.Challenge, live.TokenHash)
	require.NoError(t, err)
}
