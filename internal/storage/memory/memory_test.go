package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.UpsertUser(context.Background(), id, id+"@example.com", "", t0)
	require.NoError(t, err)
}

func TestUpsertUser(t *testing.T) {
	ctx := context.Background()
	s := New()

	u, err := s.UpsertUser(ctx, "sub-1", "a@example.com", "Alice", t0)
	require.NoError(t, err)
	assert.Equal(t, t0, u.CreatedAt)
	assert.Equal(t, t0, u.LastLogin)

	later := t0.Add(time.Hour)
	u, err = s.UpsertUser(ctx, "sub-1", "changed@example.com", "Other", later)
	require.NoError(t, err)
	assert.Equal(t, t0, u.CreatedAt)
	assert.Equal(t, later, u.LastLogin)
	assert.Equal(t, "a@example.com", u.Email)
	assert.Equal(t, "Alice", u.DisplayName)

	_, err = s.UpsertUser(ctx, "sub-2", "a@example.com", "", later)
	assert.ErrorIs(t, err, storage.ErrEmailTaken)

	byEmail, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", byEmail.SubjectID)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateSession_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1")

	for i := range 10 {
		_, err := s.CreateSession(ctx, &models.Session{
			ID:        fmt.Sprintf("s%02d", i),
			UserID:    "u1",
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}, 10)
		require.NoError(t, err)
	}

	evicted, err := s.CreateSession(ctx, &models.Session{ID: "s10", UserID: "u1", CreatedAt: t0.Add(time.Hour)}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"s00"}, evicted)

	list, err := s.ListSessionsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 10)
	assert.Equal(t, "s01", list[0].ID)
	assert.Equal(t, "s10", list[9].ID)

	_, err = s.GetSession(ctx, "s00")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateSession_UnknownUser(t *testing.T) {
	_, err := New().CreateSession(context.Background(), &models.Session{ID: "s", UserID: "nobody"}, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateSession_ConcurrentCapHolds(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1")

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateSession(ctx, &models.Session{
				ID:        fmt.Sprintf("s%02d", i),
				UserID:    "u1",
				CreatedAt: t0,
			}, 10)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := s.ListSessionsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 10)
}

func TestUpdateSessionTokens_Conditional(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1")

	_, err := s.CreateSession(ctx, &models.Session{
		ID:                    "s1",
		UserID:                "u1",
		EncryptedAccessToken:  []byte("a1"),
		EncryptedRefreshToken: []byte("r1"),
		ExpiresAt:             t0,
		CreatedAt:             t0,
	}, 10)
	require.NoError(t, err)

	next := t0.Add(time.Hour)
	require.NoError(t, s.UpdateSessionTokens(ctx, "s1", []byte("a2"), []byte("r2"), next, t0))

	err = s.UpdateSessionTokens(ctx, "s1", []byte("a3"), []byte("r3"), next.Add(time.Hour), t0)
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("a2"), got.EncryptedAccessToken)
	assert.Equal(t, []byte("r2"), got.EncryptedRefreshToken)
	assert.Equal(t, next, got.ExpiresAt)

	err = s.UpdateSessionTokens(ctx, "gone", nil, nil, next, t0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimSessionRefresh(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1")

	_, err := s.CreateSession(ctx, &models.Session{
		ID:                    "s1",
		UserID:                "u1",
		EncryptedAccessToken:  []byte("a1"),
		EncryptedRefreshToken: []byte("r1"),
		ExpiresAt:             t0,
		CreatedAt:             t0,
	}, 10)
	require.NoError(t, err)

	lease := t0.Add(time.Minute)
	require.NoError(t, s.ClaimSessionRefresh(ctx, "s1", t0, t0, lease))
	assert.ErrorIs(t, s.ClaimSessionRefresh(ctx, "s1", t0, t0.Add(time.Second), lease), storage.ErrConflict)
	assert.ErrorIs(t, s.ClaimSessionRefresh(ctx, "s1", t0.Add(time.Hour), t0, lease), storage.ErrConflict)
	assert.ErrorIs(t, s.ClaimSessionRefresh(ctx, "gone", t0, t0, lease), storage.ErrNotFound)

	// an expired claim can be taken over
	require.NoError(t, s.ClaimSessionRefresh(ctx, "s1", t0, lease, lease.Add(time.Minute)))

	// landing the refresh releases the claim
	next := t0.Add(time.Hour)
	require.NoError(t, s.UpdateSessionTokens(ctx, "s1", []byte("a2"), []byte("r2"), next, t0))
	assert.NoError(t, s.ClaimSessionRefresh(ctx, "s1", next, t0, lease))
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1")

	for i, last := range []time.Time{t0.Add(-48 * time.Hour), t0.Add(-time.Hour)} {
		_, err := s.CreateSession(ctx, &models.Session{
			ID:           fmt.Sprintf("s%d", i),
			UserID:       "u1",
			CreatedAt:    last,
			LastActivity: last,
		}, 10)
		require.NoError(t, err)
	}

	require.NoError(t, s.TouchSession(ctx, "s1", t0))
	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, t0, got.LastActivity)

	n, err := s.DeleteInactiveSessions(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	require.NoError(t, s.DeleteSession(ctx, "s1"))
	require.NoError(t, s.DeleteSession(ctx, "never-existed"))

	assert.ErrorIs(t, s.TouchSession(ctx, "s1", t0), storage.ErrNotFound)
}

func TestGetSession_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedUser(t, s, "u1")

	_, err := s.CreateSession(ctx, &models.Session{ID: "s1", UserID: "u1", EncryptedAccessToken: []byte("abc")}, 10)
	require.NoError(t, err)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	got.EncryptedAccessToken[0] = 'X'

	again, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.EncryptedAccessToken)
}

func TestClients(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i, p := range []models.Platform{models.PlatformIOS, models.PlatformCLI, models.PlatformIOS} {
		require.NoError(t, s.CreateClient(ctx, &models.DynamicClient{
			ClientID:     fmt.Sprintf("client_%d", i),
			Platform:     p,
			RedirectURIs: []string{"app://cb"},
			CreatedAt:    t0.Add(time.Duration(i) * time.Minute),
			ExpiresAt:    t0.Add(time.Duration(i) * time.Hour),
		}))
	}
	assert.ErrorIs(t, s.CreateClient(ctx, &models.DynamicClient{ClientID: "client_0"}), storage.ErrAlreadyExists)

	ios, err := s.ListClients(ctx, models.PlatformIOS)
	require.NoError(t, err)
	require.Len(t, ios, 2)
	assert.Equal(t, "client_2", ios[0].ClientID)

	all, err := s.ListClients(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.TouchClient(ctx, "client_1", t0))
	c, err := s.GetClient(ctx, "client_1")
	require.NoError(t, err)
	require.NotNil(t, c.LastUsed)
	assert.Equal(t, t0, *c.LastUsed)

	n, err := s.DeleteExpiredClients(ctx, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.DeleteExpiredClients(ctx, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.DeleteClient(ctx, "client_2"))
	assert.ErrorIs(t, s.DeleteClient(ctx, "client_2"), storage.ErrNotFound)
}
