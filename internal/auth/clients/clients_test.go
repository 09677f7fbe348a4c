package clients

import (
	"context"
	"testing"
	"time"

	"github.com/brizzai/task-mcp/internal/auth/autherr"
	"github.com/brizzai/task-mcp/internal/auth/encryption"
	"github.com/brizzai/task-mcp/internal/auth/models"
	"github.com/brizzai/task-mcp/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *memory.Store, *time.Time) {
	t.Helper()
	c, err := encryption.New("clients-test-secret-clients-test-secret")
	require.NoError(t, err)

	store := memory.New()
	r := NewRegistry(store, c, 0)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, store, &now
}

func TestRegister_IOSClient(t *testing.T) {
	r, store, now := newTestRegistry(t)
	ctx := context.Background()

	reg, err := r.Register(ctx, "ios", []string{"com.example.app://cb"}, "Example")
	require.NoError(t, err)

	assert.NotEmpty(t, reg.ClientID)
	assert.Regexp(t, `^client_[0-9a-f]{32}$`, reg.ClientID)
	assert.NotEmpty(t, reg.ClientSecret)
	assert.Equal(t, models.PlatformIOS, reg.Platform)
	assert.Equal(t, now.Add(30*24*time.Hour), reg.ExpiresAt)

	stored, err := store.GetClient(ctx, reg.ClientID)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.ClientSecret), reg.ClientSecret)

	info, err := r.Get(ctx, reg.ClientID)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.app://cb"}, info.RedirectURIs)
}

func TestRegister_Validation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		platform string
		uris     []string
	}{
		{"unknown platform", "symbian", []string{"https://example.com/cb"}},
		{"no uris", "ios", nil},
		{"too many uris", "web", []string{
			"https://a.example/cb", "https://b.example/cb", "https://c.example/cb",
			"https://d.example/cb", "https://e.example/cb", "https://f.example/cb",
		}},
		{"plain http", "web", []string{"http://example.com/cb"}},
		{"relative", "web", []string{"/cb"}},
		{"javascript", "web", []string{"javascript://alert(1)"}},
		{"custom without slashes", "ios", []string{"myapp:cb"}},
		{"fragment", "web", []string{"https://example.com/cb#frag"}},
		{"https without host", "web", []string{"https:///cb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(ctx, tt.platform, tt.uris, "")
			assert.ErrorIs(t, err, autherr.ErrValidation)
		})
	}
}

func TestValidateRedirectURIs_Accepted(t *testing.T) {
	for _, uri := range []string{
		"https://app.example.com/oauth/cb",
		"http://localhost:5173/cb",
		"http://127.0.0.1/cb",
		"http://[::1]:8080/cb",
		"com.example.app://cb",
		"myapp://oauth/callback",
	} {
		assert.NoError(t, ValidateRedirectURIs([]string{uri}), uri)
	}
}

func TestValidate(t *testing.T) {
	r, _, now := newTestRegistry(t)
	ctx := context.Background()

	reg, err := r.Register(ctx, "android", []string{"com.example.app://cb"}, "")
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	client, err := r.Validate(ctx, reg.ClientID, reg.ClientSecret)
	require.NoError(t, err)
	require.NotNil(t, client.LastUsed)
	assert.Equal(t, *now, *client.LastUsed)

	stored, err := r.Get(ctx, reg.ClientID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsed)

	_, err = r.Validate(ctx, reg.ClientID, "wrong")
	assert.ErrorIs(t, err, autherr.ErrInvalidClient)

	_, err = r.Validate(ctx, "client_unknown", reg.ClientSecret)
	assert.ErrorIs(t, err, autherr.ErrInvalidClient)

	*now = reg.ExpiresAt
	_, err = r.Validate(ctx, reg.ClientID, reg.ClientSecret)
	assert.ErrorIs(t, err, autherr.ErrInvalidClient)
}

func TestValidateRedirectURI(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	reg, err := r.Register(ctx, "desktop", []string{"http://localhost:3000/cb", "myapp://cb"}, "")
	require.NoError(t, err)

	_, err = r.ValidateRedirectURI(ctx, reg.ClientID, "myapp://cb")
	assert.NoError(t, err)

	_, err = r.ValidateRedirectURI(ctx, reg.ClientID, "myapp://cb/")
	assert.ErrorIs(t, err, autherr.ErrValidation)

	_, err = r.ValidateRedirectURI(ctx, "client_missing", "myapp://cb")
	assert.ErrorIs(t, err, autherr.ErrInvalidClient)
}

func TestListRevokeSweep(t *testing.T) {
	r, _, now := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, "ios", []string{"a://cb"}, "")
	require.NoError(t, err)
	*now = now.Add(24 * time.Hour)
	second, err := r.Register(ctx, "cli", []string{"http://localhost/cb"}, "")
	require.NoError(t, err)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ClientID, all[0].ClientID)

	ios, err := r.List(ctx, models.PlatformIOS)
	require.NoError(t, err)
	require.Len(t, ios, 1)
	assert.Equal(t, first.ClientID, ios[0].ClientID)

	*now = first.ExpiresAt.Add(time.Second)
	n, err := r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, r.Revoke(ctx, second.ClientID))
	assert.ErrorIs(t, r.Revoke(ctx, second.ClientID), autherr.ErrInvalidClient)
}
