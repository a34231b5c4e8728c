package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AlmaLinux/astra-elections/pkg/eligibility"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:                 baseURL,
		RequestTimeout:          2 * time.Second,
		BreakerFailureThreshold: 3,
		BreakerCooldown:         time.Minute,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return client
}

func TestClientGroup(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/groups/voters", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"voters","members":["alice","bob"],"member_groups":["contributors"]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	group, err := client.Group(context.Background(), "Voters")
	require.NoError(t, err)
	assert.Equal(t, "voters", group.Name)
	assert.Equal(t, []string{"alice", "bob"}, group.Members)
	assert.Equal(t, []string{"contributors"}, group.MemberGroups)

	// Second lookup is served from cache.
	_, err = client.Group(context.Background(), "voters")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	client.Purge()
	_, err = client.Group(context.Background(), "voters")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientGroupNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.Group(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.ErrorIs(t, err, eligibility.ErrMisconfigured)
	assert.NotErrorIs(t, err, eligibility.ErrProviderUnavailable)
}

func TestClientServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.Group(context.Background(), "voters")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, eligibility.ErrProviderUnavailable)
}

func TestClientSubjects(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/users", r.URL.Path)
		_, _ = w.Write([]byte(`{"users":["alice","bob","carol"]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	subjects, err := client.Subjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, subjects)

	_, err = client.Subjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientBreakerFailsFastAfterThreshold(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Group(ctx, "voters")
		require.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, int32(3), hits.Load())

	// The breaker is open now: no further requests reach the server.
	_, err := client.Group(ctx, "voters")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, eligibility.ErrProviderUnavailable)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientBreakerClosesAfterCooldown(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"name":"voters","members":[],"member_groups":[]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Group(ctx, "voters")
		require.Error(t, err)
	}
	require.False(t, client.breaker.allow())

	// Move the clock past the cooldown; the server has recovered.
	client.breaker.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	fail.Store(false)

	group, err := client.Group(ctx, "voters")
	require.NoError(t, err)
	assert.Equal(t, "voters", group.Name)
	assert.True(t, client.breaker.allow())
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
