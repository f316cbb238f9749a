package community

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.CommunityConfig{BaseURL: server.URL + "/", APIKey: "secret", Timeout: timeout}, zap.NewNop())
}

func TestFetchMapsUserFields(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/42" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42,"username":"ada","country":"Germany","registeredAt":"2023-05-01T10:00:00Z","customFields":{"Company":"Acme GmbH"}}`))
	}, time.Second)

	meta, err := client.Fetch(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "Germany", meta.Country)
	assert.Equal(t, "Acme GmbH", meta.Company)
	require.NotNil(t, meta.JoinedAt)
	assert.Equal(t, time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC), *meta.JoinedAt)
}

func TestFetchNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, time.Second)

	_, err := client.Fetch(context.Background(), "missing")
	require.True(t, errors.Is(err, ErrUserNotFound))
}

func TestFetchServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, time.Second)

	_, err := client.Fetch(context.Background(), "42")
	require.Error(t, err)
}

func TestFetchTimesOut(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	start := time.Now()
	_, err := client.Fetch(context.Background(), "42")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestJoinDateLayouts(t *testing.T) {
	u := &User{JoinedAt: "2024-02-29"}
	require.NotNil(t, u.JoinDate())
	assert.Equal(t, 2024, u.JoinDate().Year())

	u = &User{Registered: "2021-07-04 08:30:00"}
	require.NotNil(t, u.JoinDate())
	assert.Equal(t, time.July, u.JoinDate().Month())

	u = &User{JoinedAt: "yesterday"}
	assert.Nil(t, u.JoinDate())
}

func TestFieldFallsBackToAttributes(t *testing.T) {
	u := &User{JobTitle: "CTO", CustomFields: map[string]interface{}{"Country": "Chile"}}
	assert.Equal(t, "CTO", u.Field("Job Title"))
	assert.Equal(t, "Chile", u.Field("Country"))
	assert.Empty(t, u.Field("Company"))
}
