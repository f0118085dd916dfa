package timestamp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Lifecycle(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	s.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local) }
	ctx := context.Background()

	assert.False(t, s.Running())
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Running())
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyRunning)

	c := NewClient("http://"+s.Addr(), time.Second, nil)
	got, err := c.CurrentTimestamp(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-06 07:08:09", got)

	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Running())
	assert.ErrorIs(t, s.Stop(ctx), ErrNotRunning)

	// restartable
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestClient_ServerDown(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 100*time.Millisecond, nil)

	_, err := c.CurrentTimestamp(context.Background())

	assert.Error(t, err)
}

func TestClient_BadResponses(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"timestamp":`))
		},
		"wrong layout": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"timestamp":"2024-05-06T07:08:09Z"}`))
		},
	}

	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second, srv.Client()).CurrentTimestamp(context.Background())

			assert.Error(t, err)
		})
	}
}
