package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRoomIsStablePerPair(t *testing.T) {
	l := NewLocal(nil)
	ctx := context.Background()
	h1, err := l.AllocateRoom(ctx, "explorer-1", "as-1")
	require.NoError(t, err)
	h2, err := l.AllocateRoom(ctx, "as-1", "explorer-1")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	other, err := l.AllocateRoom(ctx, "explorer-1", "as-2")
	require.NoError(t, err)
	assert.NotEqual(t, h1, other)

	_, err = l.AllocateRoom(ctx, "", "as-1")
	assert.Error(t, err)
}

func TestLocalRecordsMessages(t *testing.T) {
	l := NewLocal(nil)
	require.NoError(t, l.NotifyRoom(context.Background(), "room_x", "hello"))
	assert.Equal(t, []string{"hello"}, l.Messages("room_x"))
	assert.Empty(t, l.Messages("room_y"))
}

func TestHTTPMessenger(t *testing.T) {
	var posted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Path {
		case "/rooms":
			assert.Equal(t, []any{"a", "b"}, body["participants"])
			_ = json.NewEncoder(w).Encode(map[string]string{"handle": "room-42"})
		case "/rooms/room-42/messages":
			posted = append(posted, body["text"].(string))
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "nope", http.StatusTeapot)
		}
	}))
	defer srv.Close()

	m := NewHTTPMessenger(srv.URL+"/", "tok", time.Second)
	ctx := context.Background()
	handle, err := m.AllocateRoom(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, "room-42", handle)
	require.NoError(t, m.NotifyRoom(ctx, handle, "connected"))
	assert.Equal(t, []string{"connected"}, posted)

	err = m.NotifyRoom(ctx, "missing", "x")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTeapot, se.StatusCode)
}
