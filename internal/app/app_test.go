package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servimatch/internal/chat"
	"servimatch/internal/clock"
	"servimatch/internal/domain"
	"servimatch/internal/engine"
	"servimatch/internal/migrate"
)

func TestOpenWiresDefaults(t *testing.T) {
	ws := t.TempDir()
	clk := clock.Fake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	a, err := Open(context.Background(), Options{Workspace: ws, Clock: clk})
	require.NoError(t, err)
	defer a.Close()

	v, err := migrate.Version(context.Background(), a.DB)
	require.NoError(t, err)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	_, local := a.Engine.Chat.(*chat.Local)
	assert.True(t, local, "no chat endpoint selects the local allocator")
	assert.Equal(t, 7*24*time.Hour, a.Config.Policy.ReviewWindow)

	req, err := a.Engine.CreateRequest(context.Background(), "explorer-1", engine.RequestSpec{
		CategoryID: "plumbing", Locality: "north", Urgency: domain.UrgencyHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-04T09:00:00Z", req.ExpiresAt)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	yml := "policy:\n  review_window: 48h\nchat:\n  endpoint: http://chat.internal/api\n"
	require.NoError(t, os.WriteFile(filepath.Join(ws, "servimatch.yml"), []byte(yml), 0o644))

	a, err := Open(context.Background(), Options{Workspace: ws})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, 48*time.Hour, a.Config.Policy.ReviewWindow)
	assert.Equal(t, 3, a.Config.Policy.MaxReminders)
	_, remote := a.Engine.Chat.(*chat.HTTPMessenger)
	assert.True(t, remote)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  review_window: 0s\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), ConfigPath: path})
	assert.ErrorContains(t, err, "review_window")
}
