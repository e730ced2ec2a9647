package app

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenPearsey/vaportal-sub001/internal/config"
	"github.com/BenPearsey/vaportal-sub001/internal/notify"
)

func TestGatewaysKeepPerHookTimeouts(t *testing.T) {
	cfg := config.Default()
	off := false
	cfg.Notifications.Webhooks = []config.Webhook{
		{URL: "http://hooks.local/slow", TimeoutSeconds: 90},
		{URL: "http://hooks.local/off", Enabled: &off},
	}

	chain, ok := Gateways(cfg, nil).(notify.Multi)
	require.True(t, ok)
	require.Len(t, chain, 2)
	hook, ok := chain[1].(notify.WebhookGateway)
	require.True(t, ok)
	assert.Nil(t, hook.Client, "each hook builds a client from its own timeout")
	require.Len(t, hook.Hooks, 1)
	assert.Equal(t, 90, hook.Hooks[0].TimeoutSeconds)
}

func TestGatewaysWithoutHooks(t *testing.T) {
	chain, ok := Gateways(config.Default(), nil).(notify.Multi)
	require.True(t, ok)
	require.Len(t, chain, 1)
	_, isLog := chain[0].(notify.LogGateway)
	assert.True(t, isLog)
}

func TestInitAndOpenWorkspace(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	wrote, err := Init(ctx, dir)
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = Init(ctx, dir)
	require.NoError(t, err)
	assert.False(t, wrote, "existing config is kept")

	var logs bytes.Buffer
	ws, err := OpenWorkspace(ctx, dir, Options{LogOutput: &logs})
	require.NoError(t, err)
	defer ws.Close()
	assert.NotNil(t, ws.Engine.Docs)
	assert.Equal(t, config.Default().Uploads.MaxFiles, ws.Config.Uploads.MaxFiles)
}
