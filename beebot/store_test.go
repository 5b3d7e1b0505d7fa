package beebot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "a:1", "one"))
	require.NoError(t, store.Set(ctx, "a:2", "two"))
	require.NoError(t, store.Set(ctx, "b:1", "three"))

	value, found, err := store.Get(ctx, "a:1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "one", value)

	keys, err := store.Scan(ctx, "a:")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "a:2"}, keys)

	existed, err := store.Delete(ctx, "a:1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.Delete(ctx, "a:1")
	require.NoError(t, err)
	assert.False(t, existed)

	require.NoError(t, store.Set(ctx, "a:2", "updated"))
	value, found, err = store.Get(ctx, "a:2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "updated", value)
}

func TestSettingsConsent(t *testing.T) {
	t.Parallel()
	settings := NewSettings(NewMemoryStore(), nil)
	ctx := context.Background()

	// default is opted out
	assert.False(t, settings.ConsentEnabled(ctx, "user1"))

	require.NoError(t, settings.SetConsent(ctx, "user1", true))
	assert.True(t, settings.ConsentEnabled(ctx, "user1"))
	assert.False(t, settings.ConsentEnabled(ctx, "user2"))

	require.NoError(t, settings.SetConsent(ctx, "user1", false))
	assert.False(t, settings.ConsentEnabled(ctx, "user1"))
}

func TestSettingsAutoReply(t *testing.T) {
	t.Parallel()
	settings := NewSettings(NewMemoryStore(), nil)
	ctx := context.Background()

	assert.False(t, settings.AutoReplyEnabled(ctx, "chan1"))

	require.NoError(t, settings.SetAutoReply(ctx, "chan1", true))
	assert.True(t, settings.AutoReplyEnabled(ctx, "chan1"))

	require.NoError(t, settings.SetAutoReply(ctx, "chan1", false))
	assert.False(t, settings.AutoReplyEnabled(ctx, "chan1"))

	// disabling a channel that was never enabled is fine
	require.NoError(t, settings.SetAutoReply(ctx, "chan2", false))
}

func TestSettingsGuildChannels(t *testing.T) {
	t.Parallel()
	settings := NewSettings(NewMemoryStore(), nil)
	ctx := context.Background()

	assert.Empty(t, settings.GuildChannelID(ctx, "guild1", guildChannelErrors))

	require.NoError(
		t,
		settings.SetGuildChannelID(ctx, "guild1", guildChannelErrors, "123"),
	)
	require.NoError(
		t,
		settings.SetGuildChannelID(ctx, "guild1", guildChannelVersion, "456"),
	)

	assert.Equal(t, "123", settings.GuildChannelID(ctx, "guild1", guildChannelErrors))
	assert.Equal(t, "456", settings.GuildChannelID(ctx, "guild1", guildChannelVersion))
	assert.Empty(t, settings.GuildChannelID(ctx, "guild2", guildChannelErrors))
}

func TestSettingsAnnouncedVersion(t *testing.T) {
	t.Parallel()
	settings := NewSettings(NewMemoryStore(), nil)
	ctx := context.Background()

	assert.Empty(t, settings.LastAnnouncedVersion(ctx, "guild1"))

	require.NoError(t, settings.SetLastAnnouncedVersion(ctx, "guild1", "1.2.0"))
	assert.Equal(t, "1.2.0", settings.LastAnnouncedVersion(ctx, "guild1"))
	assert.Empty(t, settings.LastAnnouncedVersion(ctx, "guild2"))
}
