package beebot

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, token string) (*API, *BeeBot) {
	t.Helper()
	config := DefaultConfig()
	config.API.Token = token

	b := &BeeBot{
		config:    config,
		logger:    slog.Default(),
		startedAt: time.Now(),
	}
	b.discord = newDiscord(config.Discord)
	b.discord.logger = slog.Default()
	b.scheduler = NewReminderScheduler(
		NewMemoryStore(),
		NotifierFunc(
			func(context.Context, string, string) error {
				return nil
			},
		),
		config.Reminders,
		nil,
	)
	t.Cleanup(b.scheduler.Stop)

	api := newAPI(b, config.API)
	b.api = api
	return api, b
}

func TestAPIHealthCheck(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t, "hunter2")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, apiPathHealth, nil)
	api.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestAPIStatusRequiresToken(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t, "hunter2")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, apiPathStatus, nil)
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, apiPathStatus, nil)
	req.Header.Set("Authorization", "Bearer wrong")
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, apiPathStatus, nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var status botStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Paused)
	assert.False(t, status.DiscordConnected)
	assert.Zero(t, status.RemindersArmed)
}

func TestAPIRejectsAllWhenTokenUnset(t *testing.T) {
	t.Parallel()
	api, _ := newTestAPI(t, "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, apiPathStatus, nil)
	req.Header.Set("Authorization", "Bearer anything")
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPIPauseResume(t *testing.T) {
	t.Parallel()
	api, bot := newTestAPI(t, "hunter2")

	do := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Authorization", "Bearer hunter2")
		api.engine.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do(apiPathPause).Code)
	assert.True(t, bot.paused.Load())

	// pausing twice is reported, not an error
	assert.Equal(t, http.StatusOK, do(apiPathPause).Code)

	assert.Equal(t, http.StatusOK, do(apiPathResume).Code)
	assert.False(t, bot.paused.Load())
}
