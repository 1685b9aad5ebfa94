package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookEvent_Unmarshal(t *testing.T) {
	var ev WebhookEvent
	body := `{"runId":"r1","status":"success","liveStatus":"Saving","progress":0.9,
		"outputs":[{"data":{"images":[{"url":"https://x/1.png","filename":"1.png","type":"output"},{"url":""}]}},{"data":{"images":[{"url":"https://x/2.png"}]}}]}`
	require.NoError(t, json.Unmarshal([]byte(body), &ev))

	assert.Equal(t, "r1", ev.RunID)
	assert.Equal(t, "Saving", ev.LiveStatus)
	assert.InDelta(t, 0.9, ev.Progress, 1e-9)
	assert.Equal(t, []string{"https://x/1.png", "https://x/2.png"}, ev.ImageURLs())
	assert.True(t, ev.IsTerminal())

	var snake WebhookEvent
	require.NoError(t, json.Unmarshal([]byte(`{"run_id":"r2","status":"running"}`), &snake))
	assert.Equal(t, "r2", snake.RunID)
	assert.False(t, snake.IsTerminal())
	assert.Equal(t, []string{}, snake.ImageURLs())
}

func TestWebhookStore_Versions(t *testing.T) {
	store := NewWebhookStore(time.Minute, time.Minute)

	first := store.Put(WebhookEvent{RunID: "r1", Status: "queued"})
	second := store.Put(WebhookEvent{RunID: "r1", Status: "running"})
	other := store.Put(WebhookEvent{RunID: "r2", Status: "queued"})

	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, int64(1), other.Version)
	assert.False(t, second.ReceivedAt.IsZero())
	assert.Equal(t, 2, store.Count())

	got, ok := store.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "running", got.Status)

	store.Evict("r1")
	_, ok = store.Get("r1")
	assert.False(t, ok)
	assert.Equal(t, 1, store.Count())
}

func TestWebhookStore_Expires(t *testing.T) {
	store := NewWebhookStore(10*time.Millisecond, 5*time.Millisecond)
	store.Put(WebhookEvent{RunID: "r1", Status: "queued"})

	assert.Eventually(t, func() bool {
		_, ok := store.Get("r1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
