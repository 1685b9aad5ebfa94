package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"print-studio/app/auth"
	"print-studio/app/config"
	"print-studio/app/database"
	"print-studio/app/logger"
	"print-studio/app/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testJWTSecret     = "test-secret"
	testWebhookSecret = "hook-secret"
)

// jobService 模拟任务服务：前 inProgress 次查询返回进行中，之后返回完成
type jobService struct {
	*httptest.Server
	inProgress int32
	polls      atomic.Int32
	runs       atomic.Int32
}

func newJobService(t *testing.T, inProgress int32) *jobService {
	js := &jobService{inProgress: inProgress}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /text/run_task", func(w http.ResponseWriter, r *http.Request) {
		js.runs.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task_id":"t-1"}`))
	})
	mux.HandleFunc("GET /text/task_status/{id}", func(w http.ResponseWriter, r *http.Request) {
		n := js.polls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n <= js.inProgress {
			_, _ = w.Write([]byte(`{"status":"IN_PROGRESS","completed_steps":1,"estimated_steps":4}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "COMPLETED",
			"image_urls": []string{js.URL + "/img/1.png"},
			"cost":       3,
		})
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	js.Server = httptest.NewServer(mux)
	t.Cleanup(js.Close)
	return js
}

type testEnv struct {
	srv  *Server
	db   *gorm.DB
	jobs *jobService
	jwt  *auth.JWTService
}

func newTestEnv(t *testing.T, inProgress int32) *testEnv {
	t.Helper()

	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})

	jobs := newJobService(t, inProgress)
	cfg := &config.Config{
		Server: config.ServerConfig{Port: "0", Mode: gin.TestMode},
		JWT:    config.JWTConfig{Secret: testJWTSecret, ExpireTime: 1, Issuer: "test"},
		Generation: config.GenerationConfig{
			Modes: map[string]config.EndpointConfig{
				"text": {Endpoint: jobs.URL + "/text", AuthToken: "tok"},
			},
			RequestTimeout: 5 * time.Second,
		},
		Poller: config.PollerConfig{Interval: 10 * time.Millisecond},
		Webhook: config.WebhookConfig{
			Secret:          testWebhookSecret,
			TTL:             time.Minute,
			CleanupInterval: time.Minute,
			StreamInterval:  10 * time.Millisecond,
		},
		Blob: config.BlobConfig{Dir: t.TempDir(), BaseURL: "/blobs", MaxUploadMB: 1},
	}

	srv := NewWithDB(cfg, logger.NewNop(), db)
	t.Cleanup(func() { _ = srv.client.Close() })

	return &testEnv{srv: srv, db: db, jobs: jobs, jwt: auth.NewJWTService(cfg.JWT)}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.jwt.GenerateToken(userID, userID+"@example.com")
	require.NoError(t, err)
	return token
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers ...string) (int, apiResponse) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t, 0)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGenerate_RequiresUser(t *testing.T) {
	env := newTestEnv(t, 0)

	code, resp := env.do(t, http.MethodPost, "/api/generate", "", map[string]any{
		"apiMode": "text",
		"payload": map[string]any{"inputs": map[string]any{}},
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Unauthorized", resp.Message)
	assert.Zero(t, env.jobs.runs.Load())
}

func TestGenerate_SubmitCreatesRecord(t *testing.T) {
	env := newTestEnv(t, 0)

	code, resp := env.do(t, http.MethodPost, "/api/generate", env.token(t, "u1"), map[string]any{
		"apiMode": "text",
		"payload": map[string]any{"inputs": map[string]any{"p": map[string]any{"title": "prompt", "value": "cat"}}},
	})
	require.Equal(t, http.StatusOK, code, resp.Message)

	var data struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "t-1", data.TaskID)
	assert.Equal(t, "CREATED", data.Status)

	var record model.Request
	require.NoError(t, env.db.Where("task_id = ?", "t-1").First(&record).Error)
	assert.Equal(t, "u1", record.UserID)
	assert.Equal(t, model.TaskStatusQueued, record.Status)
}

func TestGenerate_BuildsPayloadFromInput(t *testing.T) {
	env := newTestEnv(t, 0)

	code, _ := env.do(t, http.MethodPost, "/api/generate", env.token(t, "u1"), map[string]any{
		"apiMode": "text",
		"input":   map[string]any{"prompt": "cat", "parameters": map[string]any{"resolution": "512x768", "batchSize": 2}},
	})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int32(1), env.jobs.runs.Load())
}

func TestGenerate_BadRequests(t *testing.T) {
	env := newTestEnv(t, 0)
	token := env.token(t, "u1")

	code, resp := env.do(t, http.MethodPost, "/api/generate", token, map[string]any{"apiMode": "nope"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Missing endpoint or payload", resp.Message)

	code, _ = env.do(t, http.MethodPost, "/api/generate", token, map[string]any{
		"apiMode": "text",
		"input":   map[string]any{"prompt": "cat", "parameters": map[string]any{"resolution": "abc"}},
	})
	assert.Equal(t, http.StatusBadRequest, code)

	// 模式合法但未配置端点
	code, _ = env.do(t, http.MethodPost, "/api/generate", token, map[string]any{
		"apiMode": "upscale",
		"payload": map[string]any{"inputs": map[string]any{}},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Zero(t, env.jobs.runs.Load())
}

func TestGenerate_Status(t *testing.T) {
	env := newTestEnv(t, 1)
	token := env.token(t, "u1")

	code, resp := env.do(t, http.MethodGet, "/api/generate?apiMode=text", token, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Missing apiMode or task_id", resp.Message)

	code, _ = env.do(t, http.MethodPost, "/api/generate", token, map[string]any{
		"apiMode": "text",
		"payload": map[string]any{"inputs": map[string]any{}},
	})
	require.Equal(t, http.StatusOK, code)

	var snap struct {
		Progress  int      `json:"progress"`
		Status    string   `json:"normalized_status"`
		ImageURLs []string `json:"image_urls"`
	}

	code, resp = env.do(t, http.MethodGet, "/api/generate?apiMode=text&task_id=t-1", token, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	assert.Equal(t, 25, snap.Progress)
	assert.Equal(t, "IN_PROGRESS", snap.Status)

	code, resp = env.do(t, http.MethodGet, "/api/generate?apiMode=text&task_id=t-1", token, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &snap))
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, []string{env.jobs.URL + "/img/1.png"}, snap.ImageURLs)

	var record model.Request
	require.NoError(t, env.db.Where("task_id = ?", "t-1").First(&record).Error)
	assert.Equal(t, model.TaskStatusCompleted, record.Status)
	assert.Equal(t, int64(3), record.Cost)
}

func TestGenerate_EventsStream(t *testing.T) {
	env := newTestEnv(t, 1)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/generate/t-1/events?apiMode=text")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "event:progress")
	assert.Contains(t, text, "event:complete")
	assert.Contains(t, text, "/img/1.png")
	assert.Less(t, strings.Index(text, "event:progress"), strings.Index(text, "event:complete"))
}

func TestWebhook_Signature(t *testing.T) {
	env := newTestEnv(t, 0)
	body := []byte(`{"run_id":"r-1","status":"running"}`)

	code, resp := env.do(t, http.MethodPost, "/api/webhook", "", body, "X-Webhook-Signature", "sha256=00")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Invalid signature", resp.Message)

	code, _ = env.do(t, http.MethodPost, "/api/webhook", "", body, "X-Webhook-Signature", sign(body))
	assert.Equal(t, http.StatusOK, code)
}

func TestWebhook_MissingFields(t *testing.T) {
	env := newTestEnv(t, 0)
	body := []byte(`{"status":"running"}`)

	code, resp := env.do(t, http.MethodPost, "/api/webhook", "", body, "X-Webhook-Signature", sign(body))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Missing runId or status", resp.Message)
}

func TestWebhook_UpdatesRecordAndStreams(t *testing.T) {
	env := newTestEnv(t, 0)
	token := env.token(t, "u1")

	code, _ := env.do(t, http.MethodPost, "/api/generate", token, map[string]any{
		"apiMode": "text",
		"payload": map[string]any{"inputs": map[string]any{}},
	})
	require.Equal(t, http.StatusOK, code)

	body := []byte(`{"runId":"t-1","status":"success","outputs":[{"data":{"images":[{"url":"https://cdn/x.png"}]}}]}`)
	code, _ = env.do(t, http.MethodPost, "/api/webhook", "", body, "X-Webhook-Signature", sign(body))
	require.Equal(t, http.StatusOK, code)

	var record model.Request
	require.NoError(t, env.db.Where("task_id = ?", "t-1").First(&record).Error)
	assert.Equal(t, model.TaskStatusCompleted, record.Status)
	assert.Equal(t, 100, record.Progress)
	assert.Equal(t, []string{"https://cdn/x.png"}, record.Images())

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/webhook?runId=t-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	stream, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(stream), "event:message")
	assert.Contains(t, string(stream), "https://cdn/x.png")

	// 终态推送后缓存被清理
	_, ok := env.srv.webhooks.Get("t-1")
	assert.False(t, ok)
}

func TestWebhook_StreamRequiresRunID(t *testing.T) {
	env := newTestEnv(t, 0)
	code, _ := env.do(t, http.MethodGet, "/api/webhook", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebhook_UserCreated(t *testing.T) {
	env := newTestEnv(t, 0)
	payload := map[string]any{
		"data": map[string]any{
			"id":              "user_1",
			"email_addresses": []map[string]any{{"email_address": "a@example.com"}},
		},
	}

	code, resp := env.do(t, http.MethodPost, "/api/webhook/user-created", "", payload)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "User created successfully", resp.Message)

	code, _ = env.do(t, http.MethodPost, "/api/webhook/user-created", "", payload)
	assert.Equal(t, http.StatusOK, code)

	code, resp = env.do(t, http.MethodGet, "/api/me", env.token(t, "user_1"), nil)
	require.Equal(t, http.StatusOK, code)
	var user model.User
	require.NoError(t, json.Unmarshal(resp.Data, &user))
	assert.Equal(t, "a@example.com", user.Email)

	code, _ = env.do(t, http.MethodPost, "/api/webhook/user-created", "", map[string]any{"data": map[string]any{"id": "x"}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRequests_Protected(t *testing.T) {
	env := newTestEnv(t, 0)

	code, _ := env.do(t, http.MethodGet, "/api/requests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = env.do(t, http.MethodGet, "/api/requests", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRequests_ListGetUpdate(t *testing.T) {
	env := newTestEnv(t, 0)
	token := env.token(t, "u1")

	code, _ := env.do(t, http.MethodPost, "/api/generate", token, map[string]any{
		"apiMode": "text",
		"payload": map[string]any{"inputs": map[string]any{}},
	})
	require.Equal(t, http.StatusOK, code)

	code, resp := env.do(t, http.MethodGet, "/api/requests?page=1&page_size=10", token, nil)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		List  []map[string]any `json:"list"`
		Total int64            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.List, 1)
	assert.Equal(t, "t-1", page.List[0]["task_id"])

	code, _ = env.do(t, http.MethodGet, "/api/requests/t-1", env.token(t, "u2"), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = env.do(t, http.MethodPost, "/api/update-task", token, map[string]any{
		"taskId":    "t-1",
		"status":    "COMPLETED",
		"imageUrls": []string{"https://cdn/a.png"},
		"cost":      7,
	})
	require.Equal(t, http.StatusOK, code)
	var record map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &record))
	assert.Equal(t, "COMPLETED", record["status"])
	assert.Equal(t, float64(100), record["progress"])

	code, _ = env.do(t, http.MethodPost, "/api/update-task", token, map[string]any{"taskId": "missing", "status": "FAILED"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCheckImage(t *testing.T) {
	env := newTestEnv(t, 0)
	token := env.token(t, "u1")

	code, _ := env.do(t, http.MethodPost, "/api/generate", token, map[string]any{
		"apiMode": "text",
		"payload": map[string]any{"inputs": map[string]any{}},
	})
	require.Equal(t, http.StatusOK, code)

	code, resp := env.do(t, http.MethodPost, "/api/check-image", token, map[string]any{"taskId": "t-1"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "No image found", resp.Message)

	// 首张图片失效，触发重新查询
	code, _ = env.do(t, http.MethodPost, "/api/update-task", token, map[string]any{
		"taskId":    "t-1",
		"status":    "COMPLETED",
		"imageUrls": []string{env.jobs.URL + "/gone.png"},
	})
	require.Equal(t, http.StatusOK, code)

	code, resp = env.do(t, http.MethodPost, "/api/check-image", token, map[string]any{"taskId": "t-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Refresh request sent for broken image.", resp.Message)
	assert.Equal(t, int32(1), env.jobs.polls.Load())

	// 重新查询后记录中是可访问的地址
	code, resp = env.do(t, http.MethodPost, "/api/check-image", token, map[string]any{"taskId": "t-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Image is valid.", resp.Message)
}

func TestCollections_Flow(t *testing.T) {
	env := newTestEnv(t, 0)
	token := env.token(t, "u1")

	code, resp := env.do(t, http.MethodPost, "/api/collections", token, map[string]any{"name": "Summer", "imageUrl": "https://cdn/1.png"})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var collection struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &collection))
	require.NotEmpty(t, collection.ID)

	code, _ = env.do(t, http.MethodPost, "/api/collections/"+collection.ID+"/add-image", token, map[string]any{"imageUrl": "https://cdn/2.png"})
	require.Equal(t, http.StatusOK, code)

	code, resp = env.do(t, http.MethodGet, "/api/collections/all", token, nil)
	require.Equal(t, http.StatusOK, code)
	var all struct {
		Images []map[string]any `json:"images"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &all))
	assert.Len(t, all.Images, 2)

	code, _ = env.do(t, http.MethodGet, "/api/collections/"+collection.ID, env.token(t, "u2"), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = env.do(t, http.MethodPut, "/api/collections/"+collection.ID, token, map[string]any{"name": "Winter"})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &collection))
	assert.Equal(t, "Winter", collection.Name)

	code, _ = env.do(t, http.MethodDelete, "/api/collections/"+collection.ID+"/remove-image", token, map[string]any{"imageUrl": "https://cdn/1.png"})
	require.Equal(t, http.StatusOK, code)

	code, _ = env.do(t, http.MethodDelete, "/api/collections/"+collection.ID, token, nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = env.do(t, http.MethodGet, "/api/collections/"+collection.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestImages_DeleteRequiresUser(t *testing.T) {
	env := newTestEnv(t, 0)

	code, _ := env.do(t, http.MethodPost, "/api/delete-image", "", map[string]any{"url": "/blobs/uploads/a.png"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = env.do(t, http.MethodPost, "/api/delete-image", env.token(t, "u1"), map[string]any{"url": "/blobs/uploads/a.png"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDescribe_NotConfigured(t *testing.T) {
	env := newTestEnv(t, 0)

	code, _ := env.do(t, http.MethodPost, "/api/describe-print", "", map[string]any{"imageUrl": "https://cdn/1.png"})
	assert.Equal(t, http.StatusInternalServerError, code)
}
