package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"print-studio/app/logger"
	"print-studio/app/metrics"
	"print-studio/app/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	signatureHeader = "X-Webhook-Signature"
	maxWebhookBody  = 1 << 20
)

// WebhookHandler 接收任务服务与身份提供方的推送
type WebhookHandler struct {
	store    *service.WebhookStore
	tasks    *service.TaskService
	users    *service.UserService
	secret   string
	interval time.Duration
	log      *logger.Logger
}

// NewWebhookHandler 创建 webhook 处理器
func NewWebhookHandler(store *service.WebhookStore, tasks *service.TaskService, users *service.UserService, secret string, interval time.Duration, log *logger.Logger) *WebhookHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &WebhookHandler{
		store:    store,
		tasks:    tasks,
		users:    users,
		secret:   secret,
		interval: interval,
		log:      log.Named("webhook"),
	}
}

// Receive 记录任务服务推送的运行状态
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		fail(c, http.StatusBadRequest, "读取请求体失败", nil)
		return
	}

	if h.secret != "" && !validSignature(h.secret, body, c.GetHeader(signatureHeader)) {
		h.log.Warn("webhook 签名校验失败", zap.String("remote", c.ClientIP()))
		fail(c, http.StatusUnauthorized, "Invalid signature", nil)
		return
	}

	var ev service.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		fail(c, http.StatusBadRequest, "解析 webhook 请求体失败: "+err.Error(), nil)
		return
	}
	if strings.TrimSpace(ev.RunID) == "" || ev.Status == "" {
		fail(c, http.StatusBadRequest, "Missing runId or status", nil)
		return
	}

	ev = h.store.Put(ev)
	metrics.IncWebhookEvent(ev.Status)
	h.log.Debug("收到 webhook", zap.String("run_id", ev.RunID), zap.String("status", ev.Status), zap.Int64("version", ev.Version))

	// 同一 run 对应本地任务记录时同步状态，失败不影响推送方
	if _, err := h.tasks.ApplyWebhookEvent(c.Request.Context(), ev); err != nil {
		h.log.Error("同步 webhook 状态到任务记录失败", zap.String("run_id", ev.RunID), zap.Error(err))
	}

	success(c, nil, "success")
}

// Stream 以 SSE 推送指定 run 的最新状态，终态后关闭并清理缓存
func (h *WebhookHandler) Stream(c *gin.Context) {
	runID := strings.TrimSpace(c.Query("runId"))
	if runID == "" {
		fail(c, http.StatusBadRequest, "Missing runId", nil)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	var lastVersion int64
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		ev, ok := h.store.Get(runID)
		if !ok || ev.Version <= lastVersion {
			return true
		}
		lastVersion = ev.Version
		c.SSEvent("message", ev)

		if ev.IsTerminal() {
			h.store.Evict(runID)
			return false
		}
		return true
	})
}

// UserCreatedRequest 身份提供方的用户创建事件
type UserCreatedRequest struct {
	Data struct {
		ID             string `json:"id"`
		EmailAddresses []struct {
			EmailAddress string `json:"email_address"`
		} `json:"email_addresses"`
	} `json:"data"`
}

// UserCreated 同步新用户
func (h *WebhookHandler) UserCreated(c *gin.Context) {
	var req UserCreatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error(), nil)
		return
	}

	email := ""
	if len(req.Data.EmailAddresses) > 0 {
		email = req.Data.EmailAddresses[0].EmailAddress
	}

	created, err := h.users.Create(c.Request.Context(), req.Data.ID, email)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"id": req.Data.ID, "created": created}, "User created successfully")
}

// validSignature 校验 hex 编码的 HMAC-SHA256 签名，兼容 "sha256=" 前缀
func validSignature(secret string, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
