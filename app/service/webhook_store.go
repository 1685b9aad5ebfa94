package service

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"print-studio/app/model"

	"github.com/patrickmn/go-cache"
)

// WebhookImage 推送结果中的单张图片
type WebhookImage struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Type     string `json:"type,omitempty"`
}

// WebhookOutput 推送结果中的单个输出节点
type WebhookOutput struct {
	Data struct {
		Images []WebhookImage `json:"images"`
	} `json:"data"`
}

// WebhookEvent 任务服务推送的运行状态
type WebhookEvent struct {
	RunID      string          `json:"run_id"`
	Status     string          `json:"status"`
	Outputs    []WebhookOutput `json:"outputs,omitempty"`
	LiveStatus string          `json:"live_status,omitempty"`
	Progress   float64         `json:"progress,omitempty"`
	Version    int64           `json:"version"`
	ReceivedAt time.Time       `json:"received_at"`
}

// UnmarshalJSON 兼容 runId / liveStatus 两种写法
func (e *WebhookEvent) UnmarshalJSON(data []byte) error {
	type alias WebhookEvent
	aux := struct {
		*alias
		RunIDCamel      string `json:"runId"`
		LiveStatusCamel string `json:"liveStatus"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if e.RunID == "" {
		e.RunID = aux.RunIDCamel
	}
	if e.LiveStatus == "" {
		e.LiveStatus = aux.LiveStatusCamel
	}
	return nil
}

// ImageURLs 展开所有输出中的图片地址
func (e WebhookEvent) ImageURLs() []string {
	urls := []string{}
	for _, out := range e.Outputs {
		for _, img := range out.Data.Images {
			if img.URL != "" {
				urls = append(urls, img.URL)
			}
		}
	}
	return urls
}

// IsTerminal 推送状态是否已结束
func (e WebhookEvent) IsTerminal() bool {
	return model.NormalizeStatus(e.Status).IsTerminal()
}

// WebhookStore 按 run_id 缓存最近一次推送，过期自动清理
type WebhookStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

// NewWebhookStore 创建推送缓存
func NewWebhookStore(ttl, cleanupInterval time.Duration) *WebhookStore {
	return &WebhookStore{cache: cache.New(ttl, cleanupInterval)}
}

// Put 记录一次推送并返回带版本号的事件，同一 run_id 的版本号递增
func (s *WebhookStore) Put(ev WebhookEvent) WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.RunID = strings.TrimSpace(ev.RunID)
	ev.Version = 1
	if prev, ok := s.cache.Get(ev.RunID); ok {
		ev.Version = prev.(WebhookEvent).Version + 1
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	s.cache.SetDefault(ev.RunID, ev)
	return ev
}

// Get 读取 run_id 最近一次推送
func (s *WebhookStore) Get(runID string) (WebhookEvent, bool) {
	v, ok := s.cache.Get(runID)
	if !ok {
		return WebhookEvent{}, false
	}
	return v.(WebhookEvent), true
}

// Evict 删除 run_id 的缓存
func (s *WebhookStore) Evict(runID string) {
	s.cache.Delete(runID)
}

// Count 当前缓存的 run 数量（含已过期未清理的）
func (s *WebhookStore) Count() int {
	return s.cache.ItemCount()
}
