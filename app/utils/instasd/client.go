package instasd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"resty.dev/v3"
)

// ErrUpstream 任务服务返回非成功状态或响应体无法使用
var ErrUpstream = errors.New("任务服务请求失败")

// Endpoint 模式对应的任务服务地址与令牌
type Endpoint struct {
	URL       string
	AuthToken string
}

// RunTaskResponse 创建任务响应
type RunTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatus 任务状态响应
type TaskStatus struct {
	Status         string   `json:"status"`
	ImageURLs      []string `json:"image_urls"`
	VideoURLs      []string `json:"video_urls"`
	CompletedSteps *int     `json:"completed_steps"`
	EstimatedSteps *int     `json:"estimated_steps"`
	Cost           int64    `json:"cost"`
}

// UpstreamError 保留任务服务返回的状态码与响应体
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", ErrUpstream, e.Err)
	}
	return fmt.Sprintf("%v，状态码: %d, 响应: %s", ErrUpstream, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpstream, e.Err}
	}
	return []error{ErrUpstream}
}

// Client 生成任务服务客户端，各模式共用一个连接池
type Client struct {
	client *resty.Client
}

// New 创建新的任务服务客户端
func New(timeout time.Duration) *Client {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")

	return &Client{client: client}
}

// Close 释放底层连接
func (c *Client) Close() error {
	return c.client.Close()
}

// RunTask 提交任务，返回任务服务分配的 task_id
func (c *Client) RunTask(ctx context.Context, ep Endpoint, payload any) (string, error) {
	var result RunTaskResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+ep.AuthToken).
		SetBody(payload).
		SetResult(&result).
		Post(joinURL(ep.URL, "run_task"))
	if err != nil {
		return "", &UpstreamError{Err: fmt.Errorf("提交任务失败: %w", err)}
	}

	if resp.IsError() {
		return "", &UpstreamError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	if result.TaskID == "" {
		return "", &UpstreamError{StatusCode: resp.StatusCode(), Body: resp.String(), Err: errors.New("响应中缺少 task_id")}
	}
	return result.TaskID, nil
}

// GetTaskStatus 查询任务状态
func (c *Client) GetTaskStatus(ctx context.Context, ep Endpoint, taskID string) (*TaskStatus, error) {
	var result TaskStatus

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+ep.AuthToken).
		SetResult(&result).
		Get(joinURL(ep.URL, "task_status", url.PathEscape(taskID)))
	if err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("查询任务状态失败: %w", err)}
	}

	if resp.IsError() {
		return nil, &UpstreamError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	if result.Status == "" {
		return nil, &UpstreamError{StatusCode: resp.StatusCode(), Body: resp.String(), Err: errors.New("响应中缺少 status")}
	}
	return &result, nil
}

// Head 检查远程资源是否仍可访问
func (c *Client) Head(ctx context.Context, rawURL string) (int, error) {
	resp, err := c.client.R().SetContext(ctx).Head(rawURL)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode(), nil
}

// Download 下载远程资源
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.client.R().SetContext(ctx).Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("下载失败: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("下载失败，状态码: %d", resp.StatusCode())
	}
	return resp.Bytes(), nil
}

func joinURL(base string, parts ...string) string {
	return strings.TrimRight(base, "/") + "/" + strings.Join(parts, "/")
}
