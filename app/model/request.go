package model

import (
	"encoding/json"
	"time"
)

// Request 生成任务在本地的记录，对应外部任务服务的一个任务
type Request struct {
	ID             uint       `json:"id" gorm:"primarykey"`
	TaskID         string     `json:"task_id" gorm:"uniqueIndex;not null;size:128"`
	UserID         string     `json:"user_id" gorm:"index;not null;size:128"`
	Mode           string     `json:"mode" gorm:"size:32"`
	Status         TaskStatus `json:"status" gorm:"size:20;index;default:QUEUED"` // 归一化状态，提交时任务服务的 CREATED 记为 QUEUED
	ExternalStatus string     `json:"external_status" gorm:"size:32"`             // 任务服务返回的原始状态，提交时为 CREATED
	Progress       int        `json:"progress" gorm:"default:0"`
	ImageURLs      string     `json:"-" gorm:"type:text"` // JSON 数组
	VideoURLs      string     `json:"-" gorm:"type:text"` // JSON 数组
	Cost           int64      `json:"cost" gorm:"default:0"`
	Sequence       int64      `json:"-" gorm:"default:0"` // 最近一次写入的快照序号，只接受更新的快照
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (Request) TableName() string {
	return "requests"
}

// Images 解析图片地址列表
func (r *Request) Images() []string {
	return decodeURLs(r.ImageURLs)
}

// Videos 解析视频地址列表
func (r *Request) Videos() []string {
	return decodeURLs(r.VideoURLs)
}

// MarshalJSON 输出时展开地址列表
func (r Request) MarshalJSON() ([]byte, error) {
	type alias Request
	return json.Marshal(struct {
		alias
		ImageURLs []string `json:"image_urls"`
		VideoURLs []string `json:"video_urls"`
	}{alias(r), r.Images(), r.Videos()})
}

// EncodeURLs 序列化地址列表，nil 记为空数组
func EncodeURLs(urls []string) string {
	if urls == nil {
		urls = []string{}
	}
	b, _ := json.Marshal(urls)
	return string(b)
}

func decodeURLs(raw string) []string {
	urls := []string{}
	if raw == "" {
		return urls
	}
	_ = json.Unmarshal([]byte(raw), &urls)
	return urls
}
