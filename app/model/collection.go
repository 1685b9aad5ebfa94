package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Collection 用户收藏夹
type Collection struct {
	ID        string    `json:"id" gorm:"primarykey;size:36"`
	UserID    string    `json:"user_id" gorm:"index;not null;size:128"`
	Name      string    `json:"name" gorm:"not null;size:100"`
	Images    []Image   `json:"images" gorm:"many2many:collection_images;"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Collection) TableName() string {
	return "collections"
}

// BeforeCreate 生成 UUID 主键
func (c *Collection) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Image 图片，按 URL 全局去重
type Image struct {
	ID          uint         `json:"id" gorm:"primarykey"`
	URL         string       `json:"url" gorm:"uniqueIndex;not null;size:1024"`
	Collections []Collection `json:"-" gorm:"many2many:collection_images;"`
	CreatedAt   time.Time    `json:"created_at"`
}

// TableName 指定表名
func (Image) TableName() string {
	return "images"
}
