package model

import (
	"time"
)

// User 用户模型，ID 由身份提供方分配
type User struct {
	ID        string    `json:"id" gorm:"primarykey;size:128"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}
