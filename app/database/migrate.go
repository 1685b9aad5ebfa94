package database

import (
	"print-studio/app/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	// 自动迁移表结构
	return db.AutoMigrate(
		&model.User{},
		&model.Request{},
		&model.Image{},
		&model.Collection{},
	)
}
