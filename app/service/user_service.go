package service

import (
	"context"
	"strings"

	"print-studio/app/logger"
	"print-studio/app/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserService 同步身份提供方创建的用户
type UserService struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewUserService 创建用户服务
func NewUserService(db *gorm.DB, log *logger.Logger) *UserService {
	return &UserService{db: db, log: log.Named("user")}
}

// Create 写入用户，重复投递的事件不会报错。返回是否新建。
func (s *UserService) Create(ctx context.Context, id, email string) (bool, error) {
	id = strings.TrimSpace(id)
	email = strings.TrimSpace(email)
	if id == "" || email == "" {
		return false, badRequest("Missing user ID or email")
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.User{ID: id, Email: email})
	if res.Error != nil {
		s.log.Error("创建用户失败", zap.String("user_id", id), zap.Error(res.Error))
		return false, newError(ErrPersistence, "Failed to create user", res.Error)
	}

	created := res.RowsAffected > 0
	if created {
		s.log.Info("用户已创建", zap.String("user_id", id))
	}
	return created, nil
}
