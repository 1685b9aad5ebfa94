package service

import (
	"context"
	"errors"
	"strings"

	"print-studio/app/logger"
	"print-studio/app/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CollectionService 管理用户收藏夹
type CollectionService struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewCollectionService 创建收藏夹服务
func NewCollectionService(db *gorm.DB, log *logger.Logger) *CollectionService {
	return &CollectionService{db: db, log: log.Named("collection")}
}

// Save 按名称查找收藏夹，不存在时创建；imageURL 非空时一并收藏
func (s *CollectionService) Save(ctx context.Context, userID, name, imageURL string) (*model.Collection, error) {
	if userID == "" {
		return nil, newError(ErrUnauthorized, "", nil)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, badRequest("收藏夹名称不能为空")
	}

	var collection model.Collection
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND name = ?", userID, name).First(&collection).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			collection = model.Collection{UserID: userID, Name: name}
			err = tx.Create(&collection).Error
		}
		if err != nil {
			return err
		}
		if imageURL == "" {
			return nil
		}
		return attachImage(tx, &collection, imageURL)
	})
	if err != nil {
		s.log.Error("保存收藏夹失败", zap.String("user_id", userID), zap.String("name", name), zap.Error(err))
		return nil, newError(ErrPersistence, "Failed to save collection.", err)
	}

	return s.Get(ctx, userID, collection.ID)
}

// List 列出用户的收藏夹，按创建时间倒序
func (s *CollectionService) List(ctx context.Context, userID string) ([]model.Collection, error) {
	if userID == "" {
		return nil, newError(ErrUnauthorized, "", nil)
	}

	collections := []model.Collection{}
	err := s.db.WithContext(ctx).Preload("Images").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&collections).Error
	if err != nil {
		return nil, newError(ErrPersistence, "Failed to fetch collections.", err)
	}
	return collections, nil
}

// Get 读取用户自己的收藏夹
func (s *CollectionService) Get(ctx context.Context, userID, id string) (*model.Collection, error) {
	if userID == "" {
		return nil, newError(ErrUnauthorized, "", nil)
	}
	if id == "" {
		return nil, badRequest("Invalid collection ID.")
	}

	var collection model.Collection
	err := s.db.WithContext(ctx).Preload("Images").
		Where("id = ? AND user_id = ?", id, userID).
		First(&collection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(ErrNotFound, "Collection not found or unauthorized", nil)
	}
	if err != nil {
		return nil, newError(ErrPersistence, "Failed to fetch collection.", err)
	}
	return &collection, nil
}

// Rename 重命名收藏夹
func (s *CollectionService) Rename(ctx context.Context, userID, id, name string) (*model.Collection, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, badRequest("收藏夹名称不能为空")
	}
	collection, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(&model.Collection{}).Where("id = ?", collection.ID).Update("name", name).Error; err != nil {
		return nil, newError(ErrPersistence, "Failed to rename collection.", err)
	}
	collection.Name = name
	return collection, nil
}

// Delete 删除收藏夹，图片本身保留
func (s *CollectionService) Delete(ctx context.Context, userID, id string) error {
	collection, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(collection).Association("Images").Clear(); err != nil {
			return err
		}
		return tx.Delete(collection).Error
	})
	if err != nil {
		return newError(ErrPersistence, "Failed to delete collection.", err)
	}
	s.log.Info("收藏夹已删除", zap.String("id", id), zap.String("user_id", userID))
	return nil
}

// AddImage 向收藏夹添加图片，重复添加无副作用
func (s *CollectionService) AddImage(ctx context.Context, userID, id, imageURL string) (*model.Collection, error) {
	if imageURL == "" {
		return nil, badRequest("Image URL is required.")
	}
	collection, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if err := attachImage(s.db.WithContext(ctx), collection, imageURL); err != nil {
		return nil, newError(ErrPersistence, "Failed to add image", err)
	}
	return s.Get(ctx, userID, id)
}

// RemoveImage 从收藏夹移除图片，图片记录保留
func (s *CollectionService) RemoveImage(ctx context.Context, userID, id, imageURL string) error {
	if id == "" || imageURL == "" {
		return badRequest("Collection ID and Image URL are required.")
	}
	collection, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}

	for i := range collection.Images {
		if collection.Images[i].URL != imageURL {
			continue
		}
		if err := s.db.WithContext(ctx).Model(collection).Association("Images").Delete(&collection.Images[i]); err != nil {
			return newError(ErrPersistence, "Failed to remove image", err)
		}
		return nil
	}
	return newError(ErrNotFound, "Image not found in this collection.", nil)
}

// AllImages 用户所有收藏夹中的图片，按 URL 去重
func (s *CollectionService) AllImages(ctx context.Context, userID string) ([]model.Image, error) {
	if userID == "" {
		return nil, newError(ErrUnauthorized, "", nil)
	}

	images := []model.Image{}
	err := s.db.WithContext(ctx).Model(&model.Image{}).
		Distinct("images.id", "images.url", "images.created_at").
		Joins("JOIN collection_images ON collection_images.image_id = images.id").
		Joins("JOIN collections ON collections.id = collection_images.collection_id").
		Where("collections.user_id = ?", userID).
		Order("images.id").
		Find(&images).Error
	if err != nil {
		return nil, newError(ErrPersistence, "Failed to fetch all images.", err)
	}
	return images, nil
}

func attachImage(tx *gorm.DB, collection *model.Collection, imageURL string) error {
	var image model.Image
	if err := tx.Where(model.Image{URL: imageURL}).FirstOrCreate(&image).Error; err != nil {
		return err
	}
	return tx.Model(collection).Association("Images").Append(&image)
}
