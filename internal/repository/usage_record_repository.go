package repository

import (
	"fmt"

	"gorm.io/gorm"

	"aichat/internal/model"
)

type UsageRecordRepository struct {
	db *gorm.DB
}

func NewUsageRecordRepository(db *gorm.DB) *UsageRecordRepository {
	return &UsageRecordRepository{db: db}
}

func (r *UsageRecordRepository) Create(record *model.UsageRecord) error {
	if err := r.db.Create(record).Error; err != nil {
		return fmt.Errorf("create usage record failed: %w", err)
	}
	return nil
}
