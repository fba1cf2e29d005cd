package repository

import (
	"context"
	"errors"

	"salescrm/internal/model"

	"gorm.io/gorm"
)

type ReservationArchiveRepo struct {
	db *gorm.DB
}

func NewReservationArchiveRepo(db *gorm.DB) *ReservationArchiveRepo {
	return &ReservationArchiveRepo{db: db}
}

func (r *ReservationArchiveRepo) Create(ctx context.Context, tx *gorm.DB, a *model.ReservationArchive) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(a).Error
}

func (r *ReservationArchiveRepo) GetByKey(ctx context.Context, customerIDNorm, productID string, staffID int64) (*model.ReservationArchive, error) {
	var a model.ReservationArchive
	err := r.db.WithContext(ctx).
		Where("customer_id_norm = ? AND product_id = ? AND staff_id = ?",
			customerIDNorm, productID, staffID).
		Order("archived_at DESC").
		First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *ReservationArchiveRepo) Delete(ctx context.Context, tx *gorm.DB, id int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Where("id = ?", id).Delete(&model.ReservationArchive{}).Error
}

func (r *ReservationArchiveRepo) List(ctx context.Context, page, pageSize int) ([]*model.ReservationArchive, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.ReservationArchive{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if pageSize <= 0 {
		pageSize = 20
	}
	if page < 1 {
		page = 1
	}

	var list []*model.ReservationArchive
	err := query.
		Order("archived_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&list).Error
	return list, total, err
}
