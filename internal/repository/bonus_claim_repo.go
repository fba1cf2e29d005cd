package repository

import (
	"context"

	"salescrm/internal/model"

	"gorm.io/gorm"
)

type BonusClaimRepo struct {
	db *gorm.DB
}

func NewBonusClaimRepo(db *gorm.DB) *BonusClaimRepo {
	return &BonusClaimRepo{db: db}
}

func (r *BonusClaimRepo) Create(ctx context.Context, tx *gorm.DB, c *model.BonusClaim) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(c).Error
}

func (r *BonusClaimRepo) ListByMonth(ctx context.Context, month string, staffID int64) ([]*model.BonusClaim, error) {
	query := r.db.WithContext(ctx).Where("month = ?", month)
	if staffID != 0 {
		query = query.Where("staff_id = ?", staffID)
	}
	var list []*model.BonusClaim
	err := query.Order("created_at ASC").Find(&list).Error
	return list, err
}

func (r *BonusClaimRepo) DeleteByReservationID(ctx context.Context, tx *gorm.DB, reservationID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Delete(&model.BonusClaim{}).Error
}
