package repository

import (
	"context"
	"errors"
	"time"

	"salescrm/internal/model"

	"gorm.io/gorm"
)

type ReservationRepo struct {
	db *gorm.DB
}

func NewReservationRepo(db *gorm.DB) *ReservationRepo {
	return &ReservationRepo{db: db}
}

func (r *ReservationRepo) Create(ctx context.Context, tx *gorm.DB, res *model.Reservation) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(res).Error
}

func (r *ReservationRepo) GetByID(ctx context.Context, id int64) (*model.Reservation, error) {
	var res model.Reservation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &res, nil
}

func (r *ReservationRepo) GetActiveByCustomerProduct(ctx context.Context, customerIDNorm, productID string) (*model.Reservation, error) {
	var res model.Reservation
	err := r.db.WithContext(ctx).
		Where("customer_id_norm = ? AND product_id = ?", customerIDNorm, productID).
		Where("status IN ?", []string{model.ReservationStatusPending, model.ReservationStatusApproved}).
		First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (r *ReservationRepo) GetApprovedByCustomerProduct(ctx context.Context, customerIDNorm, productID string) (*model.Reservation, error) {
	var res model.Reservation
	err := r.db.WithContext(ctx).
		Where("customer_id_norm = ? AND product_id = ? AND status = ?",
			customerIDNorm, productID, model.ReservationStatusApproved).
		First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (r *ReservationRepo) SetApproved(ctx context.Context, tx *gorm.DB, id int64, at time.Time) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Reservation{}).
		Where("id = ? AND status = ?", id, model.ReservationStatusPending).
		Updates(map[string]interface{}{
			"status":      model.ReservationStatusApproved,
			"approved_at": &at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// UpdateLastDeposit 最近存款日期只向后推，避免乱序提交把日期改早
func (r *ReservationRepo) UpdateLastDeposit(ctx context.Context, customerIDNorm string, staffID int64, date time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.Reservation{}).
		Where("customer_id_norm = ? AND staff_id = ? AND status = ?",
			customerIDNorm, staffID, model.ReservationStatusApproved).
		Where("last_deposit_date IS NULL OR last_deposit_date < ?", date).
		Update("last_deposit_date", &date).Error
}

func (r *ReservationRepo) Delete(ctx context.Context, tx *gorm.DB, id int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Where("id = ?", id).Delete(&model.Reservation{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrReservationNotFound
	}
	return nil
}

func (r *ReservationRepo) ListByStatus(ctx context.Context, status string, page, pageSize int) ([]*model.Reservation, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Reservation{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

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

	var list []*model.Reservation
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&list).Error
	return list, total, err
}

func (r *ReservationRepo) ListApproved(ctx context.Context) ([]*model.Reservation, error) {
	var list []*model.Reservation
	err := r.db.WithContext(ctx).
		Where("status = ?", model.ReservationStatusApproved).
		Find(&list).Error
	return list, err
}
