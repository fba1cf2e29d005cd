package repository

import (
	"context"
	"errors"
	"time"

	"salescrm/internal/model"

	"gorm.io/gorm"
)

type DepositEventRepo struct {
	db *gorm.DB
}

func NewDepositEventRepo(db *gorm.DB) *DepositEventRepo {
	return &DepositEventRepo{db: db}
}

func (r *DepositEventRepo) Create(ctx context.Context, tx *gorm.DB, ev *model.DepositEvent) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(ev).Error
}

func (r *DepositEventRepo) GetByID(ctx context.Context, id int64) (*model.DepositEvent, error) {
	var ev model.DepositEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &ev, nil
}

func (r *DepositEventRepo) GetByRequestID(ctx context.Context, requestID string) (*model.DepositEvent, error) {
	var ev model.DepositEvent
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

func (r *DepositEventRepo) ListApprovedByKey(ctx context.Context, key model.ClassificationKey) ([]*model.DepositEvent, error) {
	var events []*model.DepositEvent
	err := r.db.WithContext(ctx).
		Where("staff_id = ? AND customer_id_norm = ? AND product_id = ?",
			key.StaffID, key.CustomerIDNorm, key.ProductID).
		Where("approval_status = ? AND trashed = ?", model.ApprovalStatusApproved, false).
		Order("date ASC, created_at ASC, id ASC").
		Find(&events).Error
	return events, err
}

func (r *DepositEventRepo) ListKeys(ctx context.Context) ([]model.ClassificationKey, error) {
	var keys []model.ClassificationKey
	err := r.db.WithContext(ctx).
		Model(&model.DepositEvent{}).
		Distinct("staff_id", "customer_id_norm", "product_id").
		Find(&keys).Error
	return keys, err
}

// UpdateClassifications 在单个事务内覆写一批事件的分类标签
// 分类引擎要求"要么整键生效，要么维持旧标签"，所以这里不能逐条提交
func (r *DepositEventRepo) UpdateClassifications(ctx context.Context, labels map[int64]string) error {
	if len(labels) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for id, label := range labels {
			result := tx.Model(&model.DepositEvent{}).
				Where("id = ?", id).
				Update("classification", label)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrEventNotFound
			}
		}
		return nil
	})
}

func (r *DepositEventRepo) UpdateApproval(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrStatusConflict
	}
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.DepositEvent{}).
		Where("id = ? AND approval_status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"approval_status": toStatus,
			"conflict_staff":  0,
			"conflict_note":   "",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// RevertToPending 只在补偿路径使用，不走 CanTransitionTo 状态机
func (r *DepositEventRepo) RevertToPending(ctx context.Context, tx *gorm.DB, id int64, conflictStaff int64, conflictNote string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.DepositEvent{}).
		Where("id = ? AND approval_status = ?", id, model.ApprovalStatusApproved).
		Updates(map[string]interface{}{
			"approval_status": model.ApprovalStatusPending,
			"classification":  "",
			"conflict_staff":  conflictStaff,
			"conflict_note":   conflictNote,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *DepositEventRepo) SetTrashed(ctx context.Context, tx *gorm.DB, id int64, trashed bool, at time.Time) error {
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"trashed":    trashed,
		"trashed_at": nil,
	}
	if trashed {
		updates["trashed_at"] = &at
	}
	result := tx.WithContext(ctx).
		Model(&model.DepositEvent{}).
		Where("id = ? AND trashed = ?", id, !trashed).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *DepositEventRepo) Delete(ctx context.Context, tx *gorm.DB, id int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).Where("id = ?", id).Delete(&model.DepositEvent{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// List 聚合视图的统一读取口径：只吐 APPROVED 且未删除的事件
// 各视图只消费存好的 classification 字段，绝不自行推导
func (r *DepositEventRepo) List(ctx context.Context, filter ListEventsFilter) ([]*model.DepositEvent, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&model.DepositEvent{}).
		Where("approval_status = ? AND trashed = ?", model.ApprovalStatusApproved, false)

	if filter.StaffID != 0 {
		query = query.Where("staff_id = ?", filter.StaffID)
	}
	if filter.ProductID != "" {
		query = query.Where("product_id = ?", filter.ProductID)
	}
	if filter.DateFrom != nil {
		query = query.Where("date >= ?", filter.DateFrom)
	}
	if filter.DateTo != nil {
		query = query.Where("date <= ?", filter.DateTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = query.Order("date ASC, created_at ASC, id ASC")
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var events []*model.DepositEvent
	err := query.Find(&events).Error
	return events, total, err
}

func (r *DepositEventRepo) ListPending(ctx context.Context, page, pageSize int) ([]*model.DepositEvent, int64, error) {
	return r.listByCondition(ctx, "approval_status = ? AND trashed = ?",
		[]interface{}{model.ApprovalStatusPending, false}, page, pageSize)
}

func (r *DepositEventRepo) ListTrashed(ctx context.Context, page, pageSize int) ([]*model.DepositEvent, int64, error) {
	return r.listByCondition(ctx, "trashed = ?", []interface{}{true}, page, pageSize)
}

func (r *DepositEventRepo) ListTrashedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.DepositEvent, error) {
	var events []*model.DepositEvent
	err := r.db.WithContext(ctx).
		Where("trashed = ? AND trashed_at < ?", true, cutoff).
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *DepositEventRepo) listByCondition(ctx context.Context, cond string, args []interface{}, page, pageSize int) ([]*model.DepositEvent, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.DepositEvent{}).Where(cond, args...)

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

	var events []*model.DepositEvent
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&events).Error
	return events, total, err
}
