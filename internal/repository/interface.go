package repository

import (
	"context"
	"errors"
	"time"

	"salescrm/internal/model"

	"gorm.io/gorm"
)

var (
	ErrEventNotFound       = errors.New("存款事件不存在")
	ErrReservationNotFound = errors.New("预约不存在")
	ErrStatusConflict      = errors.New("状态已变更，操作冲突")
	ErrDuplicateRequest    = errors.New("重复请求")
)

// ListEventsFilter 事件查询条件
// 聚合视图（排行榜、奖金、日报、留存）共用的过滤参数
type ListEventsFilter struct {
	StaffID   int64      // 0 表示不限
	ProductID string     // 空表示不限
	DateFrom  *time.Time // 含当日
	DateTo    *time.Time // 含当日
	Page      int
	PageSize  int // 0 表示不分页
}

// DepositEventRepository 存款事件存储
//
// 写方法接收可选的 tx（nil 时用仓库自身连接），与上层事务保持一致；
// 单元测试用内存实现替换，tx 参数被忽略
type DepositEventRepository interface {
	Create(ctx context.Context, tx *gorm.DB, ev *model.DepositEvent) error
	GetByID(ctx context.Context, id int64) (*model.DepositEvent, error)
	GetByRequestID(ctx context.Context, requestID string) (*model.DepositEvent, error)

	// ListApprovedByKey 返回某分类键下 APPROVED 且未删除的全部事件，
	// 按 (date, created_at, id) 升序——分类引擎的排序依据
	ListApprovedByKey(ctx context.Context, key model.ClassificationKey) ([]*model.DepositEvent, error)

	// ListKeys 返回全表去重后的分类键集合，供全量重算使用
	ListKeys(ctx context.Context) ([]model.ClassificationKey, error)

	// UpdateClassifications 批量覆写分类标签，要么全部生效要么全部不生效
	UpdateClassifications(ctx context.Context, labels map[int64]string) error

	// UpdateApproval 按状态机推进审批状态并清空冲突信息；
	// 当前状态不符时返回 ErrStatusConflict
	UpdateApproval(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string) error

	// RevertToPending 批准后重算失败的补偿：事件退回 PENDING 并恢复冲突信息，
	// 避免一条没有标签的 APPROVED 事件进入统计口径
	RevertToPending(ctx context.Context, tx *gorm.DB, id int64, conflictStaff int64, conflictNote string) error

	SetTrashed(ctx context.Context, tx *gorm.DB, id int64, trashed bool, at time.Time) error
	Delete(ctx context.Context, tx *gorm.DB, id int64) error

	// List 是聚合视图的唯一读取口径：只返回 APPROVED 且未删除的事件
	List(ctx context.Context, filter ListEventsFilter) ([]*model.DepositEvent, int64, error)

	ListPending(ctx context.Context, page, pageSize int) ([]*model.DepositEvent, int64, error)
	ListTrashed(ctx context.Context, page, pageSize int) ([]*model.DepositEvent, int64, error)
	ListTrashedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.DepositEvent, error)
}

// ReservationRepository 预约存储
type ReservationRepository interface {
	Create(ctx context.Context, tx *gorm.DB, r *model.Reservation) error
	GetByID(ctx context.Context, id int64) (*model.Reservation, error)

	// GetActiveByCustomerProduct 返回 (客户, 产品) 当前的 PENDING 或 APPROVED 预约，
	// 不存在时返回 (nil, nil)
	GetActiveByCustomerProduct(ctx context.Context, customerIDNorm, productID string) (*model.Reservation, error)

	// GetApprovedByCustomerProduct 只看 APPROVED，冲突网关用
	GetApprovedByCustomerProduct(ctx context.Context, customerIDNorm, productID string) (*model.Reservation, error)

	// SetApproved 将 PENDING 预约置为 APPROVED；状态不符时返回 ErrStatusConflict
	SetApproved(ctx context.Context, tx *gorm.DB, id int64, at time.Time) error

	// UpdateLastDeposit 刷新 (客户, 业务员) 当前 APPROVED 预约的最近存款日期，
	// 只向后推不向前退
	UpdateLastDeposit(ctx context.Context, customerIDNorm string, staffID int64, date time.Time) error

	Delete(ctx context.Context, tx *gorm.DB, id int64) error
	ListByStatus(ctx context.Context, status string, page, pageSize int) ([]*model.Reservation, int64, error)

	// ListApproved 返回全部 APPROVED 预约，宽限期扫描用
	// （宽限期按产品可覆盖，过滤在服务层做）
	ListApproved(ctx context.Context) ([]*model.Reservation, error)
}

// ReservationArchiveRepository 预约归档存储
type ReservationArchiveRepository interface {
	Create(ctx context.Context, tx *gorm.DB, a *model.ReservationArchive) error

	// GetByKey 返回 (客户, 产品, 业务员) 最近一条归档记录，不存在时 (nil, nil)
	GetByKey(ctx context.Context, customerIDNorm, productID string, staffID int64) (*model.ReservationArchive, error)

	Delete(ctx context.Context, tx *gorm.DB, id int64) error
	List(ctx context.Context, page, pageSize int) ([]*model.ReservationArchive, int64, error)
}

// BonusClaimRepository 奖金申报存储
type BonusClaimRepository interface {
	Create(ctx context.Context, tx *gorm.DB, c *model.BonusClaim) error
	ListByMonth(ctx context.Context, month string, staffID int64) ([]*model.BonusClaim, error)

	// DeleteByReservationID 预约释放时的级联删除
	DeleteByReservationID(ctx context.Context, tx *gorm.DB, reservationID int64) error
}

// NotificationRepository 站内通知存储
type NotificationRepository interface {
	Create(ctx context.Context, tx *gorm.DB, n *model.Notification) error
	List(ctx context.Context, audience string, userID int64, unreadOnly bool, page, pageSize int) ([]*model.Notification, int64, error)
	MarkRead(ctx context.Context, id int64) error
}

// OutboxRepository 事务性发件箱存储
type OutboxRepository interface {
	Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64) error
}
