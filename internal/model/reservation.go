package model

import (
	"fmt"
	"time"
)

const (
	ReservationStatusPending  = "PENDING"
	ReservationStatusApproved = "APPROVED"
)

// 归档原因
const (
	ArchiveReasonExpired  = "EXPIRED"  // 超过宽限期无新存款，定时任务归档
	ArchiveReasonReleased = "RELEASED" // 管理员显式释放
)

// Reservation 客户预约表
// 一个业务员对一个客户（按产品维度）的独占认领
//
// 【重要】同一 (客户, 产品) 同时至多存在一条 APPROVED 预约，
// 该约束由预约键互斥锁 + 创建/审批前的占用检查共同保证
type Reservation struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ReservationNo   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"reservation_no"`
	CustomerIDNorm  string     `gorm:"type:varchar(64);index:idx_reservation_key;not null" json:"customer_id_norm"`
	ProductID       string     `gorm:"type:varchar(64);index:idx_reservation_key;not null" json:"product_id"`
	StaffID         int64      `gorm:"index;not null" json:"staff_id"`
	Status          string     `gorm:"type:varchar(20);index;not null" json:"status"` // PENDING / APPROVED
	LastDepositDate *time.Time `gorm:"type:date" json:"last_deposit_date,omitempty"`  // 最近一笔匹配的已审批存款日期，用于宽限期判断
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Reservation) TableName() string {
	return "reservation"
}

// ReservationArchive 预约归档表（已删除预约）
// 宽限期到期或显式释放的预约进入这里；
// 同一业务员再次为老客户录入存款时据此自动恢复预约
type ReservationArchive struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ReservationNo   string     `gorm:"type:varchar(64);index;not null" json:"reservation_no"`
	CustomerIDNorm  string     `gorm:"type:varchar(64);index:idx_archive_key;not null" json:"customer_id_norm"`
	ProductID       string     `gorm:"type:varchar(64);index:idx_archive_key;not null" json:"product_id"`
	StaffID         int64      `gorm:"index:idx_archive_key;not null" json:"staff_id"`
	LastDepositDate *time.Time `gorm:"type:date" json:"last_deposit_date,omitempty"`
	Reason          string     `gorm:"type:varchar(20);not null" json:"reason"` // EXPIRED / RELEASED
	ArchivedAt      time.Time  `gorm:"autoCreateTime" json:"archived_at"`
}

func (ReservationArchive) TableName() string {
	return "reservation_archive"
}

// ReservationLockKey 预约临界区的互斥锁键，按 (客户, 产品) 维度
func ReservationLockKey(customerIDNorm, productID string) string {
	return fmt.Sprintf("reserve:lock:%s:%s", customerIDNorm, productID)
}

// BonusClaim 奖金资格申报表
// 依附于一条预约；预约被释放时级联删除
type BonusClaim struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ClaimNo        string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"claim_no"`
	ReservationID  int64     `gorm:"index;not null" json:"reservation_id"`
	StaffID        int64     `gorm:"index;not null" json:"staff_id"`
	CustomerIDNorm string    `gorm:"type:varchar(64);not null" json:"customer_id_norm"`
	ProductID      string    `gorm:"type:varchar(64);not null" json:"product_id"`
	Month          string    `gorm:"type:varchar(7);index;not null" json:"month"` // YYYY-MM
	Amount         int64     `gorm:"not null" json:"amount"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (BonusClaim) TableName() string {
	return "bonus_claim"
}
