package model

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// 分类常量
// ============================================================================

const (
	ClassificationNew    = "NEW"    // 新存客户：该键下最早一笔合格存款
	ClassificationRepeat = "REPEAT" // 复存客户：其余全部
)

// ============================================================================
// 审批状态常量
// ============================================================================

const (
	ApprovalStatusApproved = "APPROVED"
	ApprovalStatusPending  = "PENDING"
	// 注意：没有 DECLINED 存储状态——待审事件被拒绝时直接物理删除
)

var ValidApprovalTransitions = map[string][]string{
	ApprovalStatusPending: {ApprovalStatusApproved},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidApprovalTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// ============================================================================
// 存款事件实体
// ============================================================================

// DepositEvent 存款事件表
// 每笔客户入金记录一行，是整个 CRM 的核心数据
//
// 【重要】分类字段设计原则：
// 1. classification 只允许分类引擎写入 —— 任何读端点都不得自行推导
// 2. 同键（staff+customer+product）下已审批未删除事件中 NEW 至多一条
// 3. PENDING 事件不参与分类，也不进入任何统计视图
type DepositEvent struct {
	ID             int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	EventNo        string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"event_no"`                          // 事件单号（全局唯一）
	RequestID      string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`                        // 幂等ID，客户端生成
	StaffID        int64        `gorm:"index:idx_event_key;not null" json:"staff_id"`                                   // 业务员ID
	CustomerIDRaw  string       `gorm:"type:varchar(64);not null" json:"customer_id_raw"`                               // 客户编号（原始录入）
	CustomerIDNorm string       `gorm:"type:varchar(64);index:idx_event_key;not null" json:"customer_id_norm"`          // 客户编号（归一化比较键，派生字段）
	ProductID      string       `gorm:"type:varchar(64);index:idx_event_key;not null" json:"product_id"`                // 产品ID
	Date           time.Time    `gorm:"type:date;not null" json:"date"`                                                 // 存款日期（自然日，非时间戳）
	Amount         int64        `gorm:"not null" json:"amount"`                                                         // 金额
	Multiplier     int          `gorm:"not null;default:1" json:"multiplier"`                                           // 倍数
	TotalAmount    int64        `gorm:"not null" json:"total_amount"`                                                   // 合计 = Amount × Multiplier，写入时计算
	Note           string       `gorm:"type:varchar(512)" json:"note"`                                                  // 备注（可能带追加存款标记）
	Extra          ExtraColumns `gorm:"type:text" json:"extra,omitempty"`                                               // 上传表格附带列（有序键值对，结构不受本系统控制）
	Classification string       `gorm:"type:varchar(16);index" json:"classification"`                                   // NEW / REPEAT，仅分类引擎写入；PENDING 时为空
	ApprovalStatus string       `gorm:"type:varchar(20);index;not null;default:APPROVED" json:"approval_status"`        // APPROVED / PENDING
	ConflictStaff  int64        `gorm:"not null;default:0" json:"conflict_staff,omitempty"`                             // 冲突信息：当前占有该客户的业务员（仅 PENDING 时有值）
	ConflictNote   string       `gorm:"type:varchar(256)" json:"conflict_note,omitempty"`                               // 冲突说明
	Trashed        bool         `gorm:"index;not null;default:false" json:"trashed"`                                    // 软删除标记（回收站）
	TrashedAt      *time.Time   `json:"trashed_at,omitempty"`                                                           // 进入回收站时间
	CreatedAt      time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DepositEvent) TableName() string {
	return "deposit_event"
}

// IsAdditional 判断备注是否带追加存款标记
// 带标记的事件无条件分类为 REPEAT，不参与首存日期计算
func (e *DepositEvent) IsAdditional(marker string) bool {
	return marker != "" && strings.Contains(e.Note, marker)
}

// Key 返回事件所属的分类键
func (e *DepositEvent) Key() ClassificationKey {
	return ClassificationKey{
		StaffID:        e.StaffID,
		CustomerIDNorm: e.CustomerIDNorm,
		ProductID:      e.ProductID,
	}
}

// ============================================================================
// 分类键
// ============================================================================

// ClassificationKey (业务员, 归一化客户, 产品) 三元组
// 新/复存分类、首存索引、按键互斥锁全部以它为维度
type ClassificationKey struct {
	StaffID        int64
	CustomerIDNorm string
	ProductID      string
}

// LockKey 分类重算临界区的互斥锁键
func (k ClassificationKey) LockKey() string {
	return fmt.Sprintf("classify:lock:%d:%s:%s", k.StaffID, k.CustomerIDNorm, k.ProductID)
}

func (k ClassificationKey) String() string {
	return fmt.Sprintf("(%d, %s, %s)", k.StaffID, k.CustomerIDNorm, k.ProductID)
}
