package model

import (
	"encoding/json"
	"time"
)

// 通知受众
const (
	NotifyAudienceUser  = "USER"  // 发给某个具体用户
	NotifyAudienceAdmin = "ADMIN" // 发给管理员（管理端按受众查询，不展开成多行）
)

// 通知类型
const (
	NotifyTypeDepositConflict    = "DEPOSIT_CONFLICT"     // 存款提交撞上他人预约，进入待审
	NotifyTypeDepositApproved    = "DEPOSIT_APPROVED"     // 待审存款被批准
	NotifyTypeDepositDeclined    = "DEPOSIT_DECLINED"     // 待审存款被拒绝
	NotifyTypeReservationRequest = "RESERVATION_REQUEST"  // 新的预约申请待审批
	NotifyTypeReservationResult  = "RESERVATION_RESULT"   // 预约申请审批结果
	NotifyTypeReservationRestore = "RESERVATION_RESTORED" // 归档预约被自动恢复
)

// Notification 站内通知表
// 冲突网关和预约登记处的状态变化都会落一条通知；
// 对外投递（Kafka）走 outbox，和业务写入同一事务
type Notification struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"index;not null;default:0" json:"user_id"`       // 受众为 USER 时的目标用户，ADMIN 时为 0
	Audience  string    `gorm:"type:varchar(16);index;not null" json:"audience"`
	Type      string    `gorm:"type:varchar(32);not null" json:"type"`
	Message   string    `gorm:"type:varchar(512);not null" json:"message"`
	Data      string    `gorm:"type:text" json:"data,omitempty"` // 附加数据，JSON
	Read      bool      `gorm:"index;not null;default:false" json:"read"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Notification) TableName() string {
	return "notification"
}

// ============================================================================
// Outbox 消息
// ============================================================================

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 事务性发件箱
// 通知事件先随业务事务落库，再由后台任务投递到 Kafka，
// 保证"状态已变更但消息丢失"不会发生
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// NewNotificationOutbox 把一条站内通知包装成待投递的 outbox 消息
func NewNotificationOutbox(topic string, n *Notification) *OutboxMessage {
	payload, _ := json.Marshal(map[string]interface{}{
		"audience":   n.Audience,
		"user_id":    n.UserID,
		"type":       n.Type,
		"message":    n.Message,
		"data":       n.Data,
		"created_at": n.CreatedAt.Format(time.RFC3339),
	})
	return &OutboxMessage{
		MessageKey: n.Type,
		Topic:      topic,
		Payload:    string(payload),
		Status:     OutboxStatusPending,
	}
}
