package service

import (
	"context"
	"encoding/json"

	"salescrm/internal/config"
	"salescrm/internal/model"
	"salescrm/internal/repository"

	"gorm.io/gorm"
)

// NotificationService 通知落库 + 外投
// 冲突网关和预约登记处的状态变化调用这里；站内行和 outbox 消息
// 随业务事务一起写入，外投由后台任务异步完成
type NotificationService struct {
	notifRepo  repository.NotificationRepository
	outboxRepo repository.OutboxRepository
	cfg        *config.Config
}

func NewNotificationService(db *gorm.DB, cfg *config.Config) *NotificationService {
	return &NotificationService{
		notifRepo:  repository.NewNotificationRepo(db),
		outboxRepo: repository.NewOutboxRepo(db),
		cfg:        cfg,
	}
}

// NotifyUser 向某个用户发通知
func (s *NotificationService) NotifyUser(ctx context.Context, tx *gorm.DB, userID int64, notifyType, message string, data map[string]interface{}) error {
	return s.notify(ctx, tx, model.NotifyAudienceUser, userID, notifyType, message, data)
}

// NotifyAdmins 向管理端发通知（按受众存一行，管理端按受众查询）
func (s *NotificationService) NotifyAdmins(ctx context.Context, tx *gorm.DB, notifyType, message string, data map[string]interface{}) error {
	return s.notify(ctx, tx, model.NotifyAudienceAdmin, 0, notifyType, message, data)
}

func (s *NotificationService) notify(ctx context.Context, tx *gorm.DB, audience string, userID int64, notifyType, message string, data map[string]interface{}) error {
	var dataStr string
	if len(data) > 0 {
		b, _ := json.Marshal(data)
		dataStr = string(b)
	}

	n := &model.Notification{
		UserID:   userID,
		Audience: audience,
		Type:     notifyType,
		Message:  message,
		Data:     dataStr,
	}
	if err := s.notifRepo.Create(ctx, tx, n); err != nil {
		return err
	}

	return s.outboxRepo.Create(ctx, tx, model.NewNotificationOutbox(s.cfg.Kafka.Topic.Notification, n))
}

func (s *NotificationService) List(ctx context.Context, audience string, userID int64, unreadOnly bool, page, pageSize int) ([]*model.Notification, int64, error) {
	return s.notifRepo.List(ctx, audience, userID, unreadOnly, page, pageSize)
}

func (s *NotificationService) MarkRead(ctx context.Context, id int64) error {
	return s.notifRepo.MarkRead(ctx, id)
}
