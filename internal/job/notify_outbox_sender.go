package job

import (
	"context"
	"log"
	"time"

	"salescrm/internal/config"
	"salescrm/internal/infrastructure/mq"
	"salescrm/internal/model"
	"salescrm/internal/repository"

	"gorm.io/gorm"
)

// NotifyOutboxSender 通知投递任务
// 轮询 outbox 里的待发通知消息投递到 Kafka；
// 投递失败累计重试次数，超限标记 FAILED 等人工处理
type NotifyOutboxSender struct {
	outboxRepo repository.OutboxRepository
	cfg        *config.Config
	interval   time.Duration
	batchSize  int
}

func NewNotifyOutboxSender(db *gorm.DB, cfg *config.Config) *NotifyOutboxSender {
	return &NotifyOutboxSender{
		outboxRepo: repository.NewOutboxRepo(db),
		cfg:        cfg,
		interval:   200 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *NotifyOutboxSender) Start(ctx context.Context) {
	log.Println("[NotifyOutboxSender] 通知投递任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[NotifyOutboxSender] 收到停止信号，任务退出")
			return
		case <-ticker.C:
			s.deliverPending(ctx)
		}
	}
}

func (s *NotifyOutboxSender) deliverPending(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[NotifyOutboxSender] 查询待发消息失败: %v", err)
		return
	}

	for _, msg := range messages {
		if err := mq.SendMessage(msg.Topic, msg.MessageKey, msg.Payload); err != nil {
			s.handleSendFailure(ctx, msg, err)
			continue
		}
		if err := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); err != nil {
			log.Printf("[NotifyOutboxSender] 更新消息状态失败: id=%d, err=%v", msg.ID, err)
		}
	}
}

func (s *NotifyOutboxSender) handleSendFailure(ctx context.Context, msg *model.OutboxMessage, sendErr error) {
	log.Printf("[NotifyOutboxSender] 消息投递失败: id=%d, topic=%s, err=%v", msg.ID, msg.Topic, sendErr)

	if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Printf("[NotifyOutboxSender] 标记消息失败状态失败: id=%d, err=%v", msg.ID, err)
		} else {
			log.Printf("[NotifyOutboxSender] 消息超过最大重试次数，标记为失败: id=%d", msg.ID)
		}
		return
	}

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Printf("[NotifyOutboxSender] 增加重试次数失败: id=%d, err=%v", msg.ID, err)
	}
}
