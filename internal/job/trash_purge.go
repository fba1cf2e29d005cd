package job

import (
	"context"
	"log"
	"time"

	"salescrm/internal/config"
	"salescrm/internal/service"
)

// TrashPurgeJob 回收站清理任务
// 物理删除在回收站超过保留期的存款事件（终态，不可恢复）
type TrashPurgeJob struct {
	depositSvc *service.DepositService
	cfg        *config.Config
	interval   time.Duration
	batchSize  int
}

func NewTrashPurgeJob(depositSvc *service.DepositService, cfg *config.Config) *TrashPurgeJob {
	return &TrashPurgeJob{
		depositSvc: depositSvc,
		cfg:        cfg,
		interval:   6 * time.Hour,
		batchSize:  200,
	}
}

func (j *TrashPurgeJob) Start(ctx context.Context) {
	log.Println("[TrashPurgeJob] 回收站清理任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[TrashPurgeJob] 收到停止信号，任务退出")
			return
		case <-ticker.C:
			j.purge(ctx)
		}
	}
}

func (j *TrashPurgeJob) purge(ctx context.Context) {
	retention := j.cfg.Business.TrashRetentionDays
	cutoff := time.Now().In(j.cfg.Business.Location()).AddDate(0, 0, -retention)

	purged, err := j.depositSvc.PurgeTrashedBefore(ctx, cutoff, j.batchSize)
	if err != nil {
		log.Printf("[TrashPurgeJob] 清理失败: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("[TrashPurgeJob] 本次物理删除 %d 条回收站事件（保留期 %d 天）", purged, retention)
	}
}
