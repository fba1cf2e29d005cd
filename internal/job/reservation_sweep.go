package job

import (
	"context"
	"log"
	"time"

	"salescrm/internal/config"
	"salescrm/internal/service"
)

// ReservationSweepJob 预约宽限期扫描任务
// 周期性归档"最近存款日期超过宽限期"的 APPROVED 预约；
// 客户回头时由 AutoRestore 负责把归档捞回来
type ReservationSweepJob struct {
	reservSvc *service.ReservationService
	cfg       *config.Config
	interval  time.Duration
}

func NewReservationSweepJob(reservSvc *service.ReservationService, cfg *config.Config) *ReservationSweepJob {
	return &ReservationSweepJob{
		reservSvc: reservSvc,
		cfg:       cfg,
		interval:  time.Hour,
	}
}

func (j *ReservationSweepJob) Start(ctx context.Context) {
	log.Println("[ReservationSweepJob] 预约宽限期扫描任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReservationSweepJob] 收到停止信号，任务退出")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *ReservationSweepJob) sweep(ctx context.Context) {
	now := time.Now().In(j.cfg.Business.Location())

	archived, err := j.reservSvc.SweepExpired(ctx, now)
	if err != nil {
		log.Printf("[ReservationSweepJob] 扫描失败: %v", err)
		return
	}
	if archived > 0 {
		log.Printf("[ReservationSweepJob] 本次归档 %d 条过期预约", archived)
	}
}
