package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"salescrm/internal/config"
	"salescrm/internal/infrastructure/lock"
	"salescrm/internal/model"
	"salescrm/internal/repository"

	"gorm.io/gorm"
)

// ============================================================================
// 分类引擎
// ============================================================================
//
// 【新存 / 复存是怎么判定的？】
//
// 对每个 (业务员, 客户, 产品) 键：
//   1. 取出该键下全部 APPROVED 且未进回收站的事件，
//      按 (存款日期, 创建时间, ID) 升序排列
//   2. 顺序扫描，第一条备注不带追加标记的事件记 NEW，
//      其余全部记 REPEAT（所有带追加标记的事件无条件 REPEAT）
//   3. 键下没有不带标记的事件时，全部记 REPEAT，不产生 NEW
//
// 【为什么每次都整键覆写？】
//
// 事件会乱序补录、删除、恢复、审批、拒绝——任何一种变化都可能让
// "最早一笔"换人。增量修补很容易漏掉降级场景（比如恢复了一条更早的
// 记录，原来的 NEW 要降回 REPEAT），所以重算永远对整键全量覆写，
// 标签没变也照写。这样重算天然幂等，重复调用无害。
//
// 【谁能调用？】
//
// classification 字段只允许本引擎写入。所有事件变更（创建/审批/拒绝/
// 删除/恢复）必须在返回前同步触发本引擎；读端点一律只读存好的字段。
//
// ============================================================================

type ClassifyService struct {
	depositRepo repository.DepositEventRepository
	km          lock.KeyMutex
	cfg         *config.Config
}

func NewClassifyService(db *gorm.DB, km lock.KeyMutex, cfg *config.Config) *ClassifyService {
	return &ClassifyService{
		depositRepo: repository.NewDepositEventRepo(db),
		km:          km,
		cfg:         cfg,
	}
}

// Recompute 重算一个分类键下全部事件的新/复存标签
//
// 【关键点】调用方必须已持有该键的互斥锁（见 lock.KeyMutex）。
// 标签批量写入在单个事务内完成：要么整键换上新标签，要么维持旧标签，
// 绝不会留下一半新一半旧。整体失败时按配置重试，重试耗尽才向上报错。
func (s *ClassifyService) Recompute(ctx context.Context, key model.ClassificationKey) error {
	maxRetry := s.cfg.Business.MaxRetryCount

	var lastErr error
	for attempt := 0; attempt < maxRetry; attempt++ {
		if err := s.recomputeOnce(ctx, key); err != nil {
			lastErr = err
			log.Printf("[ClassifyService] 重算失败（第 %d 次）: key=%s, err=%v", attempt+1, key, err)
			continue
		}
		return nil
	}

	return fmt.Errorf("%w: key=%s: %v", ErrRecomputeFailed, key, lastErr)
}

func (s *ClassifyService) recomputeOnce(ctx context.Context, key model.ClassificationKey) error {
	events, err := s.depositRepo.ListApprovedByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("查询键下事件失败: %w", err)
	}

	labels := s.computeLabels(events)
	if err := s.depositRepo.UpdateClassifications(ctx, labels); err != nil {
		return fmt.Errorf("写入分类标签失败: %w", err)
	}
	return nil
}

// computeLabels 对已排序的事件列表计算标签集
// 输入必须按 (date, created_at, id) 升序；输出覆盖列表中的每一条
func (s *ClassifyService) computeLabels(events []*model.DepositEvent) map[int64]string {
	marker := s.cfg.Business.AdditionalMarker

	labels := make(map[int64]string, len(events))
	newAssigned := false
	for _, ev := range events {
		if !newAssigned && !ev.IsAdditional(marker) {
			labels[ev.ID] = model.ClassificationNew
			newAssigned = true
			continue
		}
		labels[ev.ID] = model.ClassificationRepeat
	}
	return labels
}

// EarliestDate 首存索引：返回键下最早一笔合格存款的日期
// 合格 = APPROVED、未删除、不带追加标记；没有合格事件时返回 nil
// 同日期多笔时按创建时间（再按ID）取最早的一笔，保证 NEW 归属确定
func (s *ClassifyService) EarliestDate(ctx context.Context, key model.ClassificationKey) (*time.Time, error) {
	events, err := s.depositRepo.ListApprovedByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	marker := s.cfg.Business.AdditionalMarker
	for _, ev := range events {
		if !ev.IsAdditional(marker) {
			d := ev.Date
			return &d, nil
		}
	}
	return nil, nil
}

// RecomputeAll 全量重算：遍历库中全部分类键逐一重算
// 供迁移/回填使用；单键失败只记日志不中断，最后汇报成功与失败数
func (s *ClassifyService) RecomputeAll(ctx context.Context) (succeeded, failed int, err error) {
	keys, err := s.depositRepo.ListKeys(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("查询分类键失败: %w", err)
	}

	for _, key := range keys {
		if err := s.recomputeKeyLocked(ctx, key); err != nil {
			log.Printf("[ClassifyService] 全量重算单键失败: key=%s, err=%v", key, err)
			failed++
			continue
		}
		succeeded++
	}

	log.Printf("[ClassifyService] 全量重算完成: 键总数=%d, 成功=%d, 失败=%d", len(keys), succeeded, failed)
	return succeeded, failed, nil
}

func (s *ClassifyService) recomputeKeyLocked(ctx context.Context, key model.ClassificationKey) error {
	release, err := s.km.Acquire(ctx, key.LockKey())
	if err != nil {
		return err
	}
	defer release()
	return s.Recompute(ctx, key)
}
