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
	"salescrm/pkg/idgen"
	"salescrm/pkg/normalize"

	"gorm.io/gorm"
)

// ============================================================================
// 冲突网关 + 存款事件存储
// ============================================================================
//
// 【提交一笔存款会发生什么？】
//
// 1. 归一化客户编号（空编号直接拒绝，不落库）
// 2. 查预约登记处：该 (客户, 产品) 当前归谁认领？
//    - 无人认领 / 归提交人认领 -> 事件 APPROVED 落库，
//      同步重算该键分类，然后刷新预约最近存款日期、尝试自动恢复归档预约
//    - 归他人认领 -> 事件 PENDING 落库并记下占有人，通知管理员人工处理；
//      在批准前不进首存索引、不进任何统计视图
// 3. 待审事件由管理员批准（转 APPROVED，走与直批相同的重算/同步流程）
//    或拒绝（物理删除，重算键下剩余事件）
//
// 【状态机】
//
//   CREATED -> {APPROVED | PENDING}          （冲突网关）
//   PENDING -> {APPROVED | 删除}             （管理员审批）
//   APPROVED -> trashed=true -> trashed=false （回收站，可逆）
//   trashed=true -> 物理删除                  （回收站清理，终态）
//
// 每一条会改变"APPROVED 且未删除"集合的边都在返回前同步触发分类重算，
// 并且整个变更在该键的互斥锁内执行。
//
// ============================================================================

type DepositService struct {
	depositRepo repository.DepositEventRepository
	classifySvc *ClassifyService
	reservSvc   *ReservationService
	notifSvc    *NotificationService
	km          lock.KeyMutex
	cfg         *config.Config
	db          *gorm.DB
}

func NewDepositService(db *gorm.DB, km lock.KeyMutex, cfg *config.Config,
	classifySvc *ClassifyService, reservSvc *ReservationService, notifSvc *NotificationService) *DepositService {
	return &DepositService{
		depositRepo: repository.NewDepositEventRepo(db),
		classifySvc: classifySvc,
		reservSvc:   reservSvc,
		notifSvc:    notifSvc,
		km:          km,
		cfg:         cfg,
		db:          db,
	}
}

type SubmitDepositRequest struct {
	RequestID  string // 幂等ID，客户端生成
	StaffID    int64
	CustomerID string // 原始客户编号
	ProductID  string
	Date       time.Time // 存款日期（自然日）
	Amount     int64
	Multiplier int // 0 视为 1
	Note       string
	Extra      model.ExtraColumns
}

type SubmitDepositResponse struct {
	EventNo        string `json:"event_no"`
	ApprovalStatus string `json:"approval_status"`
	Classification string `json:"classification,omitempty"`
	ConflictStaff  int64  `json:"conflict_staff,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Submit 存款提交入口（冲突网关）
func (s *DepositService) Submit(ctx context.Context, req *SubmitDepositRequest) (*SubmitDepositResponse, error) {
	customerNorm := normalize.CustomerID(req.CustomerID)
	if customerNorm == "" {
		return nil, ErrInvalidIdentifier
	}
	if req.StaffID == 0 || req.ProductID == "" || req.Date.IsZero() {
		return nil, fmt.Errorf("业务员、产品和日期不能为空")
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("金额必须大于0")
	}

	// 幂等校验
	if existing, err := s.depositRepo.GetByRequestID(ctx, req.RequestID); err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	} else if existing != nil {
		return s.toSubmitResponse(existing, "事件已存在"), nil
	}

	multiplier := req.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	key := model.ClassificationKey{
		StaffID:        req.StaffID,
		CustomerIDNorm: customerNorm,
		ProductID:      req.ProductID,
	}

	// 分类键临界区：同键并发提交必须串行，否则可能出现两个 NEW
	release, err := s.km.Acquire(ctx, key.LockKey())
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	// 获取锁后再次检查幂等
	if existing, err := s.depositRepo.GetByRequestID(ctx, req.RequestID); err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	} else if existing != nil {
		return s.toSubmitResponse(existing, "事件已存在"), nil
	}

	// 占用读取也要进预约键临界区，否则并发的预约批准可能在读之后生效，
	// 本笔存款就绕过了冲突网关。只罩住读取，锁序仍是先分类键后预约键
	holder, err := s.claimHolder(ctx, customerNorm, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("查询预约失败: %w", err)
	}

	ev := &model.DepositEvent{
		EventNo:        idgen.GenerateEventNo(),
		RequestID:      req.RequestID,
		StaffID:        req.StaffID,
		CustomerIDRaw:  req.CustomerID,
		CustomerIDNorm: customerNorm,
		ProductID:      req.ProductID,
		Date:           req.Date,
		Amount:         req.Amount,
		Multiplier:     multiplier,
		TotalAmount:    req.Amount * int64(multiplier),
		Note:           req.Note,
		Extra:          req.Extra,
	}

	if holder != 0 && holder != req.StaffID {
		return s.submitConflicting(ctx, ev, holder)
	}
	return s.submitApproved(ctx, ev, key)
}

// claimHolder 在 (客户, 产品) 预约键的互斥锁内读取当前占有人
// 锁只覆盖读取本身，读完即放，后续建事件不持有预约锁
func (s *DepositService) claimHolder(ctx context.Context, customerNorm, productID string) (int64, error) {
	release, err := s.km.Acquire(ctx, model.ReservationLockKey(customerNorm, productID))
	if err != nil {
		return 0, err
	}
	defer release()
	return s.reservSvc.IsClaimed(ctx, customerNorm, productID)
}

// submitConflicting 客户已被他人认领：事件进入待审，通知管理员
func (s *DepositService) submitConflicting(ctx context.Context, ev *model.DepositEvent, holder int64) (*SubmitDepositResponse, error) {
	ev.ApprovalStatus = model.ApprovalStatusPending
	ev.ConflictStaff = holder
	ev.ConflictNote = fmt.Sprintf("客户 %s 已被业务员 %d 预约", ev.CustomerIDNorm, holder)

	err := withTx(s.db, func(tx *gorm.DB) error {
		if err := s.depositRepo.Create(ctx, tx, ev); err != nil {
			return fmt.Errorf("创建事件失败: %w", err)
		}
		return s.notifSvc.NotifyAdmins(ctx, tx, model.NotifyTypeDepositConflict,
			fmt.Sprintf("业务员 %d 为客户 %s 提交的存款与业务员 %d 的预约冲突，待人工处理",
				ev.StaffID, ev.CustomerIDNorm, holder),
			map[string]interface{}{
				"event_no":       ev.EventNo,
				"staff_id":       ev.StaffID,
				"customer":       ev.CustomerIDNorm,
				"product_id":     ev.ProductID,
				"conflict_staff": holder,
			})
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[DepositService] 存款提交进入待审: eventNo=%s, staffID=%d, 占有人=%d",
		ev.EventNo, ev.StaffID, holder)
	return s.toSubmitResponse(ev, "客户已被他人预约，本笔存款待管理员处理"), nil
}

// submitApproved 无冲突：事件直接 APPROVED，并完成重算与预约同步
func (s *DepositService) submitApproved(ctx context.Context, ev *model.DepositEvent, key model.ClassificationKey) (*SubmitDepositResponse, error) {
	ev.ApprovalStatus = model.ApprovalStatusApproved

	if err := s.depositRepo.Create(ctx, nil, ev); err != nil {
		return nil, fmt.Errorf("创建事件失败: %w", err)
	}

	if err := s.classifySvc.Recompute(ctx, key); err != nil {
		// 重试耗尽仍失败：补偿删除本次写入，维持键下原有标签集完整
		if delErr := s.depositRepo.Delete(ctx, nil, ev.ID); delErr != nil {
			log.Printf("[DepositService] 重算失败后补偿删除也失败: eventNo=%s, err=%v", ev.EventNo, delErr)
		}
		return nil, err
	}

	s.afterApproved(ctx, ev)

	// 回读拿到引擎写好的分类标签
	stored, err := s.depositRepo.GetByID(ctx, ev.ID)
	if err != nil {
		return nil, err
	}

	log.Printf("[DepositService] 存款已落库: eventNo=%s, key=%s, classification=%s",
		stored.EventNo, key, stored.Classification)
	return s.toSubmitResponse(stored, "提交成功"), nil
}

// afterApproved 事件转入 APPROVED 后的预约同步动作
// 失败不影响主流程（下一笔存款会再次同步），只记日志
func (s *DepositService) afterApproved(ctx context.Context, ev *model.DepositEvent) {
	if err := s.reservSvc.SyncLastDeposit(ctx, ev.CustomerIDNorm, ev.StaffID, ev.Date); err != nil {
		log.Printf("[DepositService] 刷新预约最近存款日期失败: eventNo=%s, err=%v", ev.EventNo, err)
	}
	if err := s.reservSvc.AutoRestore(ctx, ev.CustomerIDNorm, ev.ProductID, ev.StaffID, ev.Date); err != nil {
		log.Printf("[DepositService] 自动恢复归档预约失败: eventNo=%s, err=%v", ev.EventNo, err)
	}
}

// Approve 批准待审事件（管理员操作）
// 批准后走与直批提交相同的重算 / 预约同步流程
func (s *DepositService) Approve(ctx context.Context, id int64) error {
	ev, err := s.depositRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if ev.ApprovalStatus != model.ApprovalStatusPending {
		return ErrAlreadyProcessed
	}

	key := ev.Key()
	release, err := s.km.Acquire(ctx, key.LockKey())
	if err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	err = withTx(s.db, func(tx *gorm.DB) error {
		if err := s.depositRepo.UpdateApproval(ctx, tx, id, model.ApprovalStatusPending, model.ApprovalStatusApproved); err != nil {
			if err == repository.ErrStatusConflict {
				return ErrAlreadyProcessed
			}
			return err
		}
		return s.notifSvc.NotifyUser(ctx, tx, ev.StaffID, model.NotifyTypeDepositApproved,
			fmt.Sprintf("您为客户 %s 提交的存款已批准", ev.CustomerIDNorm),
			map[string]interface{}{"event_no": ev.EventNo})
	})
	if err != nil {
		return err
	}

	if err := s.classifySvc.Recompute(ctx, key); err != nil {
		// 重试耗尽仍失败：状态迁移已提交，事件会以空标签混进统计口径。
		// 和 Submit 的补偿删除对应，这里把事件退回 PENDING 并恢复冲突信息
		if revertErr := s.depositRepo.RevertToPending(ctx, nil, id, ev.ConflictStaff, ev.ConflictNote); revertErr != nil {
			log.Printf("[DepositService] 重算失败后回退待审也失败: eventNo=%s, err=%v", ev.EventNo, revertErr)
		}
		return err
	}

	s.afterApproved(ctx, ev)
	return nil
}

// Decline 拒绝待审事件（管理员操作）：物理删除并重算键下剩余事件
func (s *DepositService) Decline(ctx context.Context, id int64) error {
	ev, err := s.depositRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if ev.ApprovalStatus != model.ApprovalStatusPending {
		return ErrAlreadyProcessed
	}

	key := ev.Key()
	release, err := s.km.Acquire(ctx, key.LockKey())
	if err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	// 拿锁后复核：并发的批准操作可能已把事件转为 APPROVED
	ev, err = s.depositRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if ev.ApprovalStatus != model.ApprovalStatusPending {
		return ErrAlreadyProcessed
	}

	err = withTx(s.db, func(tx *gorm.DB) error {
		if err := s.depositRepo.Delete(ctx, tx, id); err != nil {
			return err
		}
		return s.notifSvc.NotifyUser(ctx, tx, ev.StaffID, model.NotifyTypeDepositDeclined,
			fmt.Sprintf("您为客户 %s 提交的存款已被拒绝", ev.CustomerIDNorm),
			map[string]interface{}{"event_no": ev.EventNo})
	})
	if err != nil {
		return err
	}

	return s.classifySvc.Recompute(ctx, key)
}

// Trash 移入回收站（软删除）
// 该事件退出"APPROVED 且未删除"集合，键下其余事件立即重算
// （如果删的是 NEW，下一笔合格事件会被晋升为 NEW）
func (s *DepositService) Trash(ctx context.Context, id int64) error {
	ev, err := s.depositRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if ev.Trashed {
		return ErrAlreadyProcessed
	}

	key := ev.Key()
	release, err := s.km.Acquire(ctx, key.LockKey())
	if err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	if err := s.depositRepo.SetTrashed(ctx, nil, id, true, time.Now()); err != nil {
		if err == repository.ErrStatusConflict {
			return ErrAlreadyProcessed
		}
		return err
	}

	if err := s.classifySvc.Recompute(ctx, key); err != nil {
		// 重算失败就把事件捞回来，不让键下标签停在删除前的旧状态
		if revertErr := s.depositRepo.SetTrashed(ctx, nil, id, false, time.Time{}); revertErr != nil {
			log.Printf("[DepositService] 重算失败后恢复事件也失败: eventNo=%s, err=%v", ev.EventNo, revertErr)
		}
		return err
	}
	return nil
}

// Restore 从回收站恢复
// 恢复的事件若早于当前 NEW，重算会把现任 NEW 降回 REPEAT
func (s *DepositService) Restore(ctx context.Context, id int64) error {
	ev, err := s.depositRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !ev.Trashed {
		return ErrAlreadyProcessed
	}

	key := ev.Key()
	release, err := s.km.Acquire(ctx, key.LockKey())
	if err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	if err := s.depositRepo.SetTrashed(ctx, nil, id, false, time.Time{}); err != nil {
		if err == repository.ErrStatusConflict {
			return ErrAlreadyProcessed
		}
		return err
	}

	if err := s.classifySvc.Recompute(ctx, key); err != nil {
		// 恢复失败同理回退，事件留在回收站等下次操作；保留原删除时间
		trashedAt := time.Now()
		if ev.TrashedAt != nil {
			trashedAt = *ev.TrashedAt
		}
		if revertErr := s.depositRepo.SetTrashed(ctx, nil, id, true, trashedAt); revertErr != nil {
			log.Printf("[DepositService] 重算失败后退回回收站也失败: eventNo=%s, err=%v", ev.EventNo, revertErr)
		}
		return err
	}
	return nil
}

// Purge 从回收站物理删除（终态，不可恢复）
func (s *DepositService) Purge(ctx context.Context, id int64) error {
	ev, err := s.depositRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !ev.Trashed {
		return ErrAlreadyProcessed
	}

	key := ev.Key()
	release, err := s.km.Acquire(ctx, key.LockKey())
	if err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	// 拿锁后复核：并发的恢复操作可能已把事件捞出回收站
	ev, err = s.depositRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !ev.Trashed {
		return ErrAlreadyProcessed
	}

	if err := s.depositRepo.Delete(ctx, nil, id); err != nil {
		return err
	}

	// 回收站里的事件本就不在已审批集合内，重算只为保险，幂等无害
	return s.classifySvc.Recompute(ctx, key)
}

// ListEvents 聚合视图统一读取契约
// 只返回 APPROVED 且未删除的事件；所有统计（排行榜、奖金、日报、留存）
// 必须经由这里读取，消费存好的 classification，不得自行推导
func (s *DepositService) ListEvents(ctx context.Context, filter repository.ListEventsFilter) ([]*model.DepositEvent, int64, error) {
	return s.depositRepo.List(ctx, filter)
}

func (s *DepositService) GetEvent(ctx context.Context, id int64) (*model.DepositEvent, error) {
	return s.depositRepo.GetByID(ctx, id)
}

func (s *DepositService) ListPending(ctx context.Context, page, pageSize int) ([]*model.DepositEvent, int64, error) {
	return s.depositRepo.ListPending(ctx, page, pageSize)
}

func (s *DepositService) ListTrashed(ctx context.Context, page, pageSize int) ([]*model.DepositEvent, int64, error) {
	return s.depositRepo.ListTrashed(ctx, page, pageSize)
}

// PurgeTrashedBefore 批量清理回收站中超过保留期的事件，定时任务调用
func (s *DepositService) PurgeTrashedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	events, err := s.depositRepo.ListTrashedBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, ev := range events {
		if err := s.Purge(ctx, ev.ID); err != nil {
			log.Printf("[DepositService] 清理回收站事件失败: eventNo=%s, err=%v", ev.EventNo, err)
			continue
		}
		purged++
	}
	return purged, nil
}

func (s *DepositService) toSubmitResponse(ev *model.DepositEvent, message string) *SubmitDepositResponse {
	return &SubmitDepositResponse{
		EventNo:        ev.EventNo,
		ApprovalStatus: ev.ApprovalStatus,
		Classification: ev.Classification,
		ConflictStaff:  ev.ConflictStaff,
		Message:        message,
	}
}
