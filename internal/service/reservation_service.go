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
// 预约登记处
// ============================================================================
//
// 一条预约表示一个业务员对一个客户（按产品维度）的独占认领。
// 不变量：同一 (客户, 产品) 同时至多一条 APPROVED 预约。
//
// 生命周期：
//   申请（非管理员 PENDING / 管理员直接 APPROVED）
//   -> 管理员批准 / 驳回（驳回直接删除）
//   -> 宽限期内无新存款被定时任务归档，或管理员显式释放（均进归档表）
//   -> 同一业务员再为该客户录入存款且客户当前无人认领时自动恢复
//
// 所有会影响不变量的操作都在 (客户, 产品) 键的互斥锁内执行。
//
// ============================================================================

type ReservationService struct {
	reservRepo  repository.ReservationRepository
	archiveRepo repository.ReservationArchiveRepository
	bonusRepo   repository.BonusClaimRepository
	notifSvc    *NotificationService
	km          lock.KeyMutex
	cfg         *config.Config
	db          *gorm.DB
	now         func() time.Time // 测试可替换
}

func NewReservationService(db *gorm.DB, km lock.KeyMutex, cfg *config.Config, notifSvc *NotificationService) *ReservationService {
	return &ReservationService{
		reservRepo:  repository.NewReservationRepo(db),
		archiveRepo: repository.NewReservationArchiveRepo(db),
		bonusRepo:   repository.NewBonusClaimRepo(db),
		notifSvc:    notifSvc,
		km:          km,
		cfg:         cfg,
		db:          db,
		now:         time.Now,
	}
}

type RequestReservationInput struct {
	CustomerID   string // 原始客户编号，内部归一化
	ProductID    string
	StaffID      int64
	ActorIsAdmin bool // 管理员代录时直接 APPROVED
}

// Request 申请预约
// 同一 (客户, 产品) 已有 PENDING 或 APPROVED 预约时（不论归谁）驳回，
// 并在错误里带上当前占有人
func (s *ReservationService) Request(ctx context.Context, in *RequestReservationInput) (*model.Reservation, error) {
	customerNorm := normalize.CustomerID(in.CustomerID)
	if customerNorm == "" {
		return nil, ErrInvalidIdentifier
	}
	if in.ProductID == "" || in.StaffID == 0 {
		return nil, fmt.Errorf("产品和业务员不能为空")
	}

	release, err := s.km.Acquire(ctx, model.ReservationLockKey(customerNorm, in.ProductID))
	if err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	existing, err := s.reservRepo.GetActiveByCustomerProduct(ctx, customerNorm, in.ProductID)
	if err != nil {
		return nil, fmt.Errorf("查询预约失败: %w", err)
	}
	if existing != nil {
		return nil, &ReservationConflictError{HolderStaffID: existing.StaffID, Status: existing.Status}
	}

	res := &model.Reservation{
		ReservationNo:  idgen.GenerateReservationNo(),
		CustomerIDNorm: customerNorm,
		ProductID:      in.ProductID,
		StaffID:        in.StaffID,
		Status:         model.ReservationStatusPending,
	}
	if in.ActorIsAdmin {
		now := s.now()
		res.Status = model.ReservationStatusApproved
		res.ApprovedAt = &now
	}

	err = withTx(s.db, func(tx *gorm.DB) error {
		if err := s.reservRepo.Create(ctx, tx, res); err != nil {
			return fmt.Errorf("创建预约失败: %w", err)
		}
		if res.Status == model.ReservationStatusPending {
			return s.notifSvc.NotifyAdmins(ctx, tx, model.NotifyTypeReservationRequest,
				fmt.Sprintf("业务员 %d 申请预约客户 %s（产品 %s）", in.StaffID, customerNorm, in.ProductID),
				map[string]interface{}{
					"reservation_no": res.ReservationNo,
					"staff_id":       in.StaffID,
					"customer":       customerNorm,
					"product_id":     in.ProductID,
				})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// Approve 批准待审预约
func (s *ReservationService) Approve(ctx context.Context, id int64) error {
	res, err := s.reservRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if res.Status != model.ReservationStatusPending {
		return ErrAlreadyProcessed
	}

	release, err := s.km.Acquire(ctx, model.ReservationLockKey(res.CustomerIDNorm, res.ProductID))
	if err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	// 拿锁后再验占用：期间可能有别的预约被批准或自动恢复
	approved, err := s.reservRepo.GetApprovedByCustomerProduct(ctx, res.CustomerIDNorm, res.ProductID)
	if err != nil {
		return fmt.Errorf("查询预约失败: %w", err)
	}
	if approved != nil {
		return &ReservationConflictError{HolderStaffID: approved.StaffID, Status: approved.Status}
	}

	return withTx(s.db, func(tx *gorm.DB) error {
		if err := s.reservRepo.SetApproved(ctx, tx, id, s.now()); err != nil {
			if err == repository.ErrStatusConflict {
				return ErrAlreadyProcessed
			}
			return err
		}
		return s.notifSvc.NotifyUser(ctx, tx, res.StaffID, model.NotifyTypeReservationResult,
			fmt.Sprintf("您对客户 %s 的预约已批准", res.CustomerIDNorm),
			map[string]interface{}{"reservation_no": res.ReservationNo, "result": "APPROVED"})
	})
}

// Reject 驳回待审预约：删除记录并通知申请人
func (s *ReservationService) Reject(ctx context.Context, id int64) error {
	res, err := s.reservRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if res.Status != model.ReservationStatusPending {
		return ErrAlreadyProcessed
	}

	release, err := s.km.Acquire(ctx, model.ReservationLockKey(res.CustomerIDNorm, res.ProductID))
	if err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	return withTx(s.db, func(tx *gorm.DB) error {
		if err := s.reservRepo.Delete(ctx, tx, id); err != nil {
			return err
		}
		return s.notifSvc.NotifyUser(ctx, tx, res.StaffID, model.NotifyTypeReservationResult,
			fmt.Sprintf("您对客户 %s 的预约已被驳回", res.CustomerIDNorm),
			map[string]interface{}{"reservation_no": res.ReservationNo, "result": "REJECTED"})
	})
}

// Release 释放已批准的预约
// 预约进归档表（原因 RELEASED），依附于它的奖金申报级联删除
func (s *ReservationService) Release(ctx context.Context, id int64) error {
	res, err := s.reservRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if res.Status != model.ReservationStatusApproved {
		return ErrAlreadyProcessed
	}

	release, err := s.km.Acquire(ctx, model.ReservationLockKey(res.CustomerIDNorm, res.ProductID))
	if err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	return withTx(s.db, func(tx *gorm.DB) error {
		if err := s.archiveRepo.Create(ctx, tx, s.toArchive(res, model.ArchiveReasonReleased)); err != nil {
			return fmt.Errorf("归档预约失败: %w", err)
		}
		if err := s.reservRepo.Delete(ctx, tx, id); err != nil {
			return err
		}
		return s.bonusRepo.DeleteByReservationID(ctx, tx, id)
	})
}

// IsClaimed 冲突网关查询：返回当前认领该 (客户, 产品) 的业务员，0 表示无人认领
// 只认 APPROVED 预约；PENDING 的申请不构成认领
func (s *ReservationService) IsClaimed(ctx context.Context, customerIDNorm, productID string) (int64, error) {
	res, err := s.reservRepo.GetApprovedByCustomerProduct(ctx, customerIDNorm, productID)
	if err != nil {
		return 0, err
	}
	if res == nil {
		return 0, nil
	}
	return res.StaffID, nil
}

// Status 预约状态查询，供前端展示认领归属
func (s *ReservationService) Status(ctx context.Context, customerID, productID string) (*model.Reservation, error) {
	customerNorm := normalize.CustomerID(customerID)
	if customerNorm == "" {
		return nil, ErrInvalidIdentifier
	}
	return s.reservRepo.GetActiveByCustomerProduct(ctx, customerNorm, productID)
}

// SyncLastDeposit 每笔已审批存款落地后刷新对应预约的最近存款日期
func (s *ReservationService) SyncLastDeposit(ctx context.Context, customerIDNorm string, staffID int64, date time.Time) error {
	return s.reservRepo.UpdateLastDeposit(ctx, customerIDNorm, staffID, date)
}

// AutoRestore 自动恢复归档预约
// 客户当前无人认领、且该业务员有此 (客户, 产品) 的归档记录时，
// 原地恢复为 APPROVED 并删除归档——处理"预约过期后客户回头"的场景。
// 幂等：重复调用只在条件满足时动作一次
func (s *ReservationService) AutoRestore(ctx context.Context, customerIDNorm, productID string, staffID int64, date time.Time) error {
	release, err := s.km.Acquire(ctx, model.ReservationLockKey(customerIDNorm, productID))
	if err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer release()

	active, err := s.reservRepo.GetActiveByCustomerProduct(ctx, customerIDNorm, productID)
	if err != nil {
		return fmt.Errorf("查询预约失败: %w", err)
	}
	if active != nil {
		// 已有人认领（或有待审申请），不恢复
		return nil
	}

	arch, err := s.archiveRepo.GetByKey(ctx, customerIDNorm, productID, staffID)
	if err != nil {
		return fmt.Errorf("查询归档失败: %w", err)
	}
	if arch == nil {
		return nil
	}

	now := s.now()
	restored := &model.Reservation{
		ReservationNo:   idgen.GenerateReservationNo(),
		CustomerIDNorm:  customerIDNorm,
		ProductID:       productID,
		StaffID:         staffID,
		Status:          model.ReservationStatusApproved,
		ApprovedAt:      &now,
		LastDepositDate: &date,
	}

	err = withTx(s.db, func(tx *gorm.DB) error {
		if err := s.reservRepo.Create(ctx, tx, restored); err != nil {
			return fmt.Errorf("恢复预约失败: %w", err)
		}
		if err := s.archiveRepo.Delete(ctx, tx, arch.ID); err != nil {
			return fmt.Errorf("删除归档失败: %w", err)
		}
		return s.notifSvc.NotifyUser(ctx, tx, staffID, model.NotifyTypeReservationRestore,
			fmt.Sprintf("客户 %s 的预约已自动恢复", customerIDNorm),
			map[string]interface{}{"reservation_no": restored.ReservationNo, "customer": customerIDNorm})
	})
	if err != nil {
		return err
	}

	log.Printf("[ReservationService] 归档预约自动恢复: customer=%s, product=%s, staffID=%d",
		customerIDNorm, productID, staffID)
	return nil
}

// SweepExpired 宽限期扫描
// 归档所有"最近存款日期早于宽限期"的 APPROVED 预约；
// 从未有过存款的预约以批准时间为基准。返回归档条数
func (s *ReservationService) SweepExpired(ctx context.Context, nowDate time.Time) (int, error) {
	list, err := s.reservRepo.ListApproved(ctx)
	if err != nil {
		return 0, fmt.Errorf("查询预约失败: %w", err)
	}

	archived := 0
	for _, res := range list {
		grace := s.cfg.Business.GraceDays(res.ProductID)
		cutoff := nowDate.AddDate(0, 0, -grace)

		baseline := res.LastDepositDate
		if baseline == nil {
			baseline = res.ApprovedAt
		}
		if baseline == nil || !baseline.Before(cutoff) {
			continue
		}

		if err := s.archiveExpired(ctx, res); err != nil {
			log.Printf("[ReservationService] 归档过期预约失败: reservationNo=%s, err=%v", res.ReservationNo, err)
			continue
		}
		archived++
		log.Printf("[ReservationService] 预约超过宽限期已归档: reservationNo=%s, customer=%s, 宽限期=%d天",
			res.ReservationNo, res.CustomerIDNorm, grace)
	}
	return archived, nil
}

func (s *ReservationService) archiveExpired(ctx context.Context, res *model.Reservation) error {
	release, err := s.km.Acquire(ctx, model.ReservationLockKey(res.CustomerIDNorm, res.ProductID))
	if err != nil {
		return err
	}
	defer release()

	// 拿锁后复核状态，避免和同时进行的存款提交/释放互相踩踏
	current, err := s.reservRepo.GetByID(ctx, res.ID)
	if err != nil {
		if err == repository.ErrReservationNotFound {
			return nil
		}
		return err
	}
	if current.Status != model.ReservationStatusApproved {
		return nil
	}

	return withTx(s.db, func(tx *gorm.DB) error {
		if err := s.archiveRepo.Create(ctx, tx, s.toArchive(current, model.ArchiveReasonExpired)); err != nil {
			return err
		}
		return s.reservRepo.Delete(ctx, tx, current.ID)
	})
}

func (s *ReservationService) toArchive(res *model.Reservation, reason string) *model.ReservationArchive {
	return &model.ReservationArchive{
		ReservationNo:   res.ReservationNo,
		CustomerIDNorm:  res.CustomerIDNorm,
		ProductID:       res.ProductID,
		StaffID:         res.StaffID,
		LastDepositDate: res.LastDepositDate,
		Reason:          reason,
	}
}

func (s *ReservationService) List(ctx context.Context, status string, page, pageSize int) ([]*model.Reservation, int64, error) {
	return s.reservRepo.ListByStatus(ctx, status, page, pageSize)
}

func (s *ReservationService) ListArchive(ctx context.Context, page, pageSize int) ([]*model.ReservationArchive, int64, error) {
	return s.archiveRepo.List(ctx, page, pageSize)
}
