package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"salescrm/internal/config"
	"salescrm/internal/model"
	"salescrm/internal/repository"
	"salescrm/pkg/idgen"

	"gorm.io/gorm"
)

// ============================================================================
// 聚合视图
// ============================================================================
//
// 排行榜、奖金计算、日报、留存报表共同的铁律：
//   1. 只经由 DepositService.ListEvents 读取（口径统一为 APPROVED 且未删除）
//   2. 只消费存好的 classification 字段，绝不自行推导新/复存
//
// 历史教训：各报表各算一遍"是不是首笔"，六个端点六种口径，数字对不上。
//
// ============================================================================

type ReportService struct {
	depositSvc *DepositService
	reservRepo repository.ReservationRepository
	bonusRepo  repository.BonusClaimRepository
	cfg        *config.Config
	db         *gorm.DB
}

func NewReportService(db *gorm.DB, cfg *config.Config, depositSvc *DepositService) *ReportService {
	return &ReportService{
		depositSvc: depositSvc,
		reservRepo: repository.NewReservationRepo(db),
		bonusRepo:  repository.NewBonusClaimRepo(db),
		cfg:        cfg,
		db:         db,
	}
}

// ----------------------------------------------------------------------------
// 排行榜
// ----------------------------------------------------------------------------

type LeaderboardRow struct {
	StaffID     int64 `json:"staff_id"`
	NewCount    int   `json:"new_count"`
	RepeatCount int   `json:"repeat_count"`
	TotalAmount int64 `json:"total_amount"`
}

// Leaderboard 业务员排行：按新存客户数降序，新存数相同按总额降序
func (s *ReportService) Leaderboard(ctx context.Context, from, to *time.Time, productID string) ([]*LeaderboardRow, error) {
	events, _, err := s.depositSvc.ListEvents(ctx, repository.ListEventsFilter{
		ProductID: productID,
		DateFrom:  from,
		DateTo:    to,
	})
	if err != nil {
		return nil, err
	}

	byStaff := make(map[int64]*LeaderboardRow)
	for _, ev := range events {
		row, ok := byStaff[ev.StaffID]
		if !ok {
			row = &LeaderboardRow{StaffID: ev.StaffID}
			byStaff[ev.StaffID] = row
		}
		switch ev.Classification {
		case model.ClassificationNew:
			row.NewCount++
		case model.ClassificationRepeat:
			row.RepeatCount++
		}
		row.TotalAmount += ev.TotalAmount
	}

	rows := make([]*LeaderboardRow, 0, len(byStaff))
	for _, row := range byStaff {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].NewCount != rows[j].NewCount {
			return rows[i].NewCount > rows[j].NewCount
		}
		if rows[i].TotalAmount != rows[j].TotalAmount {
			return rows[i].TotalAmount > rows[j].TotalAmount
		}
		return rows[i].StaffID < rows[j].StaffID
	})
	return rows, nil
}

// ----------------------------------------------------------------------------
// 日报
// ----------------------------------------------------------------------------

type DailySummaryRow struct {
	Date        string `json:"date"` // 2006-01-02
	EventCount  int    `json:"event_count"`
	NewCount    int    `json:"new_count"`
	RepeatCount int    `json:"repeat_count"`
	TotalAmount int64  `json:"total_amount"`
}

// DailySummary 按自然日汇总，日期升序
func (s *ReportService) DailySummary(ctx context.Context, from, to *time.Time, staffID int64) ([]*DailySummaryRow, error) {
	events, _, err := s.depositSvc.ListEvents(ctx, repository.ListEventsFilter{
		StaffID:  staffID,
		DateFrom: from,
		DateTo:   to,
	})
	if err != nil {
		return nil, err
	}

	byDate := make(map[string]*DailySummaryRow)
	for _, ev := range events {
		day := ev.Date.Format("2006-01-02")
		row, ok := byDate[day]
		if !ok {
			row = &DailySummaryRow{Date: day}
			byDate[day] = row
		}
		row.EventCount++
		switch ev.Classification {
		case model.ClassificationNew:
			row.NewCount++
		case model.ClassificationRepeat:
			row.RepeatCount++
		}
		row.TotalAmount += ev.TotalAmount
	}

	rows := make([]*DailySummaryRow, 0, len(byDate))
	for _, row := range byDate {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })
	return rows, nil
}

// ----------------------------------------------------------------------------
// 奖金计算
// ----------------------------------------------------------------------------

type BonusSummaryRow struct {
	StaffID       int64 `json:"staff_id"`
	EligibleCount int   `json:"eligible_count"` // 合计金额达标的新存客户数
	ClaimCount    int   `json:"claim_count"`    // 已提交的奖金申报数
	ClaimAmount   int64 `json:"claim_amount"`
}

// BonusSummary 某月每个业务员的奖金概况
// 达标口径：当月 classification=NEW 且合计金额 >= bonus_min_amount
func (s *ReportService) BonusSummary(ctx context.Context, month string, staffID int64) ([]*BonusSummaryRow, error) {
	from, to, err := monthRange(month)
	if err != nil {
		return nil, err
	}

	events, _, err := s.depositSvc.ListEvents(ctx, repository.ListEventsFilter{
		StaffID:  staffID,
		DateFrom: &from,
		DateTo:   &to,
	})
	if err != nil {
		return nil, err
	}

	byStaff := make(map[int64]*BonusSummaryRow)
	for _, ev := range events {
		if ev.Classification != model.ClassificationNew {
			continue
		}
		if ev.TotalAmount < s.cfg.Business.BonusMinAmount {
			continue
		}
		row, ok := byStaff[ev.StaffID]
		if !ok {
			row = &BonusSummaryRow{StaffID: ev.StaffID}
			byStaff[ev.StaffID] = row
		}
		row.EligibleCount++
	}

	claims, err := s.bonusRepo.ListByMonth(ctx, month, staffID)
	if err != nil {
		return nil, err
	}
	for _, c := range claims {
		row, ok := byStaff[c.StaffID]
		if !ok {
			row = &BonusSummaryRow{StaffID: c.StaffID}
			byStaff[c.StaffID] = row
		}
		row.ClaimCount++
		row.ClaimAmount += c.Amount
	}

	rows := make([]*BonusSummaryRow, 0, len(byStaff))
	for _, row := range byStaff {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StaffID < rows[j].StaffID })
	return rows, nil
}

// SubmitBonusClaim 提交奖金资格申报，必须挂在申报人自己的 APPROVED 预约上
func (s *ReportService) SubmitBonusClaim(ctx context.Context, staffID, reservationID int64, month string, amount int64) (*model.BonusClaim, error) {
	if _, _, err := monthRange(month); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("金额必须大于0")
	}

	res, err := s.reservRepo.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.StaffID != staffID {
		return nil, ErrPermissionDenied
	}
	if res.Status != model.ReservationStatusApproved {
		return nil, ErrAlreadyProcessed
	}

	claim := &model.BonusClaim{
		ClaimNo:        idgen.GenerateClaimNo(),
		ReservationID:  reservationID,
		StaffID:        staffID,
		CustomerIDNorm: res.CustomerIDNorm,
		ProductID:      res.ProductID,
		Month:          month,
		Amount:         amount,
	}
	if err := s.bonusRepo.Create(ctx, nil, claim); err != nil {
		return nil, fmt.Errorf("创建奖金申报失败: %w", err)
	}
	return claim, nil
}

func (s *ReportService) ListBonusClaims(ctx context.Context, month string, staffID int64) ([]*model.BonusClaim, error) {
	if _, _, err := monthRange(month); err != nil {
		return nil, err
	}
	return s.bonusRepo.ListByMonth(ctx, month, staffID)
}

// ----------------------------------------------------------------------------
// 留存报表
// ----------------------------------------------------------------------------

type RetentionRow struct {
	StaffID           int64   `json:"staff_id"`
	CustomerCount     int     `json:"customer_count"`     // 区间内有新存记录的客户数
	RetainedCount     int     `json:"retained_count"`     // 其中又产生复存的客户数
	RetentionRate     float64 `json:"retention_rate"`     // RetainedCount / CustomerCount
	RepeatEventCount  int     `json:"repeat_event_count"` // 区间内复存笔数
}

// Retention 留存：每个业务员名下，区间内新存客户中后续又复存的比例
func (s *ReportService) Retention(ctx context.Context, from, to *time.Time, productID string) ([]*RetentionRow, error) {
	events, _, err := s.depositSvc.ListEvents(ctx, repository.ListEventsFilter{
		ProductID: productID,
		DateFrom:  from,
		DateTo:    to,
	})
	if err != nil {
		return nil, err
	}

	type staffCustomers struct {
		newCustomers    map[string]bool
		repeatCustomers map[string]bool
		repeatEvents    int
	}
	byStaff := make(map[int64]*staffCustomers)
	for _, ev := range events {
		sc, ok := byStaff[ev.StaffID]
		if !ok {
			sc = &staffCustomers{
				newCustomers:    make(map[string]bool),
				repeatCustomers: make(map[string]bool),
			}
			byStaff[ev.StaffID] = sc
		}
		switch ev.Classification {
		case model.ClassificationNew:
			sc.newCustomers[ev.CustomerIDNorm] = true
		case model.ClassificationRepeat:
			sc.repeatCustomers[ev.CustomerIDNorm] = true
			sc.repeatEvents++
		}
	}

	rows := make([]*RetentionRow, 0, len(byStaff))
	for staffID, sc := range byStaff {
		row := &RetentionRow{
			StaffID:          staffID,
			CustomerCount:    len(sc.newCustomers),
			RepeatEventCount: sc.repeatEvents,
		}
		for customer := range sc.newCustomers {
			if sc.repeatCustomers[customer] {
				row.RetainedCount++
			}
		}
		if row.CustomerCount > 0 {
			row.RetentionRate = float64(row.RetainedCount) / float64(row.CustomerCount)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StaffID < rows[j].StaffID })
	return rows, nil
}

// monthRange 把 YYYY-MM 解析为当月首末两天
func monthRange(month string) (time.Time, time.Time, error) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("月份格式应为 YYYY-MM")
	}
	from := t
	to := t.AddDate(0, 1, -1)
	return from, to, nil
}
