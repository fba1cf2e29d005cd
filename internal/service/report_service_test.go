package service

import (
	"context"
	"errors"
	"testing"

	"salescrm/internal/repository"
)

func TestLeaderboardOrdering(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// 业务员 1：两个新存客户
	submit(t, env, "r1", 1, "C1", "P1", "2025-11-01")
	submit(t, env, "r2", 1, "C2", "P1", "2025-11-02")
	// 业务员 2：一个新存客户 + 一笔复存
	submit(t, env, "r3", 2, "C3", "P1", "2025-11-01")
	submit(t, env, "r4", 2, "C3", "P1", "2025-11-03")

	rows, err := env.reportSvc.Leaderboard(ctx, nil, nil, "")
	if err != nil {
		t.Fatalf("排行榜失败: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("行数 = %d, 期望 2", len(rows))
	}
	if rows[0].StaffID != 1 || rows[0].NewCount != 2 {
		t.Fatalf("第一名 = %+v, 期望业务员 1 新存 2", rows[0])
	}
	if rows[1].StaffID != 2 || rows[1].NewCount != 1 || rows[1].RepeatCount != 1 {
		t.Fatalf("第二名 = %+v, 期望业务员 2 新存 1 复存 1", rows[1])
	}
}

func TestLeaderboardConsumesStoredClassification(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	submit(t, env, "r1", 1, "C1", "P1", "2025-11-01")
	submit(t, env, "r2", 1, "C1", "P1", "2025-11-05")

	// 删掉 NEW 触发晋升，排行榜数字必须跟着存好的标签走
	events, _, _ := env.depositSvc.ListEvents(ctx, repository.ListEventsFilter{})
	if err := env.depositSvc.Trash(ctx, events[0].ID); err != nil {
		t.Fatalf("删除失败: %v", err)
	}

	rows, err := env.reportSvc.Leaderboard(ctx, nil, nil, "")
	if err != nil {
		t.Fatalf("排行榜失败: %v", err)
	}
	if len(rows) != 1 || rows[0].NewCount != 1 || rows[0].RepeatCount != 0 {
		t.Fatalf("删除后排行榜 = %+v, 期望新存 1 复存 0", rows)
	}
}

func TestDailySummaryGroupsByDate(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	submit(t, env, "r1", 1, "C1", "P1", "2025-11-01")
	submit(t, env, "r2", 1, "C2", "P1", "2025-11-01")
	submit(t, env, "r3", 1, "C1", "P1", "2025-11-05")

	rows, err := env.reportSvc.DailySummary(ctx, nil, nil, 0)
	if err != nil {
		t.Fatalf("日报失败: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("行数 = %d, 期望 2", len(rows))
	}
	if rows[0].Date != "2025-11-01" || rows[0].EventCount != 2 || rows[0].NewCount != 2 {
		t.Fatalf("11-01 行 = %+v", rows[0])
	}
	if rows[1].Date != "2025-11-05" || rows[1].RepeatCount != 1 {
		t.Fatalf("11-05 行 = %+v", rows[1])
	}
}

func TestBonusSummaryEligibility(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.cfg.Business.BonusMinAmount = 2000

	// C1 的 NEW 金额 1000 < 门槛；C2 的 NEW 金额 3000 达标
	if _, err := env.depositSvc.Submit(ctx, &SubmitDepositRequest{
		RequestID: "r1", StaffID: 1, CustomerID: "C1", ProductID: "P1",
		Date: date("2025-11-01"), Amount: 1000,
	}); err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if _, err := env.depositSvc.Submit(ctx, &SubmitDepositRequest{
		RequestID: "r2", StaffID: 1, CustomerID: "C2", ProductID: "P1",
		Date: date("2025-11-02"), Amount: 3000,
	}); err != nil {
		t.Fatalf("提交失败: %v", err)
	}

	rows, err := env.reportSvc.BonusSummary(ctx, "2025-11", 0)
	if err != nil {
		t.Fatalf("奖金概况失败: %v", err)
	}
	if len(rows) != 1 || rows[0].EligibleCount != 1 {
		t.Fatalf("达标数 = %+v, 期望 1", rows)
	}
}

func TestBonusSummaryRejectsBadMonth(t *testing.T) {
	env := newTestEnv()
	if _, err := env.reportSvc.BonusSummary(context.Background(), "2025/11", 0); err == nil {
		t.Fatalf("非法月份格式未报错")
	}
}

func TestSubmitBonusClaimOwnership(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	res, _ := env.reservSvc.Request(ctx, &RequestReservationInput{
		CustomerID: "C1", ProductID: "P1", StaffID: 1, ActorIsAdmin: true,
	})

	// 不是自己的预约不能申报
	if _, err := env.reportSvc.SubmitBonusClaim(ctx, 2, res.ID, "2025-11", 5000); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("期望 ErrPermissionDenied, 实际 %v", err)
	}

	claim, err := env.reportSvc.SubmitBonusClaim(ctx, 1, res.ID, "2025-11", 5000)
	if err != nil {
		t.Fatalf("申报失败: %v", err)
	}
	if claim.CustomerIDNorm != "c1" || claim.Month != "2025-11" {
		t.Fatalf("申报内容不符: %+v", claim)
	}

	rows, err := env.reportSvc.BonusSummary(ctx, "2025-11", 1)
	if err != nil {
		t.Fatalf("奖金概况失败: %v", err)
	}
	if len(rows) != 1 || rows[0].ClaimCount != 1 || rows[0].ClaimAmount != 5000 {
		t.Fatalf("申报统计 = %+v", rows)
	}
}

func TestSubmitBonusClaimRequiresApprovedReservation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	res, _ := env.reservSvc.Request(ctx, &RequestReservationInput{
		CustomerID: "C1", ProductID: "P1", StaffID: 1,
	})
	if _, err := env.reportSvc.SubmitBonusClaim(ctx, 1, res.ID, "2025-11", 5000); !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("PENDING 预约上的申报期望 ErrAlreadyProcessed, 实际 %v", err)
	}
}

func TestRetention(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// C1 新存后又复存（留存）；C2 只有新存
	submit(t, env, "r1", 1, "C1", "P1", "2025-11-01")
	submit(t, env, "r2", 1, "C1", "P1", "2025-11-10")
	submit(t, env, "r3", 1, "C2", "P1", "2025-11-02")

	rows, err := env.reportSvc.Retention(ctx, nil, nil, "")
	if err != nil {
		t.Fatalf("留存报表失败: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("行数 = %d, 期望 1", len(rows))
	}
	row := rows[0]
	if row.CustomerCount != 2 || row.RetainedCount != 1 || row.RepeatEventCount != 1 {
		t.Fatalf("留存行 = %+v, 期望客户 2 留存 1 复存笔数 1", row)
	}
	if row.RetentionRate != 0.5 {
		t.Fatalf("留存率 = %f, 期望 0.5", row.RetentionRate)
	}
}
