package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 注册所有路由
func SetupRouter(h *Handler) *gin.Engine {
	r := gin.New()

	// 全局中间件
	r.Use(LoggerMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(CORSMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// API v1：所有业务接口都要求网关注入的用户身份
	v1 := r.Group("/api/v1")
	v1.Use(PrincipalMiddleware())
	{
		// 存款
		deposit := v1.Group("/deposit")
		{
			deposit.POST("/submit", h.SubmitDeposit)
			deposit.GET("/list", h.ListDeposits)
			deposit.GET("/detail", h.GetDeposit)
			deposit.GET("/first-date", h.FirstDepositDate)
		}

		// 存款管理（审批 / 回收站需要管理员）
		depositAdmin := v1.Group("/deposit")
		depositAdmin.Use(RequireAdmin())
		{
			depositAdmin.POST("/approve", h.ApproveDeposit)
			depositAdmin.POST("/decline", h.DeclineDeposit)
			depositAdmin.POST("/trash", h.TrashDeposit)
			depositAdmin.POST("/restore", h.RestoreDeposit)
			depositAdmin.POST("/purge", h.PurgeDeposit)
			depositAdmin.GET("/pending", h.ListPendingDeposits)
			depositAdmin.GET("/trash/list", h.ListTrashedDeposits)
		}

		// 预约
		reservation := v1.Group("/reservation")
		{
			reservation.POST("/request", h.RequestReservation)
			reservation.GET("/list", h.ListReservations)
			reservation.GET("/status", h.ReservationStatus)
		}

		reservationAdmin := v1.Group("/reservation")
		reservationAdmin.Use(RequireAdmin())
		{
			reservationAdmin.POST("/approve", h.ApproveReservation)
			reservationAdmin.POST("/reject", h.RejectReservation)
			reservationAdmin.POST("/release", h.ReleaseReservation)
			reservationAdmin.GET("/archive", h.ListReservationArchive)
		}

		// 报表
		report := v1.Group("/report")
		{
			report.GET("/leaderboard", h.Leaderboard)
			report.GET("/daily", h.DailySummary)
			report.GET("/bonus", h.BonusSummary)
			report.GET("/retention", h.Retention)
		}

		// 奖金申报
		bonus := v1.Group("/bonus")
		{
			bonus.POST("/claim", h.SubmitBonusClaim)
			bonus.GET("/claims", h.ListBonusClaims)
		}

		// 通知
		notification := v1.Group("/notification")
		{
			notification.GET("/list", h.ListNotifications)
			notification.POST("/read", h.MarkNotificationRead)
		}

		// 管理端运维
		admin := v1.Group("/admin")
		admin.Use(RequireAdmin())
		{
			admin.POST("/recompute", h.RecomputeAll)
		}
	}

	return r
}
