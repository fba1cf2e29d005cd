package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"salescrm/internal/model"
	"salescrm/internal/repository"
	"salescrm/internal/service"
	"salescrm/pkg/normalize"
	"salescrm/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	depositSvc  *service.DepositService
	classifySvc *service.ClassifyService
	reservSvc   *service.ReservationService
	notifSvc    *service.NotificationService
	reportSvc   *service.ReportService
}

// NewHandler 创建处理器实例
// 服务实例由 main 统一装配，HTTP 层和后台任务共用同一套
func NewHandler(depositSvc *service.DepositService, classifySvc *service.ClassifyService,
	reservSvc *service.ReservationService, notifSvc *service.NotificationService,
	reportSvc *service.ReportService) *Handler {
	return &Handler{
		depositSvc:  depositSvc,
		classifySvc: classifySvc,
		reservSvc:   reservSvc,
		notifSvc:    notifSvc,
		reportSvc:   reportSvc,
	}
}

// writeServiceError 把服务层错误映射为统一响应码
func writeServiceError(c *gin.Context, err error) {
	var conflictErr *service.ReservationConflictError
	switch {
	case errors.Is(err, service.ErrInvalidIdentifier):
		response.Error(c, response.CodeInvalidIdentifier, err.Error())
	case errors.As(err, &conflictErr):
		response.Error(c, response.CodeReservationConflict, err.Error())
	case errors.Is(err, service.ErrAlreadyProcessed):
		response.Error(c, response.CodeAlreadyProcessed, err.Error())
	case errors.Is(err, service.ErrPermissionDenied):
		response.Error(c, response.CodePermissionDenied, err.Error())
	case errors.Is(err, service.ErrRecomputeFailed):
		response.Error(c, response.CodeRecomputeFailed, err.Error())
	case errors.Is(err, repository.ErrEventNotFound),
		errors.Is(err, repository.ErrReservationNotFound):
		response.Error(c, response.CodeRecordNotFound, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 存款相关接口
// ============================================================

// SubmitDepositRequest 存款提交请求
type SubmitDepositRequest struct {
	RequestID  string             `json:"request_id" binding:"required"` // 幂等ID
	StaffID    int64              `json:"staff_id"`                      // 仅管理员代录时可指定
	CustomerID string             `json:"customer_id" binding:"required"`
	ProductID  string             `json:"product_id" binding:"required"`
	Date       string             `json:"date" binding:"required"` // 2006-01-02
	Amount     int64              `json:"amount" binding:"required,gt=0"`
	Multiplier int                `json:"multiplier"`
	Note       string             `json:"note"`
	Extra      model.ExtraColumns `json:"extra"`
}

// SubmitDeposit 提交存款
// POST /api/v1/deposit/submit
//
// 【关键点】提交是整个系统最核心的入口，需要保证：
// 1. 幂等性：相同的 request_id 只会落一条事件
// 2. 冲突拦截：撞上他人预约的提交进入待审，不进任何统计
// 3. 并发安全：同分类键的提交/重算在按键互斥锁内串行
func (h *Handler) SubmitDeposit(c *gin.Context) {
	var req SubmitDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		response.ParamError(c, "日期格式应为 2006-01-02")
		return
	}

	p := CurrentPrincipal(c)
	staffID := p.UserID
	if p.IsAdmin() && req.StaffID != 0 {
		staffID = req.StaffID
	}

	result, err := h.depositSvc.Submit(c.Request.Context(), &service.SubmitDepositRequest{
		RequestID:  req.RequestID,
		StaffID:    staffID,
		CustomerID: req.CustomerID,
		ProductID:  req.ProductID,
		Date:       date,
		Amount:     req.Amount,
		Multiplier: req.Multiplier,
		Note:       req.Note,
		Extra:      req.Extra,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, result)
}

// ListDeposits 查询存款事件（统一口径：APPROVED 且未删除）
// GET /api/v1/deposit/list?staff_id=&product_id=&date_from=&date_to=&page=&page_size=
func (h *Handler) ListDeposits(c *gin.Context) {
	filter := repository.ListEventsFilter{
		ProductID: c.Query("product_id"),
	}
	if v := c.Query("staff_id"); v != "" {
		staffID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.ParamError(c, "staff_id 参数错误")
			return
		}
		filter.StaffID = staffID
	}

	var err error
	if filter.DateFrom, filter.DateTo, err = parseDateRange(c); err != nil {
		response.ParamError(c, err.Error())
		return
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	events, total, err := h.depositSvc.ListEvents(c.Request.Context(), filter)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":  events,
		"total": total,
	})
}

// GetDeposit 查询存款事件详情
// GET /api/v1/deposit/detail?id=xxx
func (h *Handler) GetDeposit(c *gin.Context) {
	id, err := parseIDQuery(c)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}

	ev, err := h.depositSvc.GetEvent(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, ev)
}

type idRequest struct {
	ID int64 `json:"id" binding:"required"`
}

// ApproveDeposit 批准待审存款
// POST /api/v1/deposit/approve
func (h *Handler) ApproveDeposit(c *gin.Context) {
	h.depositAction(c, h.depositSvc.Approve, "已批准")
}

// DeclineDeposit 拒绝待审存款（物理删除）
// POST /api/v1/deposit/decline
func (h *Handler) DeclineDeposit(c *gin.Context) {
	h.depositAction(c, h.depositSvc.Decline, "已拒绝")
}

// TrashDeposit 移入回收站
// POST /api/v1/deposit/trash
func (h *Handler) TrashDeposit(c *gin.Context) {
	h.depositAction(c, h.depositSvc.Trash, "已移入回收站")
}

// RestoreDeposit 从回收站恢复
// POST /api/v1/deposit/restore
func (h *Handler) RestoreDeposit(c *gin.Context) {
	h.depositAction(c, h.depositSvc.Restore, "已恢复")
}

// PurgeDeposit 从回收站物理删除
// POST /api/v1/deposit/purge
func (h *Handler) PurgeDeposit(c *gin.Context) {
	h.depositAction(c, h.depositSvc.Purge, "已永久删除")
}

// depositAction 五个状态迁移接口的公共骨架：解析 id、执行、回写结果
func (h *Handler) depositAction(c *gin.Context, action func(ctx context.Context, id int64) error, message string) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := action(c.Request.Context(), req.ID); err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"message": message})
}

// ListPendingDeposits 待审存款列表
// GET /api/v1/deposit/pending
func (h *Handler) ListPendingDeposits(c *gin.Context) {
	page, pageSize := parsePage(c)
	events, total, err := h.depositSvc.ListPending(c.Request.Context(), page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": events, "total": total})
}

// ListTrashedDeposits 回收站列表
// GET /api/v1/deposit/trash/list
func (h *Handler) ListTrashedDeposits(c *gin.Context) {
	page, pageSize := parsePage(c)
	events, total, err := h.depositSvc.ListTrashed(c.Request.Context(), page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": events, "total": total})
}

// FirstDepositDate 首存日期查询
// GET /api/v1/deposit/first-date?staff_id=&customer_id=&product_id=
// 返回该键下最早一笔合格存款的日期；没有合格存款时 date 为空
func (h *Handler) FirstDepositDate(c *gin.Context) {
	staffID, err := strconv.ParseInt(c.Query("staff_id"), 10, 64)
	if err != nil || staffID <= 0 {
		response.ParamError(c, "staff_id 参数错误")
		return
	}
	customerNorm := normalize.CustomerID(c.Query("customer_id"))
	productID := c.Query("product_id")
	if customerNorm == "" || productID == "" {
		response.ParamError(c, "customer_id 和 product_id 不能为空")
		return
	}

	d, err := h.classifySvc.EarliestDate(c.Request.Context(), model.ClassificationKey{
		StaffID:        staffID,
		CustomerIDNorm: customerNorm,
		ProductID:      productID,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if d == nil {
		response.Success(c, gin.H{"date": ""})
		return
	}
	response.Success(c, gin.H{"date": d.Format("2006-01-02")})
}

// RecomputeAll 全量重算分类（回填/迁移用）
// POST /api/v1/admin/recompute
func (h *Handler) RecomputeAll(c *gin.Context) {
	succeeded, failed, err := h.classifySvc.RecomputeAll(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"succeeded": succeeded, "failed": failed})
}

// ============================================================
// 预约相关接口
// ============================================================

// RequestReservationRequest 预约申请
type RequestReservationRequest struct {
	CustomerID string `json:"customer_id" binding:"required"`
	ProductID  string `json:"product_id" binding:"required"`
	StaffID    int64  `json:"staff_id"` // 仅管理员代录时可指定
}

// RequestReservation 申请预约
// POST /api/v1/reservation/request
func (h *Handler) RequestReservation(c *gin.Context) {
	var req RequestReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	p := CurrentPrincipal(c)
	staffID := p.UserID
	if p.IsAdmin() && req.StaffID != 0 {
		staffID = req.StaffID
	}

	res, err := h.reservSvc.Request(c.Request.Context(), &service.RequestReservationInput{
		CustomerID:   req.CustomerID,
		ProductID:    req.ProductID,
		StaffID:      staffID,
		ActorIsAdmin: p.IsAdmin(),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	response.Success(c, res)
}

// ApproveReservation 批准预约
// POST /api/v1/reservation/approve
func (h *Handler) ApproveReservation(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.reservSvc.Approve(c.Request.Context(), req.ID); err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "预约已批准"})
}

// RejectReservation 驳回预约
// POST /api/v1/reservation/reject
func (h *Handler) RejectReservation(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.reservSvc.Reject(c.Request.Context(), req.ID); err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "预约已驳回"})
}

// ReleaseReservation 释放预约
// POST /api/v1/reservation/release
func (h *Handler) ReleaseReservation(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.reservSvc.Release(c.Request.Context(), req.ID); err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "预约已释放"})
}

// ListReservations 预约列表
// GET /api/v1/reservation/list?status=&page=&page_size=
func (h *Handler) ListReservations(c *gin.Context) {
	page, pageSize := parsePage(c)
	list, total, err := h.reservSvc.List(c.Request.Context(), c.Query("status"), page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": list, "total": total})
}

// ListReservationArchive 预约归档列表
// GET /api/v1/reservation/archive
func (h *Handler) ListReservationArchive(c *gin.Context) {
	page, pageSize := parsePage(c)
	list, total, err := h.reservSvc.ListArchive(c.Request.Context(), page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": list, "total": total})
}

// ReservationStatus 预约状态查询（前端展示认领归属）
// GET /api/v1/reservation/status?customer_id=&product_id=
func (h *Handler) ReservationStatus(c *gin.Context) {
	customerID := c.Query("customer_id")
	productID := c.Query("product_id")
	if productID == "" {
		response.ParamError(c, "product_id 参数不能为空")
		return
	}

	res, err := h.reservSvc.Status(c.Request.Context(), customerID, productID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if res == nil {
		response.Success(c, gin.H{"claimed": false})
		return
	}
	response.Success(c, gin.H{
		"claimed":  res.Status == "APPROVED",
		"status":   res.Status,
		"staff_id": res.StaffID,
	})
}

// ============================================================
// 报表相关接口
// ============================================================

// Leaderboard 业务员排行榜
// GET /api/v1/report/leaderboard?date_from=&date_to=&product_id=
func (h *Handler) Leaderboard(c *gin.Context) {
	from, to, err := parseDateRange(c)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}
	rows, err := h.reportSvc.Leaderboard(c.Request.Context(), from, to, c.Query("product_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": rows})
}

// DailySummary 日报
// GET /api/v1/report/daily?date_from=&date_to=&staff_id=
func (h *Handler) DailySummary(c *gin.Context) {
	from, to, err := parseDateRange(c)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}
	var staffID int64
	if v := c.Query("staff_id"); v != "" {
		staffID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.ParamError(c, "staff_id 参数错误")
			return
		}
	}
	rows, err := h.reportSvc.DailySummary(c.Request.Context(), from, to, staffID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": rows})
}

// BonusSummary 奖金概况
// GET /api/v1/report/bonus?month=&staff_id=
func (h *Handler) BonusSummary(c *gin.Context) {
	month := c.Query("month")
	if month == "" {
		response.ParamError(c, "month 参数不能为空")
		return
	}
	var staffID int64
	if v := c.Query("staff_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			response.ParamError(c, "staff_id 参数错误")
			return
		}
		staffID = id
	}
	rows, err := h.reportSvc.BonusSummary(c.Request.Context(), month, staffID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": rows})
}

// Retention 留存报表
// GET /api/v1/report/retention?date_from=&date_to=&product_id=
func (h *Handler) Retention(c *gin.Context) {
	from, to, err := parseDateRange(c)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}
	rows, err := h.reportSvc.Retention(c.Request.Context(), from, to, c.Query("product_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": rows})
}

// SubmitBonusClaimRequest 奖金申报
type SubmitBonusClaimRequest struct {
	ReservationID int64  `json:"reservation_id" binding:"required"`
	Month         string `json:"month" binding:"required"` // YYYY-MM
	Amount        int64  `json:"amount" binding:"required,gt=0"`
}

// SubmitBonusClaim 提交奖金申报
// POST /api/v1/bonus/claim
func (h *Handler) SubmitBonusClaim(c *gin.Context) {
	var req SubmitBonusClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	p := CurrentPrincipal(c)
	claim, err := h.reportSvc.SubmitBonusClaim(c.Request.Context(), p.UserID, req.ReservationID, req.Month, req.Amount)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, claim)
}

// ListBonusClaims 奖金申报列表
// GET /api/v1/bonus/claims?month=
func (h *Handler) ListBonusClaims(c *gin.Context) {
	month := c.Query("month")
	if month == "" {
		response.ParamError(c, "month 参数不能为空")
		return
	}

	p := CurrentPrincipal(c)
	staffID := p.UserID
	if p.IsAdmin() {
		staffID = 0 // 管理员可看全部
		if v := c.Query("staff_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				response.ParamError(c, "staff_id 参数错误")
				return
			}
			staffID = id
		}
	}

	claims, err := h.reportSvc.ListBonusClaims(c.Request.Context(), month, staffID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": claims})
}

// ============================================================
// 通知相关接口
// ============================================================

// ListNotifications 通知列表（管理员看管理端通知，业务员看自己的）
// GET /api/v1/notification/list?unread_only=
func (h *Handler) ListNotifications(c *gin.Context) {
	p := CurrentPrincipal(c)
	audience := "USER"
	if p.IsAdmin() {
		audience = "ADMIN"
	}
	unreadOnly := c.Query("unread_only") == "true"
	page, pageSize := parsePage(c)

	list, total, err := h.notifSvc.List(c.Request.Context(), audience, p.UserID, unreadOnly, page, pageSize)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"list": list, "total": total})
}

// MarkNotificationRead 标记通知已读
// POST /api/v1/notification/read
func (h *Handler) MarkNotificationRead(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if err := h.notifSvc.MarkRead(c.Request.Context(), req.ID); err != nil {
		writeServiceError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "已读"})
}

// ============================================================
// 公共参数解析
// ============================================================

func parseIDQuery(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("id 参数错误")
	}
	return id, nil
}

func parsePage(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

func parseDateRange(c *gin.Context) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	if v := c.Query("date_from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, nil, errors.New("date_from 格式应为 2006-01-02")
		}
		from = &t
	}
	if v := c.Query("date_to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return nil, nil, errors.New("date_to 格式应为 2006-01-02")
		}
		to = &t
	}
	return from, to, nil
}
