package service

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	ErrInvalidIdentifier = errors.New("客户编号不能为空")
	ErrAlreadyProcessed  = errors.New("该记录已处理，请勿重复操作")
	ErrRecomputeFailed   = errors.New("分类重算失败")
	ErrPermissionDenied  = errors.New("无权执行该操作")
)

// ReservationConflictError 预约冲突错误
// 必须带上当前占有人，前端要提示"该客户已被谁预约"
type ReservationConflictError struct {
	HolderStaffID int64
	Status        string
}

func (e *ReservationConflictError) Error() string {
	return fmt.Sprintf("该客户已被业务员 %d 预约（状态 %s）", e.HolderStaffID, e.Status)
}

// withTx 在数据库事务中执行 fn
// db 为 nil 时（单元测试注入内存仓库）直接执行，fn 收到 nil tx
func withTx(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if db == nil {
		return fn(nil)
	}
	return db.Transaction(fn)
}
