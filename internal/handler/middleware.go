package handler

import (
	"log"
	"strconv"
	"time"

	"salescrm/pkg/response"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// 处理请求
		c.Next()

		// 记录日志
		latency := time.Since(start)
		status := c.Writer.Status()

		if query != "" {
			path = path + "?" + query
		}

		log.Printf("[HTTP] %d | %13v | %15s | %-7s %s",
			status,
			latency,
			c.ClientIP(),
			c.Request.Method,
			path,
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %v", err)
				c.AbortWithStatusJSON(500, gin.H{
					"code":    500,
					"message": "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-User-ID, X-User-Role")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// ============================================================
// 身份中间件
// ============================================================
//
// 认证由网关侧的 Auth 服务完成，这里只消费它注入的可信头：
//   X-User-ID   当前用户ID
//   X-User-Role 角色（admin / staff）

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"

	principalKey = "principal"
)

// Principal 请求主体
type Principal struct {
	UserID int64
	Role   string
}

func (p *Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// PrincipalMiddleware 解析网关注入的用户身份，缺失时拒绝
func PrincipalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
		if err != nil || userID <= 0 {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    response.CodeUnauthorized,
				"message": "缺少用户身份",
			})
			return
		}

		role := c.GetHeader("X-User-Role")
		if role == "" {
			role = RoleStaff
		}

		c.Set(principalKey, &Principal{UserID: userID, Role: role})
		c.Next()
	}
}

// RequireAdmin 管理员专用路由守卫
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := CurrentPrincipal(c)
		if p == nil || !p.IsAdmin() {
			c.AbortWithStatusJSON(403, gin.H{
				"code":    response.CodeForbidden,
				"message": "需要管理员权限",
			})
			return
		}
		c.Next()
	}
}

// CurrentPrincipal 取出当前请求主体
func CurrentPrincipal(c *gin.Context) *Principal {
	v, exists := c.Get(principalKey)
	if !exists {
		return nil
	}
	p, _ := v.(*Principal)
	return p
}
