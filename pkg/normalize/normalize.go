package normalize

import "strings"

// ============================================================================
// 客户标识归一化
// ============================================================================
//
// 【为什么需要归一化？】
//
// 客户编号来自人工录入和上传的表格，常见 " ABC123"、"abc123 " 这种写法差异。
// 如果直接用原始字符串做比较键，同一个客户会被当成多个客户，
// 新/复充分类和预约冲突判断全都会出错。
//
// 所以全系统只认一个比较键：索引键、预约键、冲突查询都必须先过这里。
//
// ============================================================================

// CustomerID 将原始客户标识映射为统一的比较键：去首尾空白 + 小写化
// 纯函数，任何输入都不报错；空白输入归一化为空字符串，由冲突网关在入口处拒绝
func CustomerID(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// IsBlank 判断原始客户标识归一化后是否为空（即非法标识）
func IsBlank(raw string) bool {
	return CustomerID(raw) == ""
}
