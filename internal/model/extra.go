package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// ExtraColumn 上传表格附带的一列
type ExtraColumn struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExtraColumns 表格附带列集合
// 上传文件的列名和列数不受本系统控制，所以用有序键值对建模而不是固定结构体；
// 存储为 JSON 数组，保留上传时的列顺序
type ExtraColumns []ExtraColumn

// Get 按列名取值
func (ec ExtraColumns) Get(key string) (string, bool) {
	for _, c := range ec {
		if c.Key == key {
			return c.Value, true
		}
	}
	return "", false
}

// Value 实现 driver.Valuer，序列化为 JSON 文本入库
func (ec ExtraColumns) Value() (driver.Value, error) {
	if len(ec) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ec)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner，从 JSON 文本反序列化
func (ec *ExtraColumns) Scan(value interface{}) error {
	if value == nil {
		*ec = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("ExtraColumns: 不支持的扫描类型 %T", value)
	}
	if len(data) == 0 {
		*ec = nil
		return nil
	}
	var cols []ExtraColumn
	if err := json.Unmarshal(data, &cols); err != nil {
		return errors.New("ExtraColumns: JSON 解析失败")
	}
	*ec = cols
	return nil
}
