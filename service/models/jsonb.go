package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// 通用 JSON 类型
type JSONB map[string]interface{}

// FloatMap 名称到浮点数的映射，用于子评分、权重和预算分配
type FloatMap map[string]float64

// VariantList 实验变体列表，整体以JSON存储
type VariantList []Variant

// scanJSON 从数据库值反序列化JSON
func scanJSON(value interface{}, dest interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("类型断言失败: 不是 []byte 或 string")
	}
	return json.Unmarshal(bytes, dest)
}

// 实现 Scanner 接口
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	return scanJSON(value, j)
}

// 实现 Valuer 接口
func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

// FloatMap 的 Scanner 接口实现
func (f *FloatMap) Scan(value interface{}) error {
	if value == nil {
		*f = nil
		return nil
	}
	return scanJSON(value, f)
}

// FloatMap 的 Valuer 接口实现
func (f FloatMap) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

// Clone 深拷贝
func (f FloatMap) Clone() FloatMap {
	if f == nil {
		return nil
	}
	out := make(FloatMap, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// VariantList 的 Scanner 接口实现
func (v *VariantList) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	return scanJSON(value, v)
}

// VariantList 的 Valuer 接口实现
func (v VariantList) Value() (driver.Value, error) {
	if v == nil {
		return json.Marshal([]Variant{})
	}
	return json.Marshal(v)
}
