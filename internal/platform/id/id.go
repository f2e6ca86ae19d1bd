package id

import (
	"fmt"

	"github.com/google/uuid"
)

// New 生成带前缀的唯一 ID：prefix + UUIDv4。
// 前缀便于日志与数据库里一眼区分对象类型（sess_/img_/evt_ ...）。
func New(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}
