//go:build !darwin
// +build !darwin

package camera

import "context"

// Diagnostics 在非 macOS 平台没有对应的系统级硬件报告，返回空列表。
func Diagnostics(ctx context.Context) ([]DiagnosticCamera, error) {
	return nil, nil
}
