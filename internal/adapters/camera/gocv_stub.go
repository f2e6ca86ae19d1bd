//go:build !gocv
// +build !gocv

package camera

import (
	"context"
	"errors"
)

// GoCVBackend 的无 OpenCV 桩实现：枚举不到任何设备，
// 采集阶梯会自然落到外部应用/人工上传兜底。
type GoCVBackend struct {
	ProbeLimit int
}

func NewGoCVBackend() *GoCVBackend {
	return &GoCVBackend{ProbeLimit: 5}
}

func (b *GoCVBackend) Name() string { return "gocv" }

func (b *GoCVBackend) Devices(ctx context.Context) ([]DeviceInfo, error) {
	return nil, nil
}

func (b *GoCVBackend) Open(ctx context.Context, index int) (Stream, error) {
	return nil, errors.New("built without gocv support")
}
