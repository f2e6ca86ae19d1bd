//go:build gocv
// +build gocv

package camera

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"
)

// GoCVBackend 通过 OpenCV 的 VideoCapture 访问本机相机。
// 设备枚举靠逐索引试探：V4L2/AVFoundation 都不提供可靠的设备列表 API。
type GoCVBackend struct {
	// ProbeLimit 是枚举时试探的最大索引数。
	ProbeLimit int
}

func NewGoCVBackend() *GoCVBackend {
	return &GoCVBackend{ProbeLimit: 5}
}

func (b *GoCVBackend) Name() string { return "gocv" }

func (b *GoCVBackend) Devices(ctx context.Context) ([]DeviceInfo, error) {
	limit := b.ProbeLimit
	if limit <= 0 {
		limit = 5
	}
	var out []DeviceInfo
	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		vc, err := gocv.VideoCaptureDevice(i)
		if err != nil {
			continue
		}
		opened := vc.IsOpened()
		_ = vc.Close()
		if opened {
			out = append(out, DeviceInfo{
				Index:   i,
				Name:    fmt.Sprintf("camera %d", i),
				Backend: b.Name(),
			})
		}
	}
	return out, nil
}

func (b *GoCVBackend) Open(ctx context.Context, index int) (Stream, error) {
	vc, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		return nil, fmt.Errorf("open video capture %d: %w", index, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("video capture %d not opened", index)
	}
	return &gocvStream{vc: vc}, nil
}

type gocvStream struct {
	vc *gocv.VideoCapture
}

func (s *gocvStream) ReadFrame(ctx context.Context) (*Frame, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	mat := gocv.NewMat()
	defer mat.Close()

	if ok := s.vc.Read(&mat); !ok || mat.Empty() {
		return nil, fmt.Errorf("read returned empty frame")
	}

	// OpenCV 帧是 BGR，统一转成 RGB 再交给编码层。
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB)

	data, err := rgb.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("access frame pixels: %w", err)
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	return &Frame{
		Width:  rgb.Cols(),
		Height: rgb.Rows(),
		RGB:    buf,
	}, nil
}

func (s *gocvStream) Close() error {
	return s.vc.Close()
}
