// Package camera 实现本机相机的静态图采集。
//
// 采集是一条固定的“阶梯”：枚举设备 → 按序试开前几个设备 → 预热 →
// 限次重试取帧 → 解码 → 编码 JPEG → 无条件停流。直采失败时退到
// 外部相机应用兜底，兜底也不可用才要求人工上传。
package camera

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"visual-inspector/internal/domain/model"
	"visual-inspector/internal/platform/retry"
)

// DeviceInfo 描述一个可枚举到的相机设备。
type DeviceInfo struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

// Frame 是一帧未压缩的 RGB24 像素数据（每像素 3 字节，行优先）。
type Frame struct {
	Width  int
	Height int
	RGB    []byte
}

// Stream 是一个已开流的相机设备。Close 必须且只能调用一次。
type Stream interface {
	ReadFrame(ctx context.Context) (*Frame, error)
	Close() error
}

// Backend 是一种相机访问方式（gocv、测试桩等）。
// Open 返回的流已经处于推流状态。
type Backend interface {
	Name() string
	Devices(ctx context.Context) ([]DeviceInfo, error)
	Open(ctx context.Context, index int) (Stream, error)
}

// CaptureResult 是一次成功采集的产物。
type CaptureResult struct {
	JPEG   []byte
	Width  int
	Height int
	Device DeviceInfo
}

// OutcomeKind 区分采集的三种结局。
type OutcomeKind string

const (
	// OutcomeCaptured 直采成功，Image 有值。
	OutcomeCaptured OutcomeKind = "captured"
	// OutcomeExternalApp 直采失败但已拉起系统相机应用，等操作员手动拍摄后上传。
	OutcomeExternalApp OutcomeKind = "external_app_opened"
	// OutcomeManualRequired 直采和兜底都不可用，必须人工提供图片。
	OutcomeManualRequired OutcomeKind = "manual_capture_required"
)

// Outcome 是一次采集请求的完整结果。
// 兜底与人工路径不是错误，是一等结局：Err 只用来携带失败类别供上层归因。
type Outcome struct {
	Kind    OutcomeKind    `json:"kind"`
	Image   *CaptureResult `json:"-"`
	AppName string         `json:"app_name,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Err     error          `json:"-"`
}

// Acquirer 串行化对相机的访问：同一时刻只允许一次采集在途。
type Acquirer struct {
	mu       sync.Mutex
	backends []Backend
	profile  Profile
	launch   LaunchFunc
	goos     string
}

// NewAcquirer 构造采集器。backends 按 profile.BackendOrder 重排，
// 未在 profile 中列出的后端排在末尾（保持传入顺序）。
func NewAcquirer(profile Profile, backends ...Backend) *Acquirer {
	ordered := make([]Backend, 0, len(backends))
	seen := make(map[string]bool, len(backends))
	for _, name := range profile.BackendOrder {
		for _, b := range backends {
			if b.Name() == name && !seen[name] {
				ordered = append(ordered, b)
				seen[name] = true
			}
		}
	}
	for _, b := range backends {
		if !seen[b.Name()] {
			ordered = append(ordered, b)
			seen[b.Name()] = true
		}
	}
	return &Acquirer{
		backends: ordered,
		profile:  profile,
		launch:   execLaunch,
		goos:     runtime.GOOS,
	}
}

// SetLaunchFunc 替换外部应用启动方式，测试用。
func (a *Acquirer) SetLaunchFunc(fn LaunchFunc) { a.launch = fn }

// SetGOOS 覆盖兜底应用选择所依据的平台，测试用。
func (a *Acquirer) SetGOOS(goos string) { a.goos = goos }

// ListDevices 汇总所有后端枚举到的设备。枚举不占用采集锁。
func (a *Acquirer) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	for _, b := range a.backends {
		devices, err := b.Devices(ctx)
		if err != nil {
			log.Printf("camera: enumerate %s: %v", b.Name(), err)
			continue
		}
		out = append(out, devices...)
	}
	if out == nil {
		out = []DeviceInfo{}
	}
	return out, nil
}

// Acquire 执行一次完整采集。
// 另一次采集在途时立刻返回 ErrDeviceBusy，不排队。
func (a *Acquirer) Acquire(ctx context.Context) (*Outcome, error) {
	if !a.mu.TryLock() {
		return nil, fmt.Errorf("another capture in progress: %w", model.ErrDeviceBusy)
	}
	defer a.mu.Unlock()

	result, err := a.captureDirect(ctx)
	if err == nil {
		return &Outcome{Kind: OutcomeCaptured, Image: result}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// 直采失败，尝试拉起系统相机应用让操作员手动拍摄。
	app, launchErr := launchExternalApp(ctx, a.goos, a.profile.FallbackApps, a.launch)
	if launchErr != nil {
		log.Printf("camera: external app fallback unavailable: %v", launchErr)
		// Err 同时归类为“需要人工拍摄”和直采失败的具体原因。
		return &Outcome{
			Kind:   OutcomeManualRequired,
			Reason: err.Error(),
			Err:    errors.Join(model.ErrManualCaptureRequired, err),
		}, nil
	}
	return &Outcome{Kind: OutcomeExternalApp, AppName: app, Reason: err.Error(), Err: err}, nil
}

// captureDirect 走后端直采阶梯。返回错误时必然已无流在开。
func (a *Acquirer) captureDirect(ctx context.Context) (*CaptureResult, error) {
	devices, err := a.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no camera enumerated: %w", model.ErrNoDeviceFound)
	}

	maxOpen := a.profile.MaxOpenDevices
	if len(devices) < maxOpen {
		maxOpen = len(devices)
	}

	var lastErr error
	for _, dev := range devices[:maxOpen] {
		backend := a.backendByName(dev.Backend)
		if backend == nil {
			continue
		}

		var stream Stream
		openErr := retry.Do(ctx, retry.Policy{
			Attempts: a.profile.OpenAttempts,
			Delay:    a.profile.OpenRetryDelay(),
		}, func(attempt int) error {
			s, err := backend.Open(ctx, dev.Index)
			if err != nil {
				return err
			}
			stream = s
			return nil
		})
		if openErr != nil {
			log.Printf("camera: open %s[%d]: %v", dev.Backend, dev.Index, openErr)
			lastErr = openErr
			continue
		}

		// 开流成功即锁定该设备：后续取帧失败不再换设备，
		// 避免在半坏的设备间来回摇摆。
		return a.captureFromStream(ctx, dev, stream)
	}
	return nil, fmt.Errorf("no device opened (last: %v): %w", lastErr, model.ErrAllDevicesFailed)
}

func (a *Acquirer) captureFromStream(ctx context.Context, dev DeviceInfo, stream Stream) (result *CaptureResult, err error) {
	// 停流在所有路径上执行；停流失败只记日志，绝不覆盖采集结果。
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			log.Printf("camera: stop stream %s[%d]: %v", dev.Backend, dev.Index, cerr)
		}
	}()

	// 预热：部分 USB 相机开流后的头几帧曝光不稳定。
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.profile.Warmup()):
	}

	var frame *Frame
	err = retry.Do(ctx, retry.Policy{
		Attempts: a.profile.FrameAttempts,
		Delay:    a.profile.FrameRetryDelay(),
	}, func(attempt int) error {
		f, ferr := stream.ReadFrame(ctx)
		if ferr != nil {
			return ferr
		}
		frame = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read frame from %s[%d] (%v): %w", dev.Backend, dev.Index, err, model.ErrFrameCaptureFailed)
	}

	jpegBytes, err := encodeJPEG(frame, a.profile.JPEGQuality)
	if err != nil {
		return nil, err
	}
	return &CaptureResult{
		JPEG:   jpegBytes,
		Width:  frame.Width,
		Height: frame.Height,
		Device: dev,
	}, nil
}

func (a *Acquirer) backendByName(name string) Backend {
	for _, b := range a.backends {
		if b.Name() == name {
			return b
		}
	}
	return nil
}
