package model

import "errors"

// 错误分类是跨层契约：采集/编排/接口层都用 errors.Is 判断类别，
// 细节信息通过 fmt.Errorf("...: %w") 逐层附加。
var (
	ErrMalformedCode         = errors.New("malformed code")
	ErrNoDeviceFound         = errors.New("no camera device found")
	ErrAllDevicesFailed      = errors.New("all camera devices failed to open")
	ErrFrameCaptureFailed    = errors.New("frame capture failed")
	ErrDecodeFailed          = errors.New("frame decode failed")
	ErrEncodeFailed          = errors.New("image encode failed")
	ErrManualCaptureRequired = errors.New("manual capture required")
	ErrPipelineUnavailable   = errors.New("inspection pipeline unavailable")
	ErrAuthFailed            = errors.New("authentication failed")
	ErrStageAlreadyComplete  = errors.New("stage already complete")
	ErrDeviceBusy            = errors.New("camera device busy")
)

// CameraRemediation 是相机类故障附带的排查指引。
// 相机是现场最脆弱的环节，报错时一并给出可操作的检查步骤。
const CameraRemediation = "check that: " +
	"1) the USB camera is physically connected; " +
	"2) no other application is holding the camera; " +
	"3) the OS camera permission is granted to this app; " +
	"4) the USB cable/port works (re-plug and retry)"
