//go:build darwin
// +build darwin

package camera

import (
	"context"
	"fmt"
	"os/exec"

	"howett.net/plist"
)

// spCameraReport 对应 system_profiler SPCameraDataType -xml 的顶层结构。
type spCameraReport struct {
	Items []spCameraItem `plist:"_items"`
}

type spCameraItem struct {
	Name     string `plist:"_name"`
	ModelID  string `plist:"spcamera_model-id"`
	UniqueID string `plist:"spcamera_unique-id"`
}

// Diagnostics 通过 system_profiler 读取系统登记的相机硬件信息。
// 用于排障页面：即使采集后端打不开设备，也能看到系统是否识别到了硬件。
func Diagnostics(ctx context.Context) ([]DiagnosticCamera, error) {
	out, err := exec.CommandContext(ctx, "system_profiler", "SPCameraDataType", "-xml").Output()
	if err != nil {
		return nil, fmt.Errorf("run system_profiler: %w", err)
	}

	var reports []spCameraReport
	if _, err := plist.Unmarshal(out, &reports); err != nil {
		return nil, fmt.Errorf("parse system_profiler output: %w", err)
	}

	var cameras []DiagnosticCamera
	for _, r := range reports {
		for _, item := range r.Items {
			cameras = append(cameras, DiagnosticCamera{
				Name:     item.Name,
				Model:    item.ModelID,
				UniqueID: item.UniqueID,
			})
		}
	}
	return cameras, nil
}
