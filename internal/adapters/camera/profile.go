package camera

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FallbackApp 是一个可拉起的外部相机应用。
type FallbackApp struct {
	Name string   `yaml:"name"`
	Cmd  []string `yaml:"cmd"`
}

// Profile 是采集行为的可调参数，随安装现场的相机情况调整。
// 文件缺失时全部走默认值，不视为错误。
type Profile struct {
	BackendOrder      []string                 `yaml:"backend_order"`
	MaxOpenDevices    int                      `yaml:"max_open_devices"`
	OpenAttempts      int                      `yaml:"open_attempts"`
	OpenRetryDelayMS  int                      `yaml:"open_retry_delay_ms"`
	WarmupMS          int                      `yaml:"warmup_ms"`
	FrameAttempts     int                      `yaml:"frame_attempts"`
	FrameRetryDelayMS int                      `yaml:"frame_retry_delay_ms"`
	JPEGQuality       int                      `yaml:"jpeg_quality"`
	FallbackApps      map[string][]FallbackApp `yaml:"fallback_apps"`
}

func (p Profile) Warmup() time.Duration          { return time.Duration(p.WarmupMS) * time.Millisecond }
func (p Profile) OpenRetryDelay() time.Duration  { return time.Duration(p.OpenRetryDelayMS) * time.Millisecond }
func (p Profile) FrameRetryDelay() time.Duration { return time.Duration(p.FrameRetryDelayMS) * time.Millisecond }

// DefaultProfile 返回现场验证过的默认参数：
// 最多试开 3 个设备，开流后预热 2 秒，取帧 3 次、间隔 500 毫秒。
func DefaultProfile() Profile {
	return Profile{
		BackendOrder:      []string{"gocv"},
		MaxOpenDevices:    3,
		OpenAttempts:      1,
		OpenRetryDelayMS:  200,
		WarmupMS:          2000,
		FrameAttempts:     3,
		FrameRetryDelayMS: 500,
		JPEGQuality:       90,
		FallbackApps: map[string][]FallbackApp{
			"darwin": {
				{Name: "Camera", Cmd: []string{"open", "-a", "Camera"}},
				{Name: "Photo Booth", Cmd: []string{"open", "-a", "Photo Booth"}},
			},
			"windows": {
				{Name: "Windows Camera", Cmd: []string{"cmd", "/C", "start", "microsoft.windows.camera:"}},
			},
			"linux": {
				{Name: "Cheese", Cmd: []string{"cheese"}},
				{Name: "GUVCView", Cmd: []string{"guvcview"}},
				{Name: "Kamoso", Cmd: []string{"kamoso"}},
			},
		},
	}
}

// LoadProfile 从 YAML 文件加载采集参数。
// 文件不存在时返回默认值；文件存在但内容非法时报错而不是带病运行。
func LoadProfile(path string) (Profile, error) {
	def := DefaultProfile()
	if path == "" {
		return def, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return def, nil
		}
		return Profile{}, fmt.Errorf("read camera profile %s: %w", path, err)
	}

	p := def
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("parse camera profile %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return Profile{}, fmt.Errorf("camera profile %s: %w", path, err)
	}
	return p, nil
}

func (p Profile) validate() error {
	if p.MaxOpenDevices <= 0 {
		return fmt.Errorf("max_open_devices must be positive, got %d", p.MaxOpenDevices)
	}
	if p.OpenAttempts <= 0 {
		return fmt.Errorf("open_attempts must be positive, got %d", p.OpenAttempts)
	}
	if p.FrameAttempts <= 0 {
		return fmt.Errorf("frame_attempts must be positive, got %d", p.FrameAttempts)
	}
	if p.WarmupMS < 0 || p.OpenRetryDelayMS < 0 || p.FrameRetryDelayMS < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be in [1, 100], got %d", p.JPEGQuality)
	}
	return nil
}
