package app

import (
	"os"

	"github.com/joho/godotenv"
)

// 构建信息由 -ldflags 注入，默认值用于本地开发。
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// DefaultAPIEndpoint 是远端检查流水线的默认地址。
// 实际生效值存放在 system_config 表的 api_endpoint 键，缺省时回落到这里。
const DefaultAPIEndpoint = "https://api.imageflowcanvas.com"

// Config 存放应用级默认路径配置。
type Config struct {
	DBPath            string
	ImageDir          string
	ReportDir         string
	CameraProfilePath string
	ListenAddr        string
	JWTSecret         string
}

// DefaultConfig 返回本地开发环境的默认配置。
// 启动时会先加载 .env（如果存在），再用环境变量覆盖默认值；
// 命令行 flag 的默认值取自这里，因此优先级为 flag > env > 内置默认。
func DefaultConfig() Config {
	_ = godotenv.Load()

	cfg := Config{
		DBPath:            "data/inspection.db",
		ImageDir:          "data/images",
		ReportDir:         "data/reports",
		CameraProfilePath: "profiles/camera.yaml",
		ListenAddr:        "127.0.0.1:8787",
		JWTSecret:         "inspector-dev-secret",
	}

	if v := os.Getenv("INSPECTOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("INSPECTOR_IMAGE_DIR"); v != "" {
		cfg.ImageDir = v
	}
	if v := os.Getenv("INSPECTOR_REPORT_DIR"); v != "" {
		cfg.ReportDir = v
	}
	if v := os.Getenv("INSPECTOR_CAMERA_PROFILE"); v != "" {
		cfg.CameraProfilePath = v
	}
	if v := os.Getenv("INSPECTOR_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("INSPECTOR_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	return cfg
}
