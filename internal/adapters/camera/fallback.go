package camera

import (
	"context"
	"fmt"
	"os/exec"
)

// LaunchFunc 启动一个外部进程且不等待其退出。
type LaunchFunc func(ctx context.Context, name string, args ...string) error

func execLaunch(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Start()
}

// launchExternalApp 依次尝试当前平台配置的外部相机应用，
// 返回第一个成功拉起的应用名。
func launchExternalApp(ctx context.Context, goos string, apps map[string][]FallbackApp, launch LaunchFunc) (string, error) {
	candidates := apps[goos]
	if len(candidates) == 0 {
		return "", fmt.Errorf("no fallback camera app configured for %s", goos)
	}

	var lastErr error
	for _, app := range candidates {
		if len(app.Cmd) == 0 {
			continue
		}
		if err := launch(ctx, app.Cmd[0], app.Cmd[1:]...); err != nil {
			lastErr = err
			continue
		}
		return app.Name, nil
	}
	return "", fmt.Errorf("all fallback camera apps failed to start: %w", lastErr)
}
