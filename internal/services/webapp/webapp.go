package webapp

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"visual-inspector/internal/adapters/camera"
	"visual-inspector/internal/adapters/inspectionapi"
	"visual-inspector/internal/adapters/pipeline"
	sqliteadapter "visual-inspector/internal/adapters/store/sqlite"
	"visual-inspector/internal/app"
	"visual-inspector/internal/services/auth"
	"visual-inspector/internal/services/session"

	_ "modernc.org/sqlite"
)

// 注意：
// - go:embed 的路径必须相对当前包目录，且不能包含 ".."
// - 前端 build 输出拷贝到 internal/services/webapp/ui_dist/，二进制即可离线分发。
// - ui_dist/ 至少要有一个文件（本仓库放置了占位 index.html），否则 go:embed 编译失败。
//
//go:embed ui_dist
var uiFS embed.FS

// Options 定义内置 Web UI + API 的启动参数。
// 桌面端默认只监听回环地址，不对外暴露。
type Options struct {
	DBPath            string
	ImageDir          string
	ReportDir         string
	CameraProfilePath string

	ListenAddr string
	JWTSecret  string

	// APIEndpoint 覆盖流水线地址；为空时从 system_config 读取，
	// system_config 也没有时落到内置默认值。
	APIEndpoint string
}

// Run 启动内置 Web UI：
// - 提供扫码建会话、采集、流水线提交、人工复核、历史与报告接口
// - 提供账号注册/登录与令牌校验
func Run(ctx context.Context, opts Options) error {
	defaults := app.DefaultConfig()
	if opts.DBPath == "" {
		opts.DBPath = defaults.DBPath
	}
	if opts.ImageDir == "" {
		opts.ImageDir = defaults.ImageDir
	}
	if opts.ReportDir == "" {
		opts.ReportDir = defaults.ReportDir
	}
	if opts.CameraProfilePath == "" {
		opts.CameraProfilePath = defaults.CameraProfilePath
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = defaults.ListenAddr
	}
	if opts.JWTSecret == "" {
		opts.JWTSecret = defaults.JWTSecret
	}

	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	if err := os.MkdirAll(opts.ImageDir, 0o755); err != nil {
		return fmt.Errorf("create image directory: %w", err)
	}
	if err := os.MkdirAll(opts.ReportDir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}

	migrator := sqliteadapter.NewMigrator(db)
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	store := sqliteadapter.NewStore(db)

	profile, err := camera.LoadProfile(opts.CameraProfilePath)
	if err != nil {
		return fmt.Errorf("load camera profile: %w", err)
	}
	acquirer := camera.NewAcquirer(profile, camera.NewGoCVBackend())

	endpoint := strings.TrimSpace(opts.APIEndpoint)
	if endpoint == "" {
		v, err := store.GetConfigValue(ctx, "api_endpoint")
		if err != nil {
			return fmt.Errorf("read api_endpoint config: %w", err)
		}
		endpoint = strings.TrimSpace(v)
	}
	if endpoint == "" {
		endpoint = app.DefaultAPIEndpoint
	}

	pipelineClient := pipeline.NewClient(endpoint)
	remoteClient := inspectionapi.NewClient(endpoint)

	sub, err := fs.Sub(uiFS, "ui_dist")
	if err != nil {
		return fmt.Errorf("sub ui fs: %w", err)
	}

	s := &Server{
		opts:         opts,
		db:           db,
		store:        store,
		auth:         auth.NewManager(store, opts.JWTSecret),
		orchestrator: session.NewOrchestrator(store, acquirer, pipelineClient, opts.ImageDir),
		acquirer:     acquirer,
		pipeline:     pipelineClient,
		remote:       remoteClient,
		ui:           sub,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	httpServer := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("webapp listening: http://%s\n", opts.ListenAddr)
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
