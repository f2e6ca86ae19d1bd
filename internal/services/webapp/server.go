package webapp

import (
	"database/sql"
	"io/fs"
	"net/http"
	"strings"

	"visual-inspector/internal/adapters/camera"
	"visual-inspector/internal/adapters/inspectionapi"
	"visual-inspector/internal/adapters/pipeline"
	sqliteadapter "visual-inspector/internal/adapters/store/sqlite"
	"visual-inspector/internal/services/auth"
	"visual-inspector/internal/services/session"
)

// Server 是内置 Web UI/API 的运行时对象。
type Server struct {
	opts  Options
	db    *sql.DB
	store *sqliteadapter.Store

	auth         *auth.Manager
	orchestrator *session.Orchestrator
	acquirer     *camera.Acquirer
	pipeline     *pipeline.Client
	remote       *inspectionapi.Client

	ui fs.FS
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// API
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/meta", s.handleMeta)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/code/parse", s.handleCodeParse)
	mux.HandleFunc("/api/camera/devices", s.handleCameraDevices)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/reports/", s.handleReportRoutes)
	mux.HandleFunc("/api/config/", s.handleConfigRoutes)
	mux.HandleFunc("/api/remote/", s.handleRemoteRoutes)

	// UI（单页应用 + 静态资源）
	//
	// 规则：
	// - 先尝试按路径返回静态文件（/assets/*、/favicon.ico、/index.html ...）
	// - 文件不存在且看起来像前端路由（无扩展名）时回落到 index.html
	// - 缺失的静态资源（有扩展名）返回 404
	uiFileServer := http.FileServer(http.FS(s.ui))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.handleUI(w, r, uiFileServer)
	})
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request, uiFileServer http.Handler) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// API 路由已在上方注册；这里再兜底一次，避免误把 /api/* 当静态资源处理。
	if strings.HasPrefix(r.URL.Path, "/api/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// "/" 直接交给 FileServer：它会自动返回目录下的 index.html，
	// 不要改写到 /index.html，FileServer 会把它 301 回 "./" 造成循环。
	if r.URL.Path == "/" || r.URL.Path == "" {
		uiFileServer.ServeHTTP(w, r)
		return
	}

	reqPath := strings.TrimPrefix(r.URL.Path, "/")
	if reqPath != "" {
		if info, err := fs.Stat(s.ui, reqPath); err == nil && !info.IsDir() {
			uiFileServer.ServeHTTP(w, r)
			return
		}
	}

	if strings.Contains(reqPath, ".") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	uiFileServer.ServeHTTP(w, r2)
}
