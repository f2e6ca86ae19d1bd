package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"visual-inspector/internal/adapters/camera"
	"visual-inspector/internal/app"
	"visual-inspector/internal/domain/model"
	"visual-inspector/internal/services/codeparse"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "webapp",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	schemaVersion, _ := s.store.GetSchemaMetaValue(r.Context(), "schema_version")
	schemaName, _ := s.store.GetSchemaMetaValue(r.Context(), "schema_name")

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Unix(),
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"db": map[string]any{
			"schema_version": schemaVersion,
			"schema_name":    schemaName,
			"path":           s.opts.DBPath,
		},
		"pipeline": map[string]any{
			"endpoint": s.pipeline.BaseURL(),
		},
	})
}

func (s *Server) handleCodeParse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	parsed, err := codeparse.Parse(req.Code)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parsed": parsed})
}

func (s *Server) handleCameraDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	devices, err := s.acquirer.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// 系统级硬件报告仅用于排障，取不到不算错误。
	diagnostics, _ := camera.Diagnostics(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":     devices,
		"diagnostics": diagnostics,
	})
}

func (s *Server) handleConfigRoutes(w http.ResponseWriter, r *http.Request) {
	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/config/"), "/")
	if key == "" || strings.Contains(key, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := s.store.GetConfigValue(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if value == "" && key == "api_endpoint" {
			value = app.DefaultAPIEndpoint
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
	case http.MethodPut:
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		if err := s.store.SetConfigValue(r.Context(), key, strings.TrimSpace(req.Value)); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		// 流水线地址更新即时生效，无需重启。
		// 客户端内部对地址读写加锁，和进行中的请求并发切换是安全的。
		if key == "api_endpoint" {
			endpoint := strings.TrimSpace(req.Value)
			if endpoint == "" {
				endpoint = app.DefaultAPIEndpoint
			}
			s.pipeline.SetBaseURL(endpoint)
			s.remote.SetBaseURL(endpoint)
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": req.Value})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// actorFromRequest 从 Bearer token 解析操作员身份。
// 桌面端本地使用，未带令牌的请求按 system 记账而不是直接拒绝。
func (s *Server) actorFromRequest(r *http.Request) (string, int64) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" || !strings.HasPrefix(raw, "Bearer ") {
		return "system", 0
	}
	claims, err := s.auth.VerifyToken(strings.TrimPrefix(raw, "Bearer "))
	if err != nil {
		return "system", 0
	}
	return claims.Username, claims.UserID
}

// statusFor 把错误类别映射成 HTTP 状态码，
// 响应体里始终带上原始错误文本，相机类错误追加排查指引。
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrMalformedCode):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrStageAlreadyComplete):
		return http.StatusConflict
	case errors.Is(err, model.ErrDeviceBusy):
		return http.StatusConflict
	case errors.Is(err, model.ErrPipelineUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrNoDeviceFound),
		errors.Is(err, model.ErrAllDevicesFailed),
		errors.Is(err, model.ErrFrameCaptureFailed),
		errors.Is(err, model.ErrDecodeFailed),
		errors.Is(err, model.ErrEncodeFailed),
		errors.Is(err, model.ErrManualCaptureRequired):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func isCameraError(err error) bool {
	return errors.Is(err, model.ErrNoDeviceFound) ||
		errors.Is(err, model.ErrAllDevicesFailed) ||
		errors.Is(err, model.ErrFrameCaptureFailed) ||
		errors.Is(err, model.ErrManualCaptureRequired) ||
		errors.Is(err, model.ErrDeviceBusy)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": err.Error()}
	if isCameraError(err) {
		body["remediation"] = model.CameraRemediation
	}
	writeJSON(w, status, body)
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
