package webapp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"visual-inspector/internal/adapters/inspectionapi"
)

// remoteForRequest 返回携带调用方 Bearer token 的客户端。
// 共享实例不能直接改 token，否则并发请求互相串台；
// 这里按当前地址新建一个轻量客户端，复用底层 HTTP 连接池。
func (s *Server) remoteForRequest(r *http.Request) *inspectionapi.Client {
	rc := inspectionapi.NewClient(s.remote.BaseURL())
	rc.HTTPClient = s.remote.HTTPClient
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(raw, "Bearer ") {
		rc.SetAuthToken(strings.TrimPrefix(raw, "Bearer "))
	}
	return rc
}

// handleRemoteRoutes 把远端检查管理服务的对象/执行接口代理给 UI，
// 远端不可达时错误原样透出，由 UI 决定降级方式。
func (s *Server) handleRemoteRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/remote/"), "/")
	parts := strings.Split(rest, "/")
	rc := s.remoteForRequest(r)

	switch {
	case rest == "targets" && r.Method == http.MethodGet:
		page, err := rc.ListTargets(r.Context(),
			parseInt(r.URL.Query().Get("page"), 1),
			parseInt(r.URL.Query().Get("page_size"), 20),
			r.URL.Query().Get("search"))
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, page)

	case len(parts) == 3 && parts[0] == "targets" && parts[2] == "items" && r.Method == http.MethodGet:
		items, err := rc.GetTargetItems(r.Context(), parts[1])
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case rest == "executions" && r.Method == http.MethodPost:
		var req struct {
			TargetID string `json:"target_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		exec, err := rc.CreateExecution(r.Context(), strings.TrimSpace(req.TargetID))
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"execution": exec})

	case len(parts) == 3 && parts[0] == "executions" && parts[2] == "items" && r.Method == http.MethodGet:
		items, err := rc.GetExecutionItems(r.Context(), parts[1])
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case len(parts) == 5 && parts[0] == "executions" && parts[2] == "items" && parts[4] == "execute" && r.Method == http.MethodPost:
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
			return
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing image field: %w", err))
			return
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, 32<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		res, err := rc.ExecuteItem(r.Context(), parts[1], parts[3], header.Filename, data)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case len(parts) == 3 && parts[0] == "executions" && parts[2] == "results" && r.Method == http.MethodPost:
		raw, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := rc.SaveResults(r.Context(), parts[1], raw); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 3 && parts[0] == "executions" && parts[2] == "results" && r.Method == http.MethodGet:
		raw, err := rc.GetResults(r.Context(), parts[1])
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": raw})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
