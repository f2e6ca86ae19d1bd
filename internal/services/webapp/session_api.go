package webapp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"visual-inspector/internal/adapters/camera"
	"visual-inspector/internal/domain/model"
	"visual-inspector/internal/services/auditverify"
	"visual-inspector/internal/services/report"
)

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 0)
		rows, err := s.orchestrator.History(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": rows})
	case http.MethodPost:
		var req struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		actor, userID := s.actorFromRequest(r)
		sess, target, err := s.orchestrator.Start(r.Context(), userID, req.Code, actor)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session": sess,
			"target":  target,
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	sessionID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleSessionDetail(w, r, sessionID)
	case "capture":
		s.handleSessionCapture(w, r, sessionID)
	case "images":
		s.handleSessionManualImage(w, r, sessionID)
	case "pipeline":
		s.handleSessionPipeline(w, r, sessionID)
	case "verification":
		s.handleSessionVerification(w, r, sessionID)
	case "fail":
		s.handleSessionFail(w, r, sessionID)
	case "report":
		s.handleSessionReport(w, r, sessionID)
	case "audits":
		s.handleSessionAudits(w, r, sessionID)
	case "verify-audits":
		s.handleSessionVerifyAudits(w, r, sessionID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	detail, err := s.orchestrator.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSessionCapture(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, _ := s.actorFromRequest(r)
	outcome, img, err := s.orchestrator.Capture(r.Context(), sessionID, actor)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	body := map[string]any{
		"outcome":  outcome.Kind,
		"app_name": outcome.AppName,
		"reason":   outcome.Reason,
	}
	if img != nil {
		body["image"] = img
	}
	// 兜底路径把直采失败的类别与排查指引一并带给 UI。
	if outcome.Kind != camera.OutcomeCaptured && isCameraError(outcome.Err) {
		body["remediation"] = model.CameraRemediation
	}
	writeJSON(w, http.StatusOK, body)
}

// handleSessionManualImage 接收人工拍摄/上传的图片。
// 支持 multipart（字段名 image）和原始字节两种提交方式。
func (s *Server) handleSessionManualImage(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var data []byte
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
			return
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing image field: %w", err))
			return
		}
		defer file.Close()
		data, err = io.ReadAll(io.LimitReader(file, 32<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	} else {
		var err error
		data, err = io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("empty image payload"))
		return
	}

	actor, _ := s.actorFromRequest(r)
	img, err := s.orchestrator.AttachManualImage(r.Context(), sessionID, data, actor)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"image": img})
}

func (s *Server) handleSessionPipeline(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actor, _ := s.actorFromRequest(r)
	verdict, err := s.orchestrator.Submit(r.Context(), sessionID, actor)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verdict": verdict})
}

func (s *Server) handleSessionVerification(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		FinalResult      string  `json:"final_result"`
		Notes            string  `json:"notes,omitempty"`
		VerificationTime float64 `json:"verification_time,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	actor, userID := s.actorFromRequest(r)
	verification, err := s.orchestrator.Verify(r.Context(), sessionID, userID,
		strings.TrimSpace(req.FinalResult), req.Notes, req.VerificationTime, actor)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verification": verification})
}

func (s *Server) handleSessionFail(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("reason is required"))
		return
	}

	actor, _ := s.actorFromRequest(r)
	if err := s.orchestrator.Fail(r.Context(), sessionID, reason, actor); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionReport(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Note string `json:"note,omitempty"`
	}
	// 请求体可省略。
	_ = json.NewDecoder(r.Body).Decode(&req)

	actor, _ := s.actorFromRequest(r)
	res, err := report.GenerateSessionPDF(r.Context(), s.store, report.Options{
		SessionID: sessionID,
		ReportDir: s.opts.ReportDir,
		Operator:  actor,
		Note:      req.Note,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessionAudits(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 0)
	logs, err := s.orchestrator.AuditTrail(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": logs})
}

func (s *Server) handleSessionVerifyAudits(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	logs, err := s.orchestrator.AuditTrail(r.Context(), sessionID, 5000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, auditverify.VerifyAuditLogs(logs))
}

func (s *Server) handleReportRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/reports/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[1] != "download" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	reportID := parts[0]
	info, err := s.store.GetReportByID(r.Context(), reportID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("report not found: %s", reportID))
		return
	}
	serveFile(w, r, info.FilePath, "report_"+reportID)
}
