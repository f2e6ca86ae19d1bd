// Package report 生成检查会话的 PDF 报告并登记到 reports 表。
//
// 当前版本以“可归档、可追溯”为先：报告落盘后入库登记，附审计留痕；
// 模板、签章等增强后续再做。PDF 属于二进制产物，通过
// /api/reports/{id}/download 下载，不走内联预览。
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"

	sqliteadapter "visual-inspector/internal/adapters/store/sqlite"
	"visual-inspector/internal/domain/model"
	"visual-inspector/internal/platform/hash"
)

const pdfGeneratorVer = "inspectionpdf-0.1.0"

type Options struct {
	SessionID string
	ReportDir string
	Operator  string
	Note      string
}

type Result struct {
	ReportID    string `json:"report_id"`
	PDFPath     string `json:"pdf_path"`
	PDFSHA256   string `json:"pdf_sha256"`
	GeneratedAt int64  `json:"generated_at"`
}

// GenerateSessionPDF 生成一份会话报告，登记为 report_type=session_pdf。
func GenerateSessionPDF(ctx context.Context, store *sqliteadapter.Store, opts Options) (*Result, error) {
	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	reportDir := strings.TrimSpace(opts.ReportDir)
	if reportDir == "" {
		return nil, fmt.Errorf("report_dir is required")
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	target, err := store.GetTarget(ctx, sess.TargetID)
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	images, err := store.ListImagesBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	verdicts, err := store.ListVerdictsBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	verification, err := store.GetVerificationBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get verification: %w", err)
	}
	audits, err := store.ListAuditLogs(ctx, sessionID, 5000)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}

	lastAuditHash := ""
	if len(audits) > 0 {
		lastAuditHash = audits[len(audits)-1].ChainHash
	}

	now := time.Now().Unix()
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}
	pdfPath := filepath.Join(reportDir, fmt.Sprintf("%s_report_%d.pdf", sessionID, now))

	pdf := buildPDF(sess, target, images, verdicts, verification, operator, opts.Note, lastAuditHash, len(audits), now)
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	reportID, err := store.SaveReport(ctx, sessionID, "session_pdf", pdfPath, sum, pdfGeneratorVer, "ready")
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	_ = store.AppendAudit(ctx, sessionID, "export", "session_pdf", "ok", operator, map[string]any{
		"pdf":        pdfPath,
		"pdf_sha256": sum,
		"note":       strings.TrimSpace(opts.Note),
	})

	return &Result{
		ReportID:    reportID,
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		GeneratedAt: now,
	}, nil
}

func buildPDF(
	sess *model.Session,
	target *model.Target,
	images []model.CapturedImage,
	verdicts []model.AIVerdict,
	verification *model.VerificationResult,
	operator string,
	note string,
	lastAuditHash string,
	auditCount int,
	generatedAt int64,
) *gofpdf.Fpdf {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Visual Inspector - Session Report", false)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 9, "Visual Inspector - Session Report", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(generatedAt)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(operator)), "", 1, "L", false, 0, "")
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(note)), "", "L", false)
	}
	pdf.Ln(2)

	sectionTitle(pdf, "1. Session Overview")
	kv(pdf, "Session ID", sess.ID)
	kv(pdf, "Status", string(sess.Status))
	if sess.FailureReason != "" {
		kv(pdf, "Failure Reason", sess.FailureReason)
	}
	kv(pdf, "Started At", fmtTime(sess.StartedAt))
	if sess.CompletedAt > 0 {
		kv(pdf, "Completed At", fmtTime(sess.CompletedAt))
	}
	pdf.Ln(2)

	sectionTitle(pdf, "2. Inspection Target")
	if target != nil {
		kv(pdf, "Target ID", target.ID)
		kv(pdf, "Product", target.ProductID)
		kv(pdf, "Batch", target.BatchID)
		kv(pdf, "Scanned Code", target.Code)
	} else {
		pdf.SetFont("Arial", "", 9)
		pdf.CellFormat(0, 5, "target record missing", "", 1, "L", false, 0, "")
	}
	pdf.Ln(2)

	sectionTitle(pdf, "3. Captured Images")
	if len(images) == 0 {
		pdf.SetFont("Arial", "", 9)
		pdf.CellFormat(0, 5, "no image captured", "", 1, "L", false, 0, "")
	}
	for i, img := range images {
		kv(pdf, fmt.Sprintf("Image %d", i+1),
			fmt.Sprintf("%s (%s, %dx%d, %d bytes)", img.ID, img.ImageType, img.Width, img.Height, img.SizeBytes))
		kv(pdf, "  SHA-256", img.SHA256)
	}
	pdf.Ln(2)

	sectionTitle(pdf, "4. AI Verdicts")
	if len(verdicts) == 0 {
		pdf.SetFont("Arial", "", 9)
		pdf.CellFormat(0, 5, "no pipeline verdict recorded", "", 1, "L", false, 0, "")
	}
	for i, v := range verdicts {
		kv(pdf, fmt.Sprintf("Verdict %d", i+1),
			fmt.Sprintf("%s (confidence=%.2f, processing=%.2fs, pipeline=%s)",
				v.OverallResult, v.Confidence, v.ProcessingTime, orDash(v.PipelineVersion)))
		kv(pdf, "  Recorded At", fmtTime(v.CreatedAt))
	}
	pdf.Ln(2)

	sectionTitle(pdf, "5. Human Verification")
	if verification != nil {
		kv(pdf, "Final Result", verification.FinalResult)
		if strings.TrimSpace(verification.Notes) != "" {
			kv(pdf, "Notes", safeText(verification.Notes))
		}
		kv(pdf, "Verification Time", fmt.Sprintf("%.1fs", verification.VerificationTime))
		kv(pdf, "Recorded At", fmtTime(verification.CreatedAt))
	} else {
		pdf.SetFont("Arial", "", 9)
		pdf.CellFormat(0, 5, "not yet verified", "", 1, "L", false, 0, "")
	}
	pdf.Ln(2)

	sectionTitle(pdf, "6. Audit Trail")
	kv(pdf, "Entries", fmt.Sprintf("%d", auditCount))
	if lastAuditHash != "" {
		kv(pdf, "Chain Last Hash", lastAuditHash)
	}

	return pdf
}

func sectionTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Arial", "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetTextColor(60, 60, 60)
}

func kv(pdf *gofpdf.Fpdf, key, value string) {
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(48, 5, key, "", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.MultiCell(0, 5, safeText(value), "", "L", false)
}

func fmtTime(unix int64) string {
	if unix <= 0 {
		return "-"
	}
	return time.Unix(unix, 0).Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// safeText 把内置字体无法渲染的非 ASCII 字符替换为 '?'，保证报告生成不失败。
func safeText(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r > 0x7e || (r < 0x20 && r != '\n' && r != '\t') {
			out = append(out, '?')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
