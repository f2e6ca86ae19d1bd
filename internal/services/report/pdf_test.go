package report

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	sqliteadapter "visual-inspector/internal/adapters/store/sqlite"
	"visual-inspector/internal/domain/model"
	"visual-inspector/internal/platform/id"
)

func TestGenerateSessionPDF_CreatesReportAndFile(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()

	db, err := sql.Open("sqlite", filepath.Join(tmp, "inspection.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := sqliteadapter.NewStore(db)

	now := time.Now().Unix()
	target := &model.Target{
		ID:        id.New("target"),
		ProductID: "PRODUCT_001",
		BatchID:   "BATCH_20240126",
		Code:      "PRODUCT_001_BATCH_20240126",
		CreatedAt: now,
	}
	sess := &model.Session{
		ID:        id.New("session"),
		TargetID:  target.ID,
		UserID:    1,
		Status:    model.SessionTargetBound,
		StartedAt: now,
	}
	if err := store.SaveTargetAndSession(ctx, target, sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if err := store.SaveImageAndAdvance(ctx, &model.CapturedImage{
		ID:        id.New("img"),
		SessionID: sess.ID,
		FilePath:  filepath.Join(tmp, "img.jpg"),
		ImageType: "capture",
		SHA256:    "abc",
		SizeBytes: 100,
		Width:     640,
		Height:    480,
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("seed image: %v", err)
	}
	if err := store.SaveVerdictAndAdvance(ctx, &model.AIVerdict{
		ID:            id.New("verdict"),
		SessionID:     sess.ID,
		OverallResult: "PASS",
		Confidence:    0.9,
		CreatedAt:     now,
	}); err != nil {
		t.Fatalf("seed verdict: %v", err)
	}

	res, err := GenerateSessionPDF(ctx, store, Options{
		SessionID: sess.ID,
		ReportDir: filepath.Join(tmp, "reports"),
		Operator:  "operator1",
		Note:      "shift A",
	})
	if err != nil {
		t.Fatalf("generate pdf: %v", err)
	}

	info, err := os.Stat(res.PDFPath)
	if err != nil {
		t.Fatalf("pdf file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("pdf file is empty")
	}
	if res.PDFSHA256 == "" {
		t.Fatalf("expected pdf sha256")
	}

	saved, err := store.GetReportByID(ctx, res.ReportID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if saved == nil || saved.ReportType != "session_pdf" || saved.Status != "ready" {
		t.Fatalf("report not registered: %+v", saved)
	}
	if saved.SHA256 != res.PDFSHA256 {
		t.Fatalf("registered sha mismatch")
	}
}

func TestGenerateSessionPDF_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := GenerateSessionPDF(ctx, nil, Options{SessionID: "", ReportDir: "x"}); err == nil {
		t.Fatalf("empty session_id must fail")
	}
	if _, err := GenerateSessionPDF(ctx, nil, Options{SessionID: "s", ReportDir: ""}); err == nil {
		t.Fatalf("empty report_dir must fail")
	}
}
