package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"visual-inspector/internal/domain/model"
	"visual-inspector/internal/platform/id"
	"visual-inspector/internal/services/auditverify"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if err := NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func seedSession(t *testing.T, st *Store, startedAt int64) *model.Session {
	t.Helper()
	target := &model.Target{
		ID:        id.New("target"),
		ProductID: "PRODUCT_001",
		BatchID:   "BATCH_20240126",
		Code:      "PRODUCT_001_BATCH_20240126",
		CreatedAt: startedAt,
	}
	sess := &model.Session{
		ID:        id.New("session"),
		TargetID:  target.ID,
		UserID:    1,
		Status:    model.SessionTargetBound,
		StartedAt: startedAt,
	}
	if err := st.SaveTargetAndSession(context.Background(), target, sess); err != nil {
		t.Fatalf("save target and session: %v", err)
	}
	return sess
}

func seedImage(sessionID string) *model.CapturedImage {
	return &model.CapturedImage{
		ID:        id.New("img"),
		SessionID: sessionID,
		FilePath:  "data/images/" + sessionID + ".jpg",
		ImageType: "capture",
		SHA256:    "abc123",
		SizeBytes: 1024,
		Width:     640,
		Height:    480,
		CreatedAt: time.Now().Unix(),
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, time.Now().Unix())

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got == nil || got.Status != model.SessionTargetBound {
		t.Fatalf("expected target_bound session, got %+v", got)
	}

	if err := st.SaveImageAndAdvance(ctx, seedImage(sess.ID)); err != nil {
		t.Fatalf("save image: %v", err)
	}
	got, _ = st.GetSession(ctx, sess.ID)
	if got.Status != model.SessionImageCaptured {
		t.Fatalf("expected image_captured, got %s", got.Status)
	}

	// 采集阶段已完成，重复采集应被拒绝，且产物不落库。
	err = st.SaveImageAndAdvance(ctx, seedImage(sess.ID))
	if !errors.Is(err, model.ErrStageAlreadyComplete) {
		t.Fatalf("expected ErrStageAlreadyComplete, got %v", err)
	}
	images, err := st.ListImagesBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	if len(images) != 1 {
		t.Fatalf("rejected capture must roll back image row, got %d rows", len(images))
	}

	verdict := &model.AIVerdict{
		ID:            id.New("verdict"),
		SessionID:     sess.ID,
		OverallResult: "PASS",
		Confidence:    0.93,
		CreatedAt:     time.Now().Unix(),
	}
	if err := st.SaveVerdictAndAdvance(ctx, verdict); err != nil {
		t.Fatalf("save verdict: %v", err)
	}

	// AI 阶段允许重复提交，历史判定保留。
	verdict2 := &model.AIVerdict{
		ID:            id.New("verdict"),
		SessionID:     sess.ID,
		OverallResult: "FAIL",
		Confidence:    0.88,
		CreatedAt:     time.Now().Unix() + 1,
	}
	if err := st.SaveVerdictAndAdvance(ctx, verdict2); err != nil {
		t.Fatalf("re-submit verdict: %v", err)
	}
	verdicts, err := st.ListVerdictsBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list verdicts: %v", err)
	}
	if len(verdicts) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(verdicts))
	}

	verification := &model.VerificationResult{
		ID:          id.New("verify"),
		SessionID:   sess.ID,
		UserID:      1,
		FinalResult: "PASS",
		CreatedAt:   time.Now().Unix(),
	}
	if err := st.SaveVerificationAndComplete(ctx, verification); err != nil {
		t.Fatalf("save verification: %v", err)
	}
	got, _ = st.GetSession(ctx, sess.ID)
	if got.Status != model.SessionHumanVerified {
		t.Fatalf("expected human_verified, got %s", got.Status)
	}
	if got.CompletedAt == 0 {
		t.Fatalf("completed session must record completed_at")
	}

	// 终态会话拒绝再次复核与再次判定。
	err = st.SaveVerificationAndComplete(ctx, verification)
	if !errors.Is(err, model.ErrStageAlreadyComplete) {
		t.Fatalf("expected ErrStageAlreadyComplete on re-verify, got %v", err)
	}
	err = st.SaveVerdictAndAdvance(ctx, verdict2)
	if !errors.Is(err, model.ErrStageAlreadyComplete) {
		t.Fatalf("expected ErrStageAlreadyComplete on verdict after terminal, got %v", err)
	}
}

func TestPipelineRetryAfterFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, time.Now().Unix())

	if err := st.SaveImageAndAdvance(ctx, seedImage(sess.ID)); err != nil {
		t.Fatalf("save image: %v", err)
	}
	if err := st.MarkSessionFailed(ctx, sess.ID, "pipeline_unavailable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, _ := st.GetSession(ctx, sess.ID)
	if got.Status != model.SessionFailed || got.FailureReason != "pipeline_unavailable" {
		t.Fatalf("expected failed/pipeline_unavailable, got %s/%s", got.Status, got.FailureReason)
	}

	// pipeline_unavailable 的失败允许重试 AI 阶段，并清掉失败原因。
	verdict := &model.AIVerdict{
		ID:            id.New("verdict"),
		SessionID:     sess.ID,
		OverallResult: "PASS",
		Confidence:    0.9,
		CreatedAt:     time.Now().Unix(),
	}
	if err := st.SaveVerdictAndAdvance(ctx, verdict); err != nil {
		t.Fatalf("retry verdict after pipeline failure: %v", err)
	}
	got, _ = st.GetSession(ctx, sess.ID)
	if got.Status != model.SessionAIEvaluated {
		t.Fatalf("expected ai_evaluated after retry, got %s", got.Status)
	}
	if got.FailureReason != "" {
		t.Fatalf("failure reason should be cleared, got %q", got.FailureReason)
	}

	// 其他失败原因不享受重试通道。
	sess2 := seedSession(t, st, time.Now().Unix())
	if err := st.SaveImageAndAdvance(ctx, seedImage(sess2.ID)); err != nil {
		t.Fatalf("save image: %v", err)
	}
	if err := st.MarkSessionFailed(ctx, sess2.ID, "frame_capture_failed"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	verdict.ID = id.New("verdict")
	verdict.SessionID = sess2.ID
	err := st.SaveVerdictAndAdvance(ctx, verdict)
	if !errors.Is(err, model.ErrStageAlreadyComplete) {
		t.Fatalf("expected ErrStageAlreadyComplete for non-pipeline failure, got %v", err)
	}

	// failed 已是终态，不能再次标记失败。
	err = st.MarkSessionFailed(ctx, sess2.ID, "again")
	if !errors.Is(err, model.ErrStageAlreadyComplete) {
		t.Fatalf("expected ErrStageAlreadyComplete on double fail, got %v", err)
	}
}

func TestListSessionHistoryClampAndOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Unix()
	for i := 0; i < 120; i++ {
		seedSession(t, st, base+int64(i))
	}

	// 超限请求收敛到 100。
	items, err := st.ListSessionHistory(ctx, 500)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(items) != 100 {
		t.Fatalf("expected clamp to 100, got %d", len(items))
	}

	// 缺省 50，按开始时间倒序。
	items, err = st.ListSessionHistory(ctx, 0)
	if err != nil {
		t.Fatalf("list history default: %v", err)
	}
	if len(items) != 50 {
		t.Fatalf("expected default 50, got %d", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i-1].StartedAt < items[i].StartedAt {
			t.Fatalf("history must be newest first, item %d out of order", i)
		}
	}
	if items[0].StartedAt != base+119 {
		t.Fatalf("expected newest session first, got started_at=%d", items[0].StartedAt)
	}
}

func TestSessionHistoryAggregates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, time.Now().Unix())

	if err := st.SaveImageAndAdvance(ctx, seedImage(sess.ID)); err != nil {
		t.Fatalf("save image: %v", err)
	}
	for i, result := range []string{"WARN", "PASS"} {
		v := &model.AIVerdict{
			ID:            id.New("verdict"),
			SessionID:     sess.ID,
			OverallResult: result,
			Confidence:    0.8,
			CreatedAt:     time.Now().Unix() + int64(i),
		}
		if err := st.SaveVerdictAndAdvance(ctx, v); err != nil {
			t.Fatalf("save verdict %d: %v", i, err)
		}
	}

	items, err := st.ListSessionHistory(ctx, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 row, got %d", len(items))
	}
	row := items[0]
	if row.ProductID != "PRODUCT_001" || row.BatchID != "BATCH_20240126" {
		t.Fatalf("unexpected target identity: %+v", row)
	}
	if row.ImageCount != 1 || row.VerdictCount != 2 {
		t.Fatalf("unexpected aggregates: images=%d verdicts=%d", row.ImageCount, row.VerdictCount)
	}
	if row.LatestVerdict != "PASS" {
		t.Fatalf("expected latest verdict PASS, got %q", row.LatestVerdict)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	v, err := st.GetConfigValue(ctx, "api_endpoint")
	if err != nil {
		t.Fatalf("get missing config: %v", err)
	}
	if v != "" {
		t.Fatalf("missing key should return empty, got %q", v)
	}

	if err := st.SetConfigValue(ctx, "api_endpoint", "https://pipeline.local"); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if err := st.SetConfigValue(ctx, "api_endpoint", "https://pipeline.example"); err != nil {
		t.Fatalf("overwrite config: %v", err)
	}
	v, _ = st.GetConfigValue(ctx, "api_endpoint")
	if v != "https://pipeline.example" {
		t.Fatalf("expected overwritten value, got %q", v)
	}
}

func TestUserRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	uid, err := st.CreateUser(ctx, "operator1", "op@example.com", "$2a$10$hash", "Operator One", "inspector")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if uid == 0 {
		t.Fatalf("expected non-zero user id")
	}

	u, passwordHash, err := st.GetUserByUsername(ctx, "operator1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u == nil || u.Username != "operator1" || u.Role != "inspector" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if passwordHash != "$2a$10$hash" {
		t.Fatalf("password hash mismatch: %q", passwordHash)
	}

	u, _, err = st.GetUserByUsername(ctx, "missing")
	if err != nil {
		t.Fatalf("get missing user: %v", err)
	}
	if u != nil {
		t.Fatalf("missing user should return nil")
	}

	// 用户名唯一约束。
	if _, err := st.CreateUser(ctx, "operator1", "", "$2a$10$other", "", "inspector"); err == nil {
		t.Fatalf("duplicate username should fail")
	}
}

func TestAuditChain(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, time.Now().Unix())

	for i := 0; i < 3; i++ {
		err := st.AppendAudit(ctx, sess.ID, "session", fmt.Sprintf("step_%d", i), "ok", "operator1", map[string]any{"seq": i})
		if err != nil {
			t.Fatalf("append audit %d: %v", i, err)
		}
	}

	logs, err := st.ListAuditLogs(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 audit logs, got %d", len(logs))
	}
	if logs[0].ChainPrevHash != "" {
		t.Fatalf("first entry should have empty prev hash")
	}
	for i := 1; i < len(logs); i++ {
		if logs[i].ChainPrevHash != logs[i-1].ChainHash {
			t.Fatalf("chain broken at entry %d", i)
		}
	}
}

// 多条事件落在同一个 occurred_at 秒内时，链必须按写入顺序相接：
// 乱序会让 AppendAudit 接到错误的“最新”hash，把链写分叉。
func TestAuditChainRapidAppends(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, time.Now().Unix())

	const n = 20
	for i := 0; i < n; i++ {
		err := st.AppendAudit(ctx, sess.ID, "session", fmt.Sprintf("rapid_%02d", i), "ok", "operator1", nil)
		if err != nil {
			t.Fatalf("append audit %d: %v", i, err)
		}
	}

	logs, err := st.ListAuditLogs(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != n {
		t.Fatalf("expected %d audit logs, got %d", n, len(logs))
	}
	for i, item := range logs {
		if want := fmt.Sprintf("rapid_%02d", i); item.Action != want {
			t.Fatalf("entry %d out of append order: got %s, want %s", i, item.Action, want)
		}
		if i == 0 {
			if item.ChainPrevHash != "" {
				t.Fatalf("first entry should have empty prev hash")
			}
			continue
		}
		if item.ChainPrevHash != logs[i-1].ChainHash {
			t.Fatalf("chain broken at entry %d", i)
		}
	}

	if res := auditverify.VerifyAuditLogs(logs); !res.OK {
		t.Fatalf("honest rapid-append log failed verification: %+v", res)
	}
}

func TestReportRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, st, time.Now().Unix())

	reportID, err := st.SaveReport(ctx, sess.ID, "session_pdf", "data/reports/r.pdf", "deadbeef", "1.0.0", "completed")
	if err != nil {
		t.Fatalf("save report: %v", err)
	}

	info, err := st.GetReportByID(ctx, reportID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if info == nil || info.SessionID != sess.ID || info.FilePath != "data/reports/r.pdf" {
		t.Fatalf("unexpected report info: %+v", info)
	}

	info, err = st.GetReportByID(ctx, "report_missing")
	if err != nil {
		t.Fatalf("get missing report: %v", err)
	}
	if info != nil {
		t.Fatalf("missing report should return nil")
	}
}
