// Package session 编排一次完整的检查流程：
// 扫码建会话 → 采集图片 → 提交流水线 → 人工复核。
// 每个阶段只有在前一阶段完成后才可执行，状态推进的原子性由存储层保证。
package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"time"

	"visual-inspector/internal/adapters/camera"
	"visual-inspector/internal/adapters/pipeline"
	"visual-inspector/internal/adapters/store/sqlite"
	"visual-inspector/internal/domain/model"
	"visual-inspector/internal/platform/hash"
	"visual-inspector/internal/platform/id"
	"visual-inspector/internal/services/codeparse"
)

// FailureReasonPipeline 是允许重试 AI 阶段的失败类别。
const FailureReasonPipeline = "pipeline_unavailable"

// CameraAcquirer 是编排层需要的相机能力。
type CameraAcquirer interface {
	Acquire(ctx context.Context) (*camera.Outcome, error)
}

// PipelineExecutor 是编排层需要的流水线能力。
type PipelineExecutor interface {
	Execute(ctx context.Context, req pipeline.ExecuteRequest) (*pipeline.ExecuteResult, error)
}

// Detail 是单个会话的完整视图。
type Detail struct {
	Session      *model.Session            `json:"session"`
	Target       *model.Target             `json:"target"`
	Images       []model.CapturedImage     `json:"images"`
	Verdicts     []model.AIVerdict         `json:"verdicts"`
	Verification *model.VerificationResult `json:"verification,omitempty"`
}

// Orchestrator 驱动检查会话走完各阶段。
type Orchestrator struct {
	store    *sqlite.Store
	camera   CameraAcquirer
	pipeline PipelineExecutor
	imageDir string
	now      func() time.Time
}

func NewOrchestrator(store *sqlite.Store, cam CameraAcquirer, pipe PipelineExecutor, imageDir string) *Orchestrator {
	return &Orchestrator{
		store:    store,
		camera:   cam,
		pipeline: pipe,
		imageDir: imageDir,
		now:      time.Now,
	}
}

// Start 解析扫码内容并创建会话。
// 目标与会话在一个事务里落库，落库即处于 target_bound。
func (o *Orchestrator) Start(ctx context.Context, userID int64, code string, actor string) (*model.Session, *model.Target, error) {
	parsed, err := codeparse.Parse(code)
	if err != nil {
		return nil, nil, err
	}

	now := o.now().Unix()
	target := &model.Target{
		ID:        id.New("target"),
		ProductID: parsed.ProductID,
		BatchID:   parsed.BatchID,
		Code:      code,
		CreatedAt: now,
	}
	sess := &model.Session{
		ID:        id.New("session"),
		TargetID:  target.ID,
		UserID:    userID,
		Status:    model.SessionTargetBound,
		StartedAt: now,
	}
	if err := o.store.SaveTargetAndSession(ctx, target, sess); err != nil {
		return nil, nil, err
	}

	o.audit(ctx, sess.ID, "session", "start", "ok", actor, map[string]string{
		"product_id": target.ProductID,
		"batch_id":   target.BatchID,
	})
	return sess, target, nil
}

// Capture 执行采集阶段。
// 直采成功时图片落盘并推进状态；外部应用/人工兜底不是错误，
// 会话停留在 target_bound，等 AttachManualImage 补图。
func (o *Orchestrator) Capture(ctx context.Context, sessionID, actor string) (*camera.Outcome, *model.CapturedImage, error) {
	sess, err := o.requireSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status != model.SessionTargetBound {
		return nil, nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, model.ErrStageAlreadyComplete)
	}

	outcome, err := o.camera.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	if outcome.Kind != camera.OutcomeCaptured {
		o.audit(ctx, sessionID, "capture", "fallback", string(outcome.Kind), actor, map[string]string{
			"app":    outcome.AppName,
			"reason": outcome.Reason,
		})
		return outcome, nil, nil
	}

	img, err := o.persistImage(ctx, sessionID, "capture", outcome.Image.JPEG, outcome.Image.Width, outcome.Image.Height)
	if err != nil {
		return nil, nil, err
	}
	o.audit(ctx, sessionID, "capture", "direct", "ok", actor, map[string]any{
		"image_id": img.ID,
		"device":   outcome.Image.Device.Name,
	})
	return outcome, img, nil
}

// AttachManualImage 挂载人工拍摄/上传的图片，推进到与直采相同的阶段。
func (o *Orchestrator) AttachManualImage(ctx context.Context, sessionID string, data []byte, actor string) (*model.CapturedImage, error) {
	sess, err := o.requireSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionTargetBound {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, model.ErrStageAlreadyComplete)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("manual image is not a decodable jpeg/png (%v): %w", err, model.ErrDecodeFailed)
	}

	img, err := o.persistImage(ctx, sessionID, "manual", data, cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}
	o.audit(ctx, sessionID, "capture", "manual_upload", "ok", actor, map[string]string{"image_id": img.ID})
	return img, nil
}

// Submit 把会话的最新图片提交流水线并记录判定。
// 允许的前置状态：image_captured、ai_evaluated（重复提交）、
// failed 且原因为 pipeline_unavailable（恢复后重试）。
// 流水线不可达时会话标记为可重试的失败，错误原样上抛。
func (o *Orchestrator) Submit(ctx context.Context, sessionID, actor string) (*model.AIVerdict, error) {
	sess, err := o.requireSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch {
	case sess.Status == model.SessionImageCaptured:
	case sess.Status == model.SessionAIEvaluated:
	case sess.Status == model.SessionFailed && sess.FailureReason == FailureReasonPipeline:
	default:
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, model.ErrStageAlreadyComplete)
	}

	target, err := o.store.GetTarget(ctx, sess.TargetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("target %s not found", sess.TargetID)
	}

	images, err := o.store.ListImagesBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("session %s has no image to submit", sessionID)
	}
	latest := images[len(images)-1]
	raw, err := os.ReadFile(latest.FilePath)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", latest.FilePath, err)
	}

	result, err := o.pipeline.Execute(ctx, pipeline.ExecuteRequest{
		SessionID:   sessionID,
		ProductID:   target.ProductID,
		BatchID:     target.BatchID,
		ImageBase64: base64.StdEncoding.EncodeToString(raw),
		ImageSHA256: latest.SHA256,
	})
	if err != nil {
		if errors.Is(err, model.ErrPipelineUnavailable) && sess.Status != model.SessionFailed {
			if ferr := o.store.MarkSessionFailed(ctx, sessionID, FailureReasonPipeline); ferr != nil {
				log.Printf("session: mark %s failed: %v", sessionID, ferr)
			}
			o.audit(ctx, sessionID, "pipeline", "execute", "failed", actor, map[string]string{"reason": FailureReasonPipeline})
		}
		return nil, err
	}

	verdict := &model.AIVerdict{
		ID:              id.New("verdict"),
		SessionID:       sessionID,
		PipelineVersion: result.PipelineVersion,
		OverallResult:   result.OverallResult,
		Confidence:      result.Confidence,
		ProcessingTime:  result.ProcessingTime,
		DetailJSON:      result.DetailedResults,
		CreatedAt:       o.now().Unix(),
	}
	if err := o.store.SaveVerdictAndAdvance(ctx, verdict); err != nil {
		return nil, err
	}
	o.audit(ctx, sessionID, "pipeline", "execute", "ok", actor, map[string]any{
		"verdict_id": verdict.ID,
		"result":     verdict.OverallResult,
		"confidence": verdict.Confidence,
	})
	return verdict, nil
}

// Verify 记录人工复核并终结会话。
func (o *Orchestrator) Verify(ctx context.Context, sessionID string, userID int64, finalResult, notes string, verificationTime float64, actor string) (*model.VerificationResult, error) {
	if finalResult == "" {
		return nil, fmt.Errorf("final_result is required")
	}
	v := &model.VerificationResult{
		ID:               id.New("verify"),
		SessionID:        sessionID,
		UserID:           userID,
		FinalResult:      finalResult,
		Notes:            notes,
		VerificationTime: verificationTime,
		CreatedAt:        o.now().Unix(),
	}
	if err := o.store.SaveVerificationAndComplete(ctx, v); err != nil {
		return nil, err
	}
	o.audit(ctx, sessionID, "verification", "save", "ok", actor, map[string]string{"final_result": finalResult})
	return v, nil
}

// Fail 把会话标记为失败并记录类别化原因。
func (o *Orchestrator) Fail(ctx context.Context, sessionID, reason, actor string) error {
	if err := o.store.MarkSessionFailed(ctx, sessionID, reason); err != nil {
		return err
	}
	o.audit(ctx, sessionID, "session", "fail", reason, actor, nil)
	return nil
}

// History 返回最近的会话列表摘要。
func (o *Orchestrator) History(ctx context.Context, limit int) ([]model.SessionOverview, error) {
	return o.store.ListSessionHistory(ctx, limit)
}

// Get 返回单个会话的完整视图。
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*Detail, error) {
	sess, err := o.requireSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	target, err := o.store.GetTarget(ctx, sess.TargetID)
	if err != nil {
		return nil, err
	}
	images, err := o.store.ListImagesBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	verdicts, err := o.store.ListVerdictsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	verification, err := o.store.GetVerificationBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Detail{
		Session:      sess,
		Target:       target,
		Images:       images,
		Verdicts:     verdicts,
		Verification: verification,
	}, nil
}

// AuditTrail 返回会话的审计日志。
func (o *Orchestrator) AuditTrail(ctx context.Context, sessionID string, limit int) ([]model.AuditLog, error) {
	return o.store.ListAuditLogs(ctx, sessionID, limit)
}

func (o *Orchestrator) requireSession(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return sess, nil
}

func (o *Orchestrator) persistImage(ctx context.Context, sessionID, imageType string, data []byte, width, height int) (*model.CapturedImage, error) {
	imgID := id.New("img")
	if err := os.MkdirAll(o.imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	path := filepath.Join(o.imageDir, imgID+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write image %s: %w", path, err)
	}

	img := &model.CapturedImage{
		ID:        imgID,
		SessionID: sessionID,
		FilePath:  path,
		ImageType: imageType,
		SHA256:    hash.Bytes(data),
		SizeBytes: int64(len(data)),
		Width:     width,
		Height:    height,
		CreatedAt: o.now().Unix(),
	}
	if err := o.store.SaveImageAndAdvance(ctx, img); err != nil {
		// 登记失败时清掉已落盘的孤儿文件。
		_ = os.Remove(path)
		return nil, err
	}
	return img, nil
}

// audit 失败只记日志：审计链路问题不应该阻断业务操作。
func (o *Orchestrator) audit(ctx context.Context, sessionID, eventType, action, status, actor string, detail any) {
	if err := o.store.AppendAudit(ctx, sessionID, eventType, action, status, actor, detail); err != nil {
		log.Printf("session: append audit %s/%s: %v", eventType, action, err)
	}
}
