package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"visual-inspector/internal/domain/model"
	"visual-inspector/internal/platform/hash"
	"visual-inspector/internal/platform/id"
)

// Store 封装与 SQLite 的读写逻辑。
//
// 阶段性写入（图片/判定/复核）和依赖它的状态推进共用一个事务：
// 外部永远看不到“产物已入库但状态没动”或反过来的中间态。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value。
func (s *Store) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM schema_meta
		WHERE key = ?
		LIMIT 1
	`, key).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("query schema_meta %s: %w", key, err)
	}
	return v, nil
}

// ---- 用户 ----

// CreateUser 创建账号并返回自增 ID。密码必须在调用前完成 bcrypt 哈希。
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash, fullName, role string) (int64, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users(username, email, password_hash, full_name, role, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, username, nullIfEmpty(email), passwordHash, nullIfEmpty(fullName), role, now)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	uid, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("user last insert id: %w", err)
	}
	return uid, nil
}

// GetUserByUsername 返回用户及其 password_hash；不存在时返回 (nil, "", nil)。
// password_hash 单独返回而不挂在 User 上，避免被意外序列化出去。
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, COALESCE(email, ''), password_hash, COALESCE(full_name, ''), role, created_at
		FROM users
		WHERE username = ?
		LIMIT 1
	`, username)

	var u model.User
	var passwordHash string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &passwordHash, &u.FullName, &u.Role, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("query user %s: %w", username, err)
	}
	return &u, passwordHash, nil
}

// ---- 目标与会话 ----

// SaveTargetAndSession 在一个事务里写入目标和绑定它的会话。
// 会话落库即处于 target_bound：不存在“已入库但目标未绑定”的会话。
func (s *Store) SaveTargetAndSession(ctx context.Context, t *model.Target, sess *model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save session: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inspection_targets(id, product_id, batch_id, code, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, t.ID, t.ProductID, t.BatchID, t.Code, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert target %s: %w", t.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inspection_sessions(id, target_id, user_id, status, started_at)
		VALUES(?, ?, ?, ?, ?)
	`, sess.ID, sess.TargetID, sess.UserID, string(sess.Status), sess.StartedAt)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save session: %w", err)
	}
	return nil
}

// GetSession 按 ID 查询会话；不存在时返回 (nil, nil)。
func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, target_id, user_id, status, COALESCE(failure_reason, ''), started_at, COALESCE(completed_at, 0)
		FROM inspection_sessions
		WHERE id = ?
		LIMIT 1
	`, sessionID)
	return scanSession(row)
}

// GetTarget 按 ID 查询检查目标；不存在时返回 (nil, nil)。
func (s *Store) GetTarget(ctx context.Context, targetID string) (*model.Target, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, batch_id, code, created_at
		FROM inspection_targets
		WHERE id = ?
		LIMIT 1
	`, targetID)

	var t model.Target
	if err := row.Scan(&t.ID, &t.ProductID, &t.BatchID, &t.Code, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query target %s: %w", targetID, err)
	}
	return &t, nil
}

// SaveImageAndAdvance 写入图片登记并把会话推进到 image_captured。
// 状态守卫直接写进 UPDATE 的 WHERE：只有 target_bound 的会话能进此阶段；
// 守卫不命中时整个事务回滚并返回 ErrStageAlreadyComplete。
func (s *Store) SaveImageAndAdvance(ctx context.Context, img *model.CapturedImage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save image: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inspection_images(id, session_id, file_path, image_type, sha256, size_bytes, width, height, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, img.ID, img.SessionID, img.FilePath, img.ImageType, img.SHA256, img.SizeBytes, img.Width, img.Height, img.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert image %s: %w", img.ID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE inspection_sessions
		SET status = ?
		WHERE id = ? AND status = ?
	`, string(model.SessionImageCaptured), img.SessionID, string(model.SessionTargetBound))
	if err != nil {
		return fmt.Errorf("advance session %s: %w", img.SessionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		err = fmt.Errorf("session %s not in %s: %w", img.SessionID, model.SessionTargetBound, model.ErrStageAlreadyComplete)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save image: %w", err)
	}
	return nil
}

// SaveVerdictAndAdvance 追加一条 AI 判定并把会话置为 ai_evaluated。
// 允许的前置状态：
// - image_captured：首次提交
// - ai_evaluated：显式允许的重复提交（判定 append-only，不覆盖历史）
// - failed + pipeline_unavailable：流水线恢复后的重试（清空失败原因）
func (s *Store) SaveVerdictAndAdvance(ctx context.Context, v *model.AIVerdict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save verdict: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	detail := any(nil)
	if len(v.DetailJSON) > 0 {
		detail = string(v.DetailJSON)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ai_inspection_results(id, session_id, pipeline_version, overall_result, confidence, processing_time, detailed_results, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.SessionID, nullIfEmpty(v.PipelineVersion), v.OverallResult, v.Confidence, v.ProcessingTime, detail, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert verdict %s: %w", v.ID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE inspection_sessions
		SET status = ?, failure_reason = NULL
		WHERE id = ?
		  AND (status IN (?, ?) OR (status = ? AND failure_reason = ?))
	`, string(model.SessionAIEvaluated), v.SessionID,
		string(model.SessionImageCaptured), string(model.SessionAIEvaluated),
		string(model.SessionFailed), "pipeline_unavailable")
	if err != nil {
		return fmt.Errorf("advance session %s: %w", v.SessionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		err = fmt.Errorf("session %s not ready for ai stage: %w", v.SessionID, model.ErrStageAlreadyComplete)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save verdict: %w", err)
	}
	return nil
}

// SaveVerificationAndComplete 写入人工复核并把会话终结为 human_verified。
// 只有 ai_evaluated 的会话可以复核（复核必须发生在 AI 判定之后）。
func (s *Store) SaveVerificationAndComplete(ctx context.Context, v *model.VerificationResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save verification: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO human_verification_results(id, session_id, user_id, final_result, notes, verification_time, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.SessionID, v.UserID, v.FinalResult, nullIfEmpty(v.Notes), v.VerificationTime, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert verification %s: %w", v.ID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE inspection_sessions
		SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, string(model.SessionHumanVerified), v.CreatedAt, v.SessionID, string(model.SessionAIEvaluated))
	if err != nil {
		return fmt.Errorf("complete session %s: %w", v.SessionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		err = fmt.Errorf("session %s not in %s: %w", v.SessionID, model.SessionAIEvaluated, model.ErrStageAlreadyComplete)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save verification: %w", err)
	}
	return nil
}

// MarkSessionFailed 把会话置为 failed 并记录类别化原因。终态会话不再改动。
func (s *Store) MarkSessionFailed(ctx context.Context, sessionID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inspection_sessions
		SET status = ?, failure_reason = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, string(model.SessionFailed), reason, time.Now().Unix(), sessionID,
		string(model.SessionHumanVerified), string(model.SessionFailed))
	if err != nil {
		return fmt.Errorf("mark session failed %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s already terminal: %w", sessionID, model.ErrStageAlreadyComplete)
	}
	return nil
}

// ListSessionHistory 返回会话列表，按开始时间倒序。
// limit 缺省 50，上限 100（UI 翻页靠 limit 之外的筛选，不做 offset）。
func (s *Store) ListSessionHistory(ctx context.Context, limit int) ([]model.SessionOverview, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			se.id, se.target_id, se.user_id, se.status,
			COALESCE(se.failure_reason, ''), se.started_at, COALESCE(se.completed_at, 0),
			t.product_id, t.batch_id,
			(SELECT COUNT(*) FROM inspection_images i WHERE i.session_id = se.id),
			(SELECT COUNT(*) FROM ai_inspection_results a WHERE a.session_id = se.id),
			COALESCE((
				SELECT a.overall_result FROM ai_inspection_results a
				WHERE a.session_id = se.id
				ORDER BY a.created_at DESC, a.id DESC
				LIMIT 1
			), '')
		FROM inspection_sessions se
		JOIN inspection_targets t ON t.id = se.target_id
		ORDER BY se.started_at DESC, se.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	var out []model.SessionOverview
	for rows.Next() {
		var item model.SessionOverview
		var status string
		if err := rows.Scan(
			&item.ID,
			&item.TargetID,
			&item.UserID,
			&status,
			&item.FailureReason,
			&item.StartedAt,
			&item.CompletedAt,
			&item.ProductID,
			&item.BatchID,
			&item.ImageCount,
			&item.VerdictCount,
			&item.LatestVerdict,
		); err != nil {
			return nil, fmt.Errorf("scan session overview: %w", err)
		}
		item.Status = model.SessionStatus(status)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session history: %w", err)
	}
	if out == nil {
		out = []model.SessionOverview{}
	}
	return out, nil
}

// ListImagesBySession 返回会话的图片登记列表（按采集时间升序）。
func (s *Store) ListImagesBySession(ctx context.Context, sessionID string) ([]model.CapturedImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, file_path, image_type, sha256, size_bytes, width, height, created_at
		FROM inspection_images
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	var out []model.CapturedImage
	for rows.Next() {
		var item model.CapturedImage
		if err := rows.Scan(
			&item.ID,
			&item.SessionID,
			&item.FilePath,
			&item.ImageType,
			&item.SHA256,
			&item.SizeBytes,
			&item.Width,
			&item.Height,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	if out == nil {
		out = []model.CapturedImage{}
	}
	return out, nil
}

// ListVerdictsBySession 返回会话的全部 AI 判定（append-only 历史，按时间升序）。
func (s *Store) ListVerdictsBySession(ctx context.Context, sessionID string) ([]model.AIVerdict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(pipeline_version, ''), overall_result,
		       confidence, processing_time, COALESCE(detailed_results, ''), created_at
		FROM ai_inspection_results
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()

	var out []model.AIVerdict
	for rows.Next() {
		var item model.AIVerdict
		var detail string
		if err := rows.Scan(
			&item.ID,
			&item.SessionID,
			&item.PipelineVersion,
			&item.OverallResult,
			&item.Confidence,
			&item.ProcessingTime,
			&detail,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		if detail != "" {
			item.DetailJSON = json.RawMessage(detail)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verdicts: %w", err)
	}
	if out == nil {
		out = []model.AIVerdict{}
	}
	return out, nil
}

// GetVerificationBySession 返回会话的人工复核结果；尚未复核时返回 (nil, nil)。
func (s *Store) GetVerificationBySession(ctx context.Context, sessionID string) (*model.VerificationResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, final_result, COALESCE(notes, ''), verification_time, created_at
		FROM human_verification_results
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, sessionID)

	var v model.VerificationResult
	if err := row.Scan(&v.ID, &v.SessionID, &v.UserID, &v.FinalResult, &v.Notes, &v.VerificationTime, &v.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query verification: %w", err)
	}
	return &v, nil
}

// ---- 配置 ----

// GetConfigValue 查询 system_config；不存在时返回空串。
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM system_config WHERE key = ? LIMIT 1
	`, key).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("query config %s: %w", key, err)
	}
	return v, nil
}

// SetConfigValue 写入或覆盖 system_config。
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_config(key, value, updated_at)
		VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// ---- 审计 ----

// AppendAudit 写入会话审计日志，并生成链式 hash 以便后续校验完整性。
func (s *Store) AppendAudit(ctx context.Context, sessionID, eventType, action, status, actor string, detail any) error {
	detailJSON := []byte("{}")
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			detailJSON = raw
		}
	}

	// 按 seq 取最新一条：occurred_at 是秒级时间戳，同秒的事件必须靠
	// 插入顺序接链，否则链会分叉。
	prev := ""
	err := s.db.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, sessionID).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query previous chain hash: %w", err)
	}

	now := time.Now().Unix()
	eventID := id.New("evt")
	chain := hash.Text(prev, sessionID, eventType, action, status, fmt.Sprintf("%d", now), string(detailJSON))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs(event_id, session_id, event_type, action, status, actor, detail_json, occurred_at, chain_prev_hash, chain_hash)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, eventID, sessionID, eventType, action, status, nullIfEmpty(actor), string(detailJSON), now, nullIfEmpty(prev), chain)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLogs 返回会话审计日志，按写入顺序（seq）升序，
// 与链式 hash 的生成顺序一致。
func (s *Store) ListAuditLogs(ctx context.Context, sessionID string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, session_id, event_type, action, status,
		       COALESCE(actor, ''), COALESCE(detail_json, '{}'),
		       occurred_at, COALESCE(chain_prev_hash, ''), chain_hash
		FROM audit_logs
		WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []model.AuditLog
	for rows.Next() {
		var item model.AuditLog
		var detail string
		if err := rows.Scan(
			&item.EventID,
			&item.SessionID,
			&item.EventType,
			&item.Action,
			&item.Status,
			&item.Actor,
			&detail,
			&item.OccurredAt,
			&item.ChainPrevHash,
			&item.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		item.DetailJSON = json.RawMessage(detail)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	if out == nil {
		out = []model.AuditLog{}
	}
	return out, nil
}

// ---- 报告 ----

// SaveReport 记录报告产物信息，供 UI 下载与追踪。
func (s *Store) SaveReport(ctx context.Context, sessionID, reportType, filePath, sha256, generatorVersion, status string) (string, error) {
	reportID := id.New("report")
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(report_id, session_id, report_type, file_path, sha256, generated_at, generator_version, status)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, reportID, sessionID, reportType, filePath, sha256, now, generatorVersion, status)
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	return reportID, nil
}

// GetReportByID 按报告 ID 查询报告索引；不存在时返回 (nil, nil)。
func (s *Store) GetReportByID(ctx context.Context, reportID string) (*model.ReportInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT report_id, session_id, report_type, file_path, sha256, generated_at, generator_version, status
		FROM reports
		WHERE report_id = ?
		LIMIT 1
	`, reportID)

	var out model.ReportInfo
	if err := row.Scan(
		&out.ReportID,
		&out.SessionID,
		&out.ReportType,
		&out.FilePath,
		&out.SHA256,
		&out.GeneratedAt,
		&out.GeneratorVersion,
		&out.Status,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query report info: %w", err)
	}
	return &out, nil
}

func scanSession(row *sql.Row) (*model.Session, error) {
	var sess model.Session
	var status string
	if err := row.Scan(
		&sess.ID,
		&sess.TargetID,
		&sess.UserID,
		&status,
		&sess.FailureReason,
		&sess.StartedAt,
		&sess.CompletedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.Status = model.SessionStatus(status)
	return &sess, nil
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
