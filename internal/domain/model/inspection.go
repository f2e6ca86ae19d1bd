package model

import "encoding/json"

// SessionStatus 表示一次检查会话所处的阶段。
// 状态只允许沿固定顺序前进（或进入 failed），不允许回退或跳跃。
type SessionStatus string

const (
	SessionCreated       SessionStatus = "created"
	SessionTargetBound   SessionStatus = "target_bound"
	SessionImageCaptured SessionStatus = "image_captured"
	SessionAIEvaluated   SessionStatus = "ai_evaluated"
	SessionHumanVerified SessionStatus = "human_verified"
	SessionFailed        SessionStatus = "failed"
)

// sessionStageOrder 给每个正常阶段一个序号，用于单调性校验。
// failed 不在序列中：任何非终态都可以进入 failed。
var sessionStageOrder = map[SessionStatus]int{
	SessionCreated:       0,
	SessionTargetBound:   1,
	SessionImageCaptured: 2,
	SessionAIEvaluated:   3,
	SessionHumanVerified: 4,
}

// Terminal 判断状态是否为终态（human_verified / failed）。
func (s SessionStatus) Terminal() bool {
	return s == SessionHumanVerified || s == SessionFailed
}

// CanAdvanceTo 判断从当前状态能否前进到 next：
// - 只能进入紧邻的下一阶段（不跳级）
// - 非终态都可以进入 failed
func (s SessionStatus) CanAdvanceTo(next SessionStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == SessionFailed {
		return true
	}
	cur, ok1 := sessionStageOrder[s]
	nxt, ok2 := sessionStageOrder[next]
	if !ok1 || !ok2 {
		return false
	}
	return nxt == cur+1
}

// ScannedCode 是扫码字符串解析后的结构化内容。
// 解析本身是纯函数，不产生 ID 与时间戳。
type ScannedCode struct {
	ProductID string            `json:"product_id"`
	BatchID   string            `json:"batch_id"`
	Timestamp string            `json:"timestamp,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Target 是一次检查针对的产品/批次身份，由扫码结果派生，创建后不可变。
type Target struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	BatchID   string `json:"batch_id"`
	Code      string `json:"code"`
	CreatedAt int64  `json:"created_at"`
}

// Session 是一次端到端检查流程。
type Session struct {
	ID            string        `json:"id"`
	TargetID      string        `json:"target_id"`
	UserID        int64         `json:"user_id"`
	Status        SessionStatus `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
	StartedAt     int64         `json:"started_at"`
	CompletedAt   int64         `json:"completed_at,omitempty"`
}

// CapturedImage 是一次成功采集的静态图片登记信息。
// 图片字节落盘到数据目录，数据库只存路径 + sha256 + 尺寸。
type CapturedImage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	FilePath  string `json:"file_path"`
	ImageType string `json:"image_type"` // capture|manual
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	CreatedAt int64  `json:"created_at"`
}

// AIVerdict 是远端流水线对一次会话的自动判定。
// 同一会话可多次提交流水线，判定按 append-only 追加，不覆盖历史。
type AIVerdict struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	PipelineVersion string          `json:"pipeline_version,omitempty"`
	OverallResult   string          `json:"overall_result"` // PASS|WARN|FAIL
	Confidence      float64         `json:"confidence"`     // [0.0, 1.0]
	ProcessingTime  float64         `json:"processing_time"`
	DetailJSON      json.RawMessage `json:"detailed_results,omitempty"`
	CreatedAt       int64           `json:"created_at"`
}

// VerificationResult 是人工复核的最终判定，必须发生在 AIVerdict 之后。
type VerificationResult struct {
	ID               string  `json:"id"`
	SessionID        string  `json:"session_id"`
	UserID           int64   `json:"user_id"`
	FinalResult      string  `json:"final_result"`
	Notes            string  `json:"notes,omitempty"`
	VerificationTime float64 `json:"verification_time"`
	CreatedAt        int64   `json:"created_at"`
}

// User 是本机登记的操作员账号。password_hash 只在存储层出现，不随 User 序列化。
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	Role      string `json:"role"`
	CreatedAt int64  `json:"created_at"`
}

// SessionOverview 是历史列表里一行会话的聚合摘要。
type SessionOverview struct {
	Session
	ProductID     string `json:"product_id"`
	BatchID       string `json:"batch_id"`
	ImageCount    int    `json:"image_count"`
	VerdictCount  int    `json:"verdict_count"`
	LatestVerdict string `json:"latest_verdict,omitempty"`
}

// ReportInfo 是一份已生成报告的索引信息。
type ReportInfo struct {
	ReportID         string `json:"report_id"`
	SessionID        string `json:"session_id"`
	ReportType       string `json:"report_type"`
	FilePath         string `json:"file_path"`
	SHA256           string `json:"sha256"`
	GeneratedAt      int64  `json:"generated_at"`
	GeneratorVersion string `json:"generator_version"`
	Status           string `json:"status"`
}
