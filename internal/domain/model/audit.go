package model

import "encoding/json"

// AuditLog 是会话级操作留痕。chain_hash 把同一会话的事件串成哈希链，
// 用于事后校验留痕是否被删改。
type AuditLog struct {
	EventID       string          `json:"event_id"`
	SessionID     string          `json:"session_id"`
	EventType     string          `json:"event_type"` // session|camera|pipeline|verification|report
	Action        string          `json:"action"`
	Status        string          `json:"status"`
	Actor         string          `json:"actor,omitempty"`
	DetailJSON    json.RawMessage `json:"detail,omitempty"`
	OccurredAt    int64           `json:"occurred_at"`
	ChainPrevHash string          `json:"chain_prev_hash,omitempty"`
	ChainHash     string          `json:"chain_hash"`
}
