// Package codeparse 解析产品二维码/条码字符串。
//
// 支持两种格式：
//  1. JSON 对象：{"product_id": "...", "batch_id": "...", ...}
//  2. 下划线分隔：PRODUCT_001_BATCH_20240126[_时间戳]
//
// 解析是纯函数：不生成 ID、不取当前时间，同一输入永远得到同一输出。
package codeparse

import (
	"encoding/json"
	"fmt"
	"strings"

	"visual-inspector/internal/domain/model"
)

// UnknownBatch 是分隔格式缺省批次时的占位值。
const UnknownBatch = "UNKNOWN"

type jsonCode struct {
	ProductID string            `json:"product_id"`
	BatchID   string            `json:"batch_id"`
	Timestamp string            `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

// Parse 把扫码字符串解析为结构化内容。
// 以 '{' 开头的输入按 JSON 解析，其余按下划线分隔格式解析；
// 两种格式都解析不出有效的产品标识时返回 ErrMalformedCode。
func Parse(code string) (*model.ScannedCode, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return nil, fmt.Errorf("empty code: %w", model.ErrMalformedCode)
	}
	if strings.HasPrefix(trimmed, "{") {
		return parseJSON(trimmed)
	}
	return parseDelimited(trimmed)
}

func parseJSON(code string) (*model.ScannedCode, error) {
	var raw jsonCode
	if err := json.Unmarshal([]byte(code), &raw); err != nil {
		return nil, fmt.Errorf("invalid json code (%v): %w", err, model.ErrMalformedCode)
	}
	product := strings.TrimSpace(raw.ProductID)
	batch := strings.TrimSpace(raw.BatchID)
	if product == "" || batch == "" {
		return nil, fmt.Errorf("json code missing product_id or batch_id: %w", model.ErrMalformedCode)
	}
	return &model.ScannedCode{
		ProductID: product,
		BatchID:   batch,
		Timestamp: strings.TrimSpace(raw.Timestamp),
		Metadata:  raw.Metadata,
	}, nil
}

// parseDelimited 解析下划线分隔格式。
// 字段由“标签_值”两段组成：前两段是产品字段，第三、四段是批次字段，
// 剩余段合并为时间戳。只有产品一个字段（两段及以下）的码视为缺失批次信息，
// 按格式错误拒绝；恰好三段时批次无法成对，落到 UNKNOWN 占位。
func parseDelimited(code string) (*model.ScannedCode, error) {
	segments := strings.Split(code, "_")
	for _, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			return nil, fmt.Errorf("code %q has empty segment: %w", code, model.ErrMalformedCode)
		}
	}
	if len(segments) < 3 {
		return nil, fmt.Errorf("code %q has no batch field: %w", code, model.ErrMalformedCode)
	}

	out := &model.ScannedCode{
		ProductID: segments[0] + "_" + segments[1],
		BatchID:   UnknownBatch,
	}
	if len(segments) >= 4 {
		out.BatchID = segments[2] + "_" + segments[3]
	}
	if len(segments) >= 5 {
		out.Timestamp = strings.Join(segments[4:], "_")
	}
	return out, nil
}
