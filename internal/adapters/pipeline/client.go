// Package pipeline 封装远端视觉检查流水线的 HTTP 调用。
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"visual-inspector/internal/domain/model"
)

// Client 调用远端检查流水线。
// 流水线不可达、返回非 2xx 或响应无法解析，统一归类为 ErrPipelineUnavailable：
// 对编排层来说这些都是“这次没拿到判定、稍后可重试”。
//
// baseURL 可以在运行时被配置接口改写（请求进行中也可能改），
// 因此读写都走锁，每个请求在发出前取一次快照。
type Client struct {
	mu      sync.RWMutex
	baseURL string

	AuthToken string

	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	c := &Client{}
	c.SetBaseURL(baseURL)
	return c
}

// BaseURL 返回当前生效的流水线地址。
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL 切换流水线地址，对之后发出的请求生效。
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// SetAuthToken 设置随请求携带的 Bearer token。
func (c *Client) SetAuthToken(token string) { c.AuthToken = token }

// ExecuteRequest 是一次流水线执行的输入。
// 图片以 base64 随请求体上送，尺寸由采集层保证在可接受范围内。
type ExecuteRequest struct {
	SessionID   string `json:"session_id"`
	ProductID   string `json:"product_id"`
	BatchID     string `json:"batch_id"`
	ImageBase64 string `json:"image_base64"`
	ImageSHA256 string `json:"image_sha256,omitempty"`
}

// ExecuteResult 是流水线返回的判定。数值字段在解码时收敛到合法区间。
type ExecuteResult struct {
	ExecutionID     string          `json:"execution_id"`
	OverallResult   string          `json:"overall_result"`
	Confidence      float64         `json:"confidence"`
	ProcessingTime  float64         `json:"processing_time"`
	PipelineVersion string          `json:"pipeline_version"`
	DetailedResults json.RawMessage `json:"detailed_results,omitempty"`
}

// ExecutionStatus 是一次执行的进度查询结果。
type ExecutionStatus struct {
	ExecutionID string          `json:"execution_id"`
	Status      string          `json:"status"`
	Result      *ExecuteResult  `json:"result,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
}

// Execute 提交一次检查并同步等待判定。
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	var out ExecuteResult
	if err := c.postJSON(ctx, "/api/v1/inspection/execute", req, &out); err != nil {
		return nil, err
	}
	clampResult(&out)
	return &out, nil
}

// Status 查询一次执行的进度。
func (c *Client) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	var out ExecutionStatus
	path := "/api/v1/inspection/status/" + url.PathEscape(executionID)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	if out.Result != nil {
		clampResult(out.Result)
	}
	return &out, nil
}

// ValidateTarget 询问远端该目标是否在可检查范围内。
// 任何通信/解析失败都按“不通过”处理（fail closed），绝不放行未确认的目标。
func (c *Client) ValidateTarget(ctx context.Context, code, productID, batchID string) bool {
	req := map[string]string{
		"code":       code,
		"product_id": productID,
		"batch_id":   batchID,
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.postJSON(ctx, "/api/v1/targets/validate", req, &out); err != nil {
		return false
	}
	return out.Valid
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	base := c.BaseURL()
	if base == "" {
		return fmt.Errorf("pipeline base url not configured: %w", model.ErrPipelineUnavailable)
	}
	raw, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	base := c.BaseURL()
	if base == "" {
		return fmt.Errorf("pipeline base url not configured: %w", model.ErrPipelineUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline request %s (%v): %w", req.URL.Path, err, model.ErrPipelineUnavailable)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read pipeline response (%v): %w", err, model.ErrPipelineUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pipeline http %d: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(b)), model.ErrPipelineUnavailable)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode pipeline response (%v): %w", err, model.ErrPipelineUnavailable)
	}
	return nil
}

// clampResult 把远端回传的数值收敛到契约区间：
// 置信度落在 [0,1]，处理耗时不为负。越界值按边界截断而不是报错。
func clampResult(r *ExecuteResult) {
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	if r.ProcessingTime < 0 {
		r.ProcessingTime = 0
	}
}
