// Package inspectionapi 封装远端检查管理服务的 REST 调用：
// 检查对象与检查项的下发、执行的创建与结果回传。
package inspectionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client 访问远端检查管理服务。所有请求可携带 Bearer token。
// baseURL 会随系统配置热更新，读写都走锁。
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

// BaseURL 返回当前生效的服务地址。
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL 切换服务地址，对之后发出的请求生效。
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

func (c *Client) SetAuthToken(token string) { c.AuthToken = token }

// Target 是远端下发的一个检查对象。
type Target struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ProductID   string `json:"product_id"`
	BatchID     string `json:"batch_id"`
	Description string `json:"description,omitempty"`
}

// TargetPage 是分页的检查对象列表。
type TargetPage struct {
	Items      []Target `json:"items"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalPages int      `json:"total_pages"`
}

// TargetItem 是检查对象下的单个检查项。
type TargetItem struct {
	ID          string `json:"id"`
	TargetID    string `json:"target_id"`
	Name        string `json:"name"`
	PipelineID  string `json:"pipeline_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// Execution 是远端登记的一次检查执行。
type Execution struct {
	ID        string `json:"id"`
	TargetID  string `json:"target_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
}

// ExecutionItem 是执行中单个检查项的状态。
type ExecutionItem struct {
	ID         string          `json:"id"`
	ItemID     string          `json:"item_id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
}

// ItemExecutionResult 是单项图片执行的回执。
type ItemExecutionResult struct {
	ExecutionItemID string          `json:"execution_item_id"`
	Status          string          `json:"status"`
	Result          json.RawMessage `json:"result,omitempty"`
}

// SaveResultsRequest 是整次执行结果的回传体。
type SaveResultsRequest struct {
	ExecutionID string          `json:"execution_id"`
	Results     json.RawMessage `json:"results"`
}

// ListTargets 分页拉取检查对象，search 为空时不过滤。
func (c *Client) ListTargets(ctx context.Context, page, pageSize int, search string) (*TargetPage, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	if s := strings.TrimSpace(search); s != "" {
		q.Set("search", s)
	}

	var out TargetPage
	if err := c.getJSON(ctx, "/api/v1/targets?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	if out.Items == nil {
		out.Items = []Target{}
	}
	return &out, nil
}

// GetTargetItems 拉取一个检查对象下的全部检查项。
func (c *Client) GetTargetItems(ctx context.Context, targetID string) ([]TargetItem, error) {
	var out []TargetItem
	path := "/api/v1/targets/" + url.PathEscape(targetID) + "/items"
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []TargetItem{}
	}
	return out, nil
}

// CreateExecution 在远端登记一次新的检查执行。
func (c *Client) CreateExecution(ctx context.Context, targetID string) (*Execution, error) {
	req := map[string]string{"target_id": targetID}
	var out Execution
	if err := c.postJSON(ctx, "/api/v1/executions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetExecutionItems 查询执行下各检查项的状态。
func (c *Client) GetExecutionItems(ctx context.Context, executionID string) ([]ExecutionItem, error) {
	var out []ExecutionItem
	path := "/api/v1/executions/" + url.PathEscape(executionID) + "/items"
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []ExecutionItem{}
	}
	return out, nil
}

// ExecuteItem 以 multipart 上传图片，触发单个检查项的执行。
func (c *Client) ExecuteItem(ctx context.Context, executionID, itemID, filename string, image []byte) (*ItemExecutionResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write multipart image: %w", err)
	}
	if err := mw.WriteField("item_id", itemID); err != nil {
		return nil, fmt.Errorf("write multipart field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	base := c.BaseURL()
	if base == "" {
		return nil, fmt.Errorf("inspection api base url not configured")
	}
	path := "/api/v1/executions/" + url.PathEscape(executionID) + "/items/" + url.PathEscape(itemID) + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out ItemExecutionResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveResults 把整次执行的汇总结果回传远端。
func (c *Client) SaveResults(ctx context.Context, executionID string, results json.RawMessage) error {
	req := SaveResultsRequest{ExecutionID: executionID, Results: results}
	path := "/api/v1/executions/" + url.PathEscape(executionID) + "/results"
	return c.postJSON(ctx, path, req, nil)
}

// GetResults 拉取一次执行的汇总结果。
func (c *Client) GetResults(ctx context.Context, executionID string) (json.RawMessage, error) {
	var out json.RawMessage
	path := "/api/v1/executions/" + url.PathEscape(executionID) + "/results"
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	base := c.BaseURL()
	if base == "" {
		return fmt.Errorf("inspection api base url not configured")
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
		return fmt.Errorf("inspection api base url not configured")
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
		return fmt.Errorf("inspection api request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read inspection api response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("inspection api http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode inspection api response: %w", err)
	}
	return nil
}
