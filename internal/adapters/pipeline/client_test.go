package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"visual-inspector/internal/domain/model"
)

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/inspection/execute" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok123" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ProductID != "PRODUCT_001" {
			t.Errorf("unexpected product: %s", req.ProductID)
		}
		_ = json.NewEncoder(w).Encode(ExecuteResult{
			ExecutionID:    "exec-1",
			OverallResult:  "PASS",
			Confidence:     0.95,
			ProcessingTime: 1.2,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetAuthToken("tok123")
	res, err := c.Execute(context.Background(), ExecuteRequest{
		SessionID: "session_1",
		ProductID: "PRODUCT_001",
		BatchID:   "BATCH_20240126",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OverallResult != "PASS" || res.ExecutionID != "exec-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteClampsOutOfRangeValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ExecuteResult{
			OverallResult:  "WARN",
			Confidence:     1.7,
			ProcessingTime: -3,
		})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).Execute(context.Background(), ExecuteRequest{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Confidence != 1.0 {
		t.Fatalf("confidence must clamp to 1.0, got %v", res.Confidence)
	}
	if res.ProcessingTime != 0 {
		t.Fatalf("processing time must clamp to 0, got %v", res.ProcessingTime)
	}
}

func TestExecuteServerErrorIsPipelineUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Execute(context.Background(), ExecuteRequest{})
	if !errors.Is(err, model.ErrPipelineUnavailable) {
		t.Fatalf("expected ErrPipelineUnavailable, got %v", err)
	}
}

func TestExecuteConnectionRefusedIsPipelineUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // 立刻关掉，模拟无法连接

	_, err := NewClient(srv.URL).Execute(context.Background(), ExecuteRequest{})
	if !errors.Is(err, model.ErrPipelineUnavailable) {
		t.Fatalf("expected ErrPipelineUnavailable, got %v", err)
	}
}

func TestExecuteMalformedResponseIsPipelineUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Execute(context.Background(), ExecuteRequest{})
	if !errors.Is(err, model.ErrPipelineUnavailable) {
		t.Fatalf("expected ErrPipelineUnavailable, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/inspection/status/exec-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(ExecutionStatus{
			ExecutionID: "exec-1",
			Status:      "completed",
			Result: &ExecuteResult{
				OverallResult: "FAIL",
				Confidence:    -0.2,
			},
		})
	}))
	defer srv.Close()

	st, err := NewClient(srv.URL).Status(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != "completed" || st.Result == nil {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.Result.Confidence != 0 {
		t.Fatalf("nested result must be clamped, got %v", st.Result.Confidence)
	}
}

func TestValidateTargetFailClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if c.ValidateTarget(context.Background(), "X_1_Y_2", "X_1", "Y_2") {
		t.Fatalf("server error must validate to false")
	}

	// 基址未配置同样按不通过处理。
	if NewClient("").ValidateTarget(context.Background(), "X_1_Y_2", "X_1", "Y_2") {
		t.Fatalf("unconfigured client must validate to false")
	}
}

func TestValidateTargetTrue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/targets/validate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"valid": true})
	}))
	defer srv.Close()

	if !NewClient(srv.URL).ValidateTarget(context.Background(), "X_1_Y_2", "X_1", "Y_2") {
		t.Fatalf("expected valid target")
	}
}
