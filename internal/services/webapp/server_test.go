package webapp

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"visual-inspector/internal/adapters/camera"
	"visual-inspector/internal/adapters/inspectionapi"
	"visual-inspector/internal/adapters/pipeline"
	sqliteadapter "visual-inspector/internal/adapters/store/sqlite"
	"visual-inspector/internal/services/auth"
	"visual-inspector/internal/services/session"
)

type stubStream struct{}

func (stubStream) ReadFrame(ctx context.Context) (*camera.Frame, error) {
	return &camera.Frame{Width: 2, Height: 2, RGB: make([]byte, 2*2*3)}, nil
}
func (stubStream) Close() error { return nil }

type stubBackend struct{}

func (stubBackend) Name() string { return "stub" }
func (stubBackend) Devices(ctx context.Context) ([]camera.DeviceInfo, error) {
	return []camera.DeviceInfo{{Index: 0, Name: "stub cam", Backend: "stub"}}, nil
}
func (stubBackend) Open(ctx context.Context, index int) (camera.Stream, error) {
	return stubStream{}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if err := sqliteadapter.NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := sqliteadapter.NewStore(db)

	// 假流水线：一律 PASS。
	pipeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pipeline.ExecuteResult{
			OverallResult:  "PASS",
			Confidence:     0.9,
			ProcessingTime: 0.4,
		})
	}))
	t.Cleanup(pipeSrv.Close)

	profile := camera.DefaultProfile()
	profile.BackendOrder = []string{"stub"}
	profile.WarmupMS = 0
	profile.FrameRetryDelayMS = 0
	acquirer := camera.NewAcquirer(profile, stubBackend{})

	pipelineClient := pipeline.NewClient(pipeSrv.URL)

	sub, err := fs.Sub(uiFS, "ui_dist")
	if err != nil {
		t.Fatalf("sub ui fs: %v", err)
	}

	s := &Server{
		opts: Options{
			DBPath:    ":memory:",
			ImageDir:  t.TempDir(),
			ReportDir: t.TempDir(),
			JWTSecret: "test-secret",
		},
		db:           db,
		store:        store,
		auth:         auth.NewManager(store, "test-secret"),
		orchestrator: session.NewOrchestrator(store, acquirer, pipelineClient, t.TempDir()),
		acquirer:     acquirer,
		pipeline:     pipelineClient,
		remote:       inspectionapi.NewClient(pipeSrv.URL),
		ui:           sub,
	}
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, s
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndMeta(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := getJSON(t, srv.URL+"/api/health")
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("unexpected health: %d %v", resp.StatusCode, body)
	}

	resp, body = getJSON(t, srv.URL+"/api/meta")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("meta status %d", resp.StatusCode)
	}
	dbInfo, _ := body["db"].(map[string]any)
	if dbInfo["schema_name"] != "visual_inspector" {
		t.Fatalf("unexpected schema name: %v", dbInfo)
	}
}

func TestAuthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/api/auth/register", map[string]string{
		"username": "operator1",
		"password": "s3cretpw",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status %d", resp.StatusCode)
	}

	resp, body := postJSON(t, srv.URL+"/api/auth/login", map[string]string{
		"username": "operator1",
		"password": "s3cretpw",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	if token, _ := body["token"].(string); token == "" {
		t.Fatalf("expected token in login response: %v", body)
	}

	resp, _ = postJSON(t, srv.URL+"/api/auth/login", map[string]string{
		"username": "operator1",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: expected 401, got %d", resp.StatusCode)
	}
}

func TestSessionFlowOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/api/sessions", map[string]string{
		"code": "PRODUCT_001_BATCH_20240126",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start session status %d: %v", resp.StatusCode, body)
	}
	sess, _ := body["session"].(map[string]any)
	sessionID, _ := sess["id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session id: %v", body)
	}

	resp, body = postJSON(t, srv.URL+"/api/sessions/"+sessionID+"/capture", map[string]string{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture status %d: %v", resp.StatusCode, body)
	}
	if body["outcome"] != "captured" {
		t.Fatalf("unexpected capture outcome: %v", body)
	}

	resp, body = postJSON(t, srv.URL+"/api/sessions/"+sessionID+"/pipeline", map[string]string{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pipeline status %d: %v", resp.StatusCode, body)
	}
	verdict, _ := body["verdict"].(map[string]any)
	if verdict["overall_result"] != "PASS" {
		t.Fatalf("unexpected verdict: %v", body)
	}

	resp, _ = postJSON(t, srv.URL+"/api/sessions/"+sessionID+"/verification", map[string]any{
		"final_result":      "PASS",
		"notes":             "ok",
		"verification_time": 5.0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verification status %d", resp.StatusCode)
	}

	resp, body = getJSON(t, srv.URL+"/api/sessions?limit=10")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status %d", resp.StatusCode)
	}
	sessions, _ := body["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session in history, got %d", len(sessions))
	}

	resp, body = getJSON(t, srv.URL+"/api/sessions/"+sessionID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail status %d", resp.StatusCode)
	}
	detailSess, _ := body["session"].(map[string]any)
	if detailSess["status"] != "human_verified" {
		t.Fatalf("expected human_verified, got %v", detailSess["status"])
	}

	resp, body = getJSON(t, srv.URL+"/api/sessions/"+sessionID+"/verify-audits")
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("audit chain must verify: %d %v", resp.StatusCode, body)
	}
}

func TestStartSessionMalformedCode(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := postJSON(t, srv.URL+"/api/sessions", map[string]string{"code": "PRODUCT_001"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %v", resp.StatusCode, body)
	}
}

func TestCaptureConflictStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	_, body := postJSON(t, srv.URL+"/api/sessions", map[string]string{"code": "PRODUCT_001_BATCH_20240126"})
	sess, _ := body["session"].(map[string]any)
	sessionID, _ := sess["id"].(string)

	if resp, _ := postJSON(t, srv.URL+"/api/sessions/"+sessionID+"/capture", map[string]string{}); resp.StatusCode != http.StatusOK {
		t.Fatalf("first capture status %d", resp.StatusCode)
	}
	resp, _ := postJSON(t, srv.URL+"/api/sessions/"+sessionID+"/capture", map[string]string{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second capture: expected 409, got %d", resp.StatusCode)
	}
}

func TestConfigRoundTripOverHTTP(t *testing.T) {
	srv, s := newTestServer(t)

	resp, body := getJSON(t, srv.URL+"/api/config/api_endpoint")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get config status %d", resp.StatusCode)
	}
	if body["value"] == "" {
		t.Fatalf("api_endpoint must fall back to default, got %v", body)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/config/api_endpoint",
		bytes.NewReader([]byte(`{"value":"https://pipeline.example"}`)))
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put config: %v", err)
	}
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("put config status %d", putResp.StatusCode)
	}

	// 更新即时生效到流水线客户端。
	if got := s.pipeline.BaseURL(); got != "https://pipeline.example" {
		t.Fatalf("pipeline endpoint not applied: %q", got)
	}

	_, body = getJSON(t, srv.URL+"/api/config/api_endpoint")
	if body["value"] != "https://pipeline.example" {
		t.Fatalf("unexpected config value: %v", body)
	}
}

// 地址热更新和进行中的请求并发发生；依赖 -race 检测共享客户端上的数据竞争。
func TestConfigSwapDuringTraffic(t *testing.T) {
	srv, _ := newTestServer(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			value := fmt.Sprintf(`{"value":"https://pipeline-%d.example"}`, i)
			req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/config/api_endpoint",
				bytes.NewReader([]byte(value)))
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err == nil {
				resp.Body.Close()
			}
		}
	}()

	for i := 0; i < 20; i++ {
		resp, _ := getJSON(t, srv.URL+"/api/meta")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("meta during endpoint swap: status %d", resp.StatusCode)
		}
	}
	<-done

	_, body := getJSON(t, srv.URL+"/api/config/api_endpoint")
	if body["value"] != "https://pipeline-19.example" {
		t.Fatalf("unexpected final endpoint: %v", body)
	}
}

func TestCodeParseEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := postJSON(t, srv.URL+"/api/code/parse", map[string]string{
		"code": "PRODUCT_001_BATCH_20240126",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("parse status %d", resp.StatusCode)
	}
	parsed, _ := body["parsed"].(map[string]any)
	if parsed["product_id"] != "PRODUCT_001" || parsed["batch_id"] != "BATCH_20240126" {
		t.Fatalf("unexpected parse result: %v", body)
	}
}

func TestReportGenerateAndDownload(t *testing.T) {
	srv, _ := newTestServer(t)

	_, body := postJSON(t, srv.URL+"/api/sessions", map[string]string{"code": "PRODUCT_001_BATCH_20240126"})
	sess, _ := body["session"].(map[string]any)
	sessionID, _ := sess["id"].(string)

	resp, body := postJSON(t, srv.URL+"/api/sessions/"+sessionID+"/report", map[string]string{"note": "shift A"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %v", resp.StatusCode, body)
	}
	reportID, _ := body["report_id"].(string)
	if reportID == "" {
		t.Fatalf("missing report_id: %v", body)
	}

	dl, err := http.Get(srv.URL + "/api/reports/" + reportID + "/download")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status %d", dl.StatusCode)
	}
	if cd := dl.Header.Get("Content-Disposition"); cd == "" {
		t.Fatalf("expected attachment disposition")
	}
}

func TestCameraDevicesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := getJSON(t, srv.URL+"/api/camera/devices")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("devices status %d", resp.StatusCode)
	}
	devices, _ := body["devices"].([]any)
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %v", body)
	}
}

func TestUnknownAPIRouteIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
