package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/primaryrutabaga/umpire/pkg/config"
	"github.com/primaryrutabaga/umpire/pkg/deploy"
	"github.com/primaryrutabaga/umpire/pkg/env"
	"github.com/primaryrutabaga/umpire/pkg/metrics"
	"github.com/primaryrutabaga/umpire/pkg/resource"
)

const testConfig = `
services: {}
bundles:
  - id: A
    note: default bundle
    payloads: payload.aaa.json
  - id: B
    note: mac bundle
    payloads: payload.bbb.json
rulesets:
  - bundle_id: B
    active: true
    match:
      mac: ['aa:bb:cc:dd:ee:ff']
  - bundle_id: A
    active: true
    match:
      stage: [SMT, FATP]
active_bundle_id: A
`

type fakeDeployer struct {
	result string
	err    error
	keys   []resource.Key
}

func (f *fakeDeployer) Deploy(ctx context.Context, key resource.Key) (string, error) {
	f.keys = append(f.keys, key)
	return f.result, f.err
}

func (f *fakeDeployer) State() deploy.State { return deploy.StateActive }

type fixture struct {
	env      *env.Env
	store    *resource.FileStore
	deployer *fakeDeployer
	metrics  *metrics.Metrics
	hub      *Hub
	srv      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	store, err := resource.NewFileStore(base, resource.MD5)
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	f := &fixture{
		env:      env.New(base, store),
		store:    store,
		deployer: &fakeDeployer{result: deploy.ResultSuccess},
		metrics:  metrics.New(reg),
		hub:      NewHub(deploy.StateIdle),
	}
	s := New(f.env, store, f.deployer, WithMetrics(f.metrics, reg), WithHub(f.hub), WithVersion("1.2.3"))
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) installConfig(t *testing.T) {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	f.env.Install("umpire.test.yaml", cfg)
}

func get(t *testing.T, url string, header map[string]string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

// ---------------------------------------------------------------------------
// /resourcemap
// ---------------------------------------------------------------------------

func TestResourceMap(t *testing.T) {
	f := newFixture(t)
	f.installConfig(t)

	testCases := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"mac match", "mac.eth0=aa:bb:cc:dd:ee:ff; stage=SMT", http.StatusOK, "id: B\nnote: mac bundle\npayloads: payload.bbb.json\n"},
		{"stage match", "mac=00:00:00:00:00:00; stage=FATP", http.StatusOK, "id: A\nnote: default bundle\npayloads: payload.aaa.json\n"},
		{"no match", "stage=RUNIN", http.StatusNotFound, ""},
		{"malformed header", "stage", http.StatusBadRequest, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := get(t, f.srv.URL+"/resourcemap", map[string]string{"X-Umpire-DUT": tc.header})
			if status != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", status, tc.wantStatus, body)
			}
			if tc.wantBody != "" && body != tc.wantBody {
				t.Errorf("body = %q, want %q", body, tc.wantBody)
			}
		})
	}

	if got := testutil.ToFloat64(f.metrics.BundleSelections.WithLabelValues(metrics.SelectionMatch)); got != 2 {
		t.Errorf("match selections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(f.metrics.BundleSelections.WithLabelValues(metrics.SelectionBadRequest)); got != 1 {
		t.Errorf("bad request selections = %v, want 1", got)
	}
}

func TestResourceMapWithoutConfig(t *testing.T) {
	f := newFixture(t)
	status, _ := get(t, f.srv.URL+"/resourcemap", map[string]string{"X-Umpire-DUT": "stage=SMT"})
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

// ---------------------------------------------------------------------------
// /res/{key}
// ---------------------------------------------------------------------------

func TestResourceDownload(t *testing.T) {
	f := newFixture(t)
	key, err := f.store.Put(context.Background(), strings.NewReader("toolkit bytes"), resource.TypePayload)
	if err != nil {
		t.Fatal(err)
	}

	status, body := get(t, f.srv.URL+"/res/"+string(key), nil)
	if status != http.StatusOK || body != "toolkit bytes" {
		t.Errorf("GET /res/%s = %d %q", key, status, body)
	}
	if status, _ := get(t, f.srv.URL+"/res/0123456789abcdef", nil); status != http.StatusNotFound {
		t.Errorf("missing resource status = %d", status)
	}
	if status, _ := get(t, f.srv.URL+"/res/.hidden", nil); status != http.StatusNotFound {
		t.Errorf("invalid key status = %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	status, body := get(t, f.srv.URL+"/metrics", nil)
	if status != http.StatusOK || !strings.Contains(body, "umpire_deploy_state") {
		t.Errorf("GET /metrics = %d, body lacks umpire_deploy_state", status)
	}
}

// ---------------------------------------------------------------------------
// RPC
// ---------------------------------------------------------------------------

func TestRPCVersionAndState(t *testing.T) {
	f := newFixture(t)
	c := NewClient(f.srv.URL)
	ctx := context.Background()

	if v, err := c.GetVersion(ctx); err != nil || v != "1.2.3" {
		t.Errorf("GetVersion = %q, %v", v, err)
	}
	if s, err := c.GetDeployState(ctx); err != nil || s != "active" {
		t.Errorf("GetDeployState = %q, %v", s, err)
	}
}

func TestRPCAddConfig(t *testing.T) {
	f := newFixture(t)
	c := NewClient(f.srv.URL)
	ctx := context.Background()

	key, err := c.AddConfig(ctx, testConfig, resource.TypeUmpireConfig.Name)
	if err != nil {
		t.Fatalf("AddConfig: %v", err)
	}
	if !strings.HasPrefix(key, "umpire.") || !f.store.Exists(resource.Key(key)) {
		t.Errorf("key = %q not stored", key)
	}

	payloadKey, err := c.AddConfig(ctx, `{"toolkit": {"file": "abc"}}`, resource.TypePayloadConfig.Name)
	if err != nil || !strings.HasPrefix(payloadKey, "payload.") {
		t.Errorf("AddConfig payload = %q, %v", payloadKey, err)
	}

	testCases := []struct {
		name     string
		content  string
		typ      string
		wantKind string
		wantCode int
	}{
		{"invalid umpire config", "services: {}\n", "umpire_config", FaultValidation, codeServerFault},
		{"invalid payload json", "{not json", "payload_config", FaultValidation, codeServerFault},
		{"unknown type", "x", "firmware", "", codeInvalidParams},
		{"payload type is not a config", "x", "payload", "", codeInvalidParams},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.AddConfig(ctx, tc.content, tc.typ)
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				t.Fatalf("expected RPCError, got %v", err)
			}
			if rpcErr.Code != tc.wantCode || rpcErr.Kind() != tc.wantKind {
				t.Errorf("error = %+v, want code %d kind %q", rpcErr, tc.wantCode, tc.wantKind)
			}
		})
	}
}

func TestRPCDeployFaults(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		wantKind string
	}{
		{"rolled back", &deploy.DeployError{Err: errors.New("x"), RolledBack: true}, FaultDeployRolledBack},
		{"fatal", &deploy.RollbackError{DeployErr: errors.New("a"), RollbackErr: errors.New("b")}, FaultRollbackFatal},
		{"stopped", deploy.ErrStopped, FaultRollbackFatal},
		{"busy", deploy.ErrDeployInProgress, FaultBusy},
		{"unknown key", fmt.Errorf("validate: %w", resource.ErrNotFound), FaultNotFound},
		{"schema", fmt.Errorf("validate: %w", &config.SchemaError{Err: errors.New("bad")}), FaultValidation},
		{"missing resources", &config.MissingResourcesError{}, FaultValidation},
		{"missing active bundle", fmt.Errorf("x: %w", config.ErrMissingActiveBundle), FaultValidation},
		{"other", errors.New("disk on fire"), FaultInternal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.deployer.err = tc.err
			_, err := NewClient(f.srv.URL).Deploy(context.Background(), "umpire.x.yaml")
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				t.Fatalf("expected RPCError, got %v", err)
			}
			if rpcErr.Kind() != tc.wantKind {
				t.Errorf("kind = %q, want %q", rpcErr.Kind(), tc.wantKind)
			}
			if !strings.Contains(rpcErr.Message, tc.err.Error()) {
				t.Errorf("message %q lacks %q", rpcErr.Message, tc.err.Error())
			}
		})
	}
}

func TestRPCDeploySuccess(t *testing.T) {
	f := newFixture(t)
	result, err := NewClient(f.srv.URL).Deploy(context.Background(), "umpire.x.yaml")
	if err != nil || result != deploy.ResultSuccess {
		t.Fatalf("Deploy = %q, %v", result, err)
	}
	if len(f.deployer.keys) != 1 || f.deployer.keys[0] != "umpire.x.yaml" {
		t.Errorf("deployed keys = %v", f.deployer.keys)
	}
}

func TestRPCGetActiveConfig(t *testing.T) {
	f := newFixture(t)
	c := NewClient(f.srv.URL)
	ctx := context.Background()

	_, err := c.GetActiveConfig(ctx)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind() != FaultNotFound {
		t.Fatalf("GetActiveConfig without config = %v", err)
	}

	key, err := f.store.Put(ctx, strings.NewReader(testConfig), resource.TypeUmpireConfig)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.env.Activate(key); err != nil {
		t.Fatal(err)
	}
	if got, err := c.GetActiveConfig(ctx); err != nil || got != string(key) {
		t.Errorf("GetActiveConfig = %q, %v", got, err)
	}
}

func TestRPCProtocolErrors(t *testing.T) {
	f := newFixture(t)
	testCases := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"parse error", "{", codeParseError},
		{"wrong version", `{"jsonrpc": "1.0", "method": "GetVersion", "id": 1}`, codeInvalidRequest},
		{"unknown method", `{"jsonrpc": "2.0", "method": "Explode", "id": 1}`, codeMethodNotFound},
		{"wrong arity", `{"jsonrpc": "2.0", "method": "Deploy", "params": [], "id": 1}`, codeInvalidParams},
		{"wrong param type", `{"jsonrpc": "2.0", "method": "Deploy", "params": [5], "id": 1}`, codeInvalidParams},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(f.srv.URL+"/RPC2", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var out struct {
				Error *RPCError `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out.Error == nil || out.Error.Code != tc.wantCode {
				t.Errorf("error = %+v, want code %d", out.Error, tc.wantCode)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// /deploys/watch
// ---------------------------------------------------------------------------

func TestWatchStreamsTransitions(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/deploys/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frame TransitionFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	if frame.State != "idle" {
		t.Errorf("initial state = %q", frame.State)
	}

	f.hub.ObserveDeploy(deploy.Transition{
		DeployID:  "d1",
		State:     deploy.StateRolledBack,
		Previous:  deploy.StateRollingBack,
		ConfigKey: "umpire.x.yaml",
		Outcome:   deploy.OutcomeRolledBack,
		Err:       errors.New("boom"),
		At:        time.Now(),
	})
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read transition: %v", err)
	}
	if frame.DeployID != "d1" || frame.State != "rolled_back" || frame.Error != "boom" || frame.Outcome != "rolled_back" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestHubReplaysLastTransition(t *testing.T) {
	h := NewHub(deploy.StateIdle)
	h.ObserveDeploy(deploy.Transition{State: deploy.StateActive, ConfigKey: "umpire.a.yaml"})
	w := h.register()
	defer h.unregister(w)

	var frame TransitionFrame
	if err := json.Unmarshal(<-w.send, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.State != "active" || frame.ConfigKey != "umpire.a.yaml" {
		t.Errorf("replayed frame = %+v", frame)
	}
	if h.Watchers() != 1 {
		t.Errorf("watchers = %d", h.Watchers())
	}
}
