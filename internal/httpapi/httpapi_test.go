package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/observability"
	"github.com/jkaninda/plugbox/internal/sandbox"
	"github.com/jkaninda/plugbox/internal/security"
)

const testKey = "test-key"

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestGateway(t *testing.T, cfg Config) (*Gateway, *sandbox.Manager) {
	t.Helper()
	mgr := sandbox.NewManager(sandbox.ManagerConfig{
		Sandbox: sandbox.Options{MonitorInterval: 20 * time.Millisecond},
	})
	t.Cleanup(mgr.ShutdownAll)
	if cfg.APIKeys == nil {
		cfg.APIKeys = map[string]string{testKey: "tester"}
	}
	g := NewGateway(cfg, observability.NewInstrumentedManager(mgr, nil, nil), discardLogger())
	return g, mgr
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: busy", security.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("%w: bad", security.ErrInvalidConfiguration), http.StatusBadRequest},
		{fmt.Errorf("%w: dup", security.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("%w: /x", security.ErrFileNotFound), http.StatusBadRequest},
		{fmt.Errorf("%w: no", security.ErrPermissionDenied), http.StatusForbidden},
		{fmt.Errorf("%w: lua", security.ErrNotSupported), http.StatusNotImplemented},
		{fmt.Errorf("%w: spawn", security.ErrExecutionFailed), http.StatusInternalServerError},
		{fmt.Errorf("%w: sb", security.ErrNotFound), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseEventQuery(t *testing.T) {
	q, err := parseEventQuery(url.Values{
		"sandbox_id": {"a"},
		"topic":      {"security_event"},
		"since":      {"2026-01-02T03:04:05Z"},
		"limit":      {"5000"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if q.SandboxID != "a" || q.Topic != "security_event" || q.Limit != maxEventListLimit {
		t.Errorf("query = %+v", q)
	}
	if !q.Since.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("since = %v", q.Since)
	}

	for _, bad := range []url.Values{
		{"topic": {"nope"}},
		{"since": {"yesterday"}},
		{"limit": {"-1"}},
		{"limit": {"ten"}},
	} {
		if _, err := parseEventQuery(bad); !errors.Is(err, security.ErrInvalidArgument) {
			t.Errorf("parseEventQuery(%v) err = %v", bad, err)
		}
	}
}

func TestParseStreamFilter(t *testing.T) {
	f, err := parseStreamFilter(url.Values{"sandbox_id": {"x"}, "topics": {"security_event, execution_completed"}})
	if err != nil {
		t.Fatal(err)
	}
	if f.SandboxID != "x" || len(f.Topics) != 2 || f.Topics[1] != events.TopicExecutionCompleted {
		t.Errorf("filter = %+v", f)
	}
	if _, err := parseStreamFilter(url.Values{"topics": {"security_event,bogus"}}); err == nil {
		t.Error("expected error for unknown topic")
	}
	f, _ = parseStreamFilter(url.Values{})
	if len(f.Topics) != 0 || f.SandboxID != "" {
		t.Errorf("empty filter = %+v", f)
	}
}

func TestValidateAccess(t *testing.T) {
	e := security.NewEnforcer(security.StrictPolicy(), 10, nil)
	tests := []struct {
		req  ValidateRequest
		want bool
	}{
		{ValidateRequest{Kind: "api", Target: "dlopen"}, false},
		{ValidateRequest{Kind: "api", Target: "printf"}, true},
		{ValidateRequest{Kind: "file", Target: "/etc/passwd"}, false},
		{ValidateRequest{Kind: "network", Target: "example.com", Port: 443}, false},
		{ValidateRequest{Kind: "process", Target: "/bin/sh"}, false},
		{ValidateRequest{Kind: "system_call", Target: "ptrace"}, false},
	}
	for _, tt := range tests {
		got, err := validateAccess(e, tt.req)
		if err != nil {
			t.Fatalf("validateAccess(%+v): %v", tt.req, err)
		}
		if got != tt.want {
			t.Errorf("validateAccess(%+v) = %v, want %v", tt.req, got, tt.want)
		}
	}
	if got := e.ViolationCount(); got != 5 {
		t.Errorf("violations = %d, want 5", got)
	}

	if _, err := validateAccess(e, ValidateRequest{Kind: "registry", Target: "x"}); !errors.Is(err, security.ErrInvalidArgument) {
		t.Errorf("unknown kind err = %v", err)
	}
	if _, err := validateAccess(e, ValidateRequest{Kind: "api"}); !errors.Is(err, security.ErrInvalidArgument) {
		t.Errorf("empty target err = %v", err)
	}
}

func TestCallerForKey(t *testing.T) {
	g, _ := newTestGateway(t, Config{APIKeys: map[string]string{"k1": "alice", "k2": "bob"}})
	if got := g.callerForKey("k2"); got != "bob" {
		t.Errorf("callerForKey(k2) = %q", got)
	}
	if got := g.callerForKey("k3"); got != "" {
		t.Errorf("callerForKey(k3) = %q", got)
	}
	if got := g.callerForKey(""); got != "" {
		t.Errorf("callerForKey(\"\") = %q", got)
	}
}

// --- End to end ---

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

type apiClient struct {
	t    *testing.T
	base string
	key  string
}

func (a apiClient) do(method, path string, body any) (int, []byte) {
	a.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			a.t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.base+path, rd)
	if err != nil {
		a.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.key != "" {
		req.Header.Set("Authorization", "Bearer "+a.key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func startGateway(t *testing.T, cfg Config) (apiClient, *sandbox.Manager) {
	t.Helper()
	cfg.ListenAddr = freeAddr(t)
	g, mgr := newTestGateway(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Start(ctx) }()
	t.Cleanup(func() {
		_ = g.Stop(context.Background())
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not stop")
		}
	})

	client := apiClient{t: t, base: "http://" + cfg.ListenAddr, key: testKey}
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(client.base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return client, mgr
}

func TestGatewayAuth(t *testing.T) {
	client, _ := startGateway(t, Config{})

	anon := client
	anon.key = ""
	if code, _ := anon.do("GET", "/v1/sandboxes", nil); code != http.StatusUnauthorized {
		t.Errorf("no key: status %d, want 401", code)
	}
	wrong := client
	wrong.key = "nope"
	if code, _ := wrong.do("GET", "/v1/sandboxes", nil); code != http.StatusUnauthorized {
		t.Errorf("wrong key: status %d, want 401", code)
	}
	if code, _ := client.do("GET", "/v1/sandboxes", nil); code != http.StatusOK {
		t.Errorf("valid key: status %d, want 200", code)
	}
}

func TestGatewayRateLimit(t *testing.T) {
	client, _ := startGateway(t, Config{RequestsPerMinute: 1, Burst: 2})
	for i := 0; i < 2; i++ {
		if code, _ := client.do("GET", "/v1/policies", nil); code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if code, _ := client.do("GET", "/v1/policies", nil); code != http.StatusTooManyRequests {
		t.Errorf("third request: status %d, want 429", code)
	}
}

func TestGatewaySandboxLifecycle(t *testing.T) {
	client, mgr := startGateway(t, Config{})

	code, body := client.do("POST", "/v1/sandboxes", CreateSandboxRequest{ID: "sb1", PolicyRef: PolicyRef{PolicyName: "strict"}})
	if code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", code, body)
	}
	var created struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		Policy string `json:"policy"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.ID != "sb1" || created.Policy != "strict" || created.State != "active" {
		t.Errorf("created = %+v", created)
	}

	if code, _ := client.do("POST", "/v1/sandboxes", CreateSandboxRequest{ID: "sb1"}); code != http.StatusBadRequest {
		t.Errorf("duplicate create: status %d, want 400", code)
	}
	if code, _ := client.do("POST", "/v1/sandboxes", CreateSandboxRequest{ID: "sb2", PolicyRef: PolicyRef{PolicyName: "missing"}}); code != http.StatusNotFound {
		t.Errorf("unknown policy: status %d, want 404", code)
	}

	code, body = client.do("GET", "/v1/sandboxes", nil)
	var list []SandboxSummary
	if err := json.Unmarshal(body, &list); err != nil || code != http.StatusOK {
		t.Fatalf("list: %d %s", code, body)
	}
	if len(list) != 1 || list[0].ID != "sb1" {
		t.Errorf("list = %+v", list)
	}

	if code, _ := client.do("GET", "/v1/sandboxes/sb1/usage", nil); code != http.StatusOK {
		t.Errorf("usage: status %d", code)
	}
	if code, _ := client.do("GET", "/v1/sandboxes/nope", nil); code != http.StatusNotFound {
		t.Errorf("unknown sandbox: status %d, want 404", code)
	}

	code, body = client.do("POST", "/v1/sandboxes/sb1/validate", ValidateRequest{Kind: "api", Target: "fork"})
	var vr ValidateResponse
	if err := json.Unmarshal(body, &vr); err != nil || code != http.StatusOK {
		t.Fatalf("validate: %d %s", code, body)
	}
	if vr.Allowed {
		t.Error("fork should be blocked under strict")
	}
	if got := mgr.Sandbox("sb1").Enforcer().ViolationCount(); got != 1 {
		t.Errorf("violations = %d, want 1", got)
	}

	code, body = client.do("PUT", "/v1/sandboxes/sb1/policy", PolicyRef{PolicyName: "limited"})
	if code != http.StatusOK {
		t.Fatalf("update policy: %d %s", code, body)
	}
	if p := mgr.Sandbox("sb1").Policy(); p.Name != "limited" {
		t.Errorf("policy after update = %q", p.Name)
	}

	code, body = client.do("POST", "/v1/sandboxes/sb1/execute", ExecuteRequest{PluginPath: "/no/such/plugin"})
	if code != http.StatusBadRequest || !strings.Contains(string(body), "file_not_found") {
		t.Errorf("execute missing file: %d %s", code, body)
	}
	if code, _ := client.do("POST", "/v1/sandboxes/sb1/execute", ExecuteRequest{PluginPath: "/bin/true", Type: "cobol"}); code != http.StatusNotImplemented {
		t.Errorf("execute unknown type: status %d, want 501", code)
	}

	if code, _ := client.do("DELETE", "/v1/sandboxes/sb1", nil); code != http.StatusOK {
		t.Errorf("delete: status %d", code)
	}
	if mgr.Sandbox("sb1") != nil {
		t.Error("sandbox still registered after delete")
	}
	if code, _ := client.do("DELETE", "/v1/sandboxes/sb1", nil); code != http.StatusOK {
		t.Errorf("second delete: status %d", code)
	}
}

func TestGatewayPolicies(t *testing.T) {
	client, mgr := startGateway(t, Config{})

	doc := security.SandboxedPolicy()
	doc.Description = "ci runners"
	doc.Permissions.AllowNetworkAccess = true
	doc.Permissions.AllowedHosts = []string{"*.ci.local"}
	code, body := client.do("PUT", "/v1/policies/ci", doc)
	if code != http.StatusOK {
		t.Fatalf("put: %d %s", code, body)
	}
	p, err := mgr.Policy("ci")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "ci" || p.Description != "ci runners" || !p.Permissions.AllowNetworkAccess {
		t.Errorf("registered policy = %+v", p)
	}

	code, body = client.do("GET", "/v1/policies/ci", nil)
	if code != http.StatusOK {
		t.Fatalf("get: %d %s", code, body)
	}
	got, err := security.PolicyFromJSON(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Permissions.AllowedHosts) != 1 || got.Permissions.AllowedHosts[0] != "*.ci.local" {
		t.Errorf("hosts = %v", got.Permissions.AllowedHosts)
	}

	bad := security.SandboxedPolicy()
	bad.Limits.MemoryLimitMB = 0
	if code, _ := client.do("PUT", "/v1/policies/bad", bad); code != http.StatusBadRequest {
		t.Errorf("invalid policy: status %d, want 400", code)
	}
	if code, _ := client.do("GET", "/v1/policies/bad", nil); code != http.StatusNotFound {
		t.Errorf("rejected policy registered anyway: status %d", code)
	}

	code, body = client.do("GET", "/v1/policies", nil)
	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err != nil || code != http.StatusOK {
		t.Fatalf("list: %d %s", code, body)
	}
	if len(list) != 5 {
		t.Errorf("got %d policies, want 5", len(list))
	}
}

func TestGatewayEventsWithoutStore(t *testing.T) {
	client, _ := startGateway(t, Config{})
	if code, _ := client.do("GET", "/v1/events", nil); code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", code)
	}
}
