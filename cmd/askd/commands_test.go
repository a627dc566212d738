// Tests in this package use the standard testing package with t.Errorf and
// t.Fatalf. Packages whose tests are written against testify (storage,
// similarity, answercache, conversation, auth, ingest, api, app) use
// assert and require throughout; a package does not mix the two.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/askd/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// port returns the test server's port for ASKD_SERVER_PORT.
func (ts *testServer) port(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(ts.server.URL)
	if err != nil {
		t.Fatalf("parsing server url: %v", err)
	}
	return u.Port()
}

var ctx = context.Background()

// useServer points newAPIClient at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

// isolateConfig keeps config and secrets out of the real home directory.
func isolateConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ASKD_CONFIG", filepath.Join(dir, "config.json"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the root command with args and returns what it wrote to stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	oldColor := noColor
	noColor = true

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		noColor = oldColor
		rootCmd.SetOut(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})

	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

func requestBody(t *testing.T, r recordedRequest) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	return body
}

func TestAskCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ask": `{"answer":"Forty two.","conversation_id":"CONV_1","from_cache":true,"similarity":0.93,` +
			`"original_question":"what is the answer?","source_refs":[{"source":"guide.pdf","content":"...","pages":"3-4"}]}`,
	})
	useServer(t, ts)

	out, err := run(t, "ask", "--thread", "CONV_1", "what", "is", "the", "answer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/ask" {
		t.Errorf("request = %s %s, want POST /ask", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	body := requestBody(t, r)
	if body["question"] != "what is the answer" {
		t.Errorf("body.question = %v", body["question"])
	}
	if body["conversation_id"] != "CONV_1" {
		t.Errorf("body.conversation_id = %v, want CONV_1", body["conversation_id"])
	}

	for _, want := range []string{"Forty two.", "cached answer (similarity 0.93)", `"what is the answer?"`, "guide.pdf, pages 3-4", "thread: CONV_1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAskCommand_PersistenceWarning(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ask": `{"answer":"ok","conversation_id":"CONV_2","persistence_failed":true,"warning":"the answer could not be saved to the conversation"}`,
	})
	useServer(t, ts)

	out, err := run(t, "ask", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "could not be saved") {
		t.Errorf("output missing warning:\n%s", out)
	}
	if strings.Contains(out, "cached answer") {
		t.Errorf("fresh answer reported as cached:\n%s", out)
	}
}

func TestAskCommand_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		w.Write([]byte(`{"error":{"message":"generation timed out","type":"timeout_error"}}`))
	}))
	defer ts.Close()

	old := newAPIClient
	defer func() { newAPIClient = old }()
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}, nil
	}

	_, err := run(t, "ask", "slow question")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "504") || !strings.Contains(err.Error(), "generation timed out") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestRegenerateCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /conversations/CONV_1/regenerate": `{"answer":"fresh","conversation_id":"CONV_1"}`,
	})
	useServer(t, ts)

	out, err := run(t, "regenerate", "--thread", "CONV_1", "--overwrite", "try", "again")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "fresh") {
		t.Errorf("output = %q, want answer", out)
	}

	body := requestBody(t, ts.requests[0])
	if body["question"] != "try again" {
		t.Errorf("body.question = %v", body["question"])
	}
	if body["overwrite"] != true {
		t.Errorf("body.overwrite = %v, want true", body["overwrite"])
	}
}

func TestRegenerateCommand_RequiresThread(t *testing.T) {
	_, err := run(t, "regenerate", "question")
	if err == nil {
		t.Fatal("expected error without --thread")
	}
	if !strings.Contains(err.Error(), "thread") {
		t.Errorf("error = %q, want it to mention thread", err.Error())
	}
}

func TestThreadsCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /conversations": `[{"id":"CONV_1","owner_id":"USR_1","topic":"pricing questions","created_at":"2025-01-01T00:00:00Z","message_count":4}]`,
	})
	useServer(t, ts)

	out, err := run(t, "threads")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "CONV_1") || !strings.Contains(out, "pricing questions") || !strings.Contains(out, "4 msgs") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestHistoryCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /conversations/CONV_1/messages": `[` +
			`{"id":"MSG_1","conversation_id":"CONV_1","position":1,"sender":"user","content":"hi","timestamp":"2025-01-01T00:00:00Z"},` +
			`{"id":"MSG_2","conversation_id":"CONV_1","position":2,"sender":"assistant","content":"hello","timestamp":"2025-01-01T00:00:01Z"}]`,
	})
	useServer(t, ts)

	out, err := run(t, "history", "CONV_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	iHi, iHello := strings.Index(out, "hi\n"), strings.Index(out, "hello")
	if iHi < 0 || iHello < 0 || iHi > iHello {
		t.Errorf("messages missing or out of order:\n%s", out)
	}
	if !strings.Contains(out, "#1 user") || !strings.Contains(out, "#2 assistant") {
		t.Errorf("positions not shown:\n%s", out)
	}
}

func TestDeleteCommand_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useServer(t, ts)

	_, err := run(t, "delete", "CONV_missing")
	if err == nil {
		t.Fatal("expected error for missing thread")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to contain 404", err.Error())
	}
	if ts.requests[0].Method != "DELETE" || ts.requests[0].Path != "/conversations/CONV_missing" {
		t.Errorf("request = %s %s", ts.requests[0].Method, ts.requests[0].Path)
	}
}

func TestIngestCommand_Text(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents": `{"id":"DOC_1","job_id":"JOB_1","status":"queued"}`,
	})
	useServer(t, ts)

	if _, err := run(t, "ingest", "--text", "hello world", "--title", "greeting"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := requestBody(t, ts.requests[0])
	if body["type"] != "text" || body["content"] != "hello world" {
		t.Errorf("body = %v", body)
	}
	if body["title"] != "greeting" {
		t.Errorf("body.title = %v, want greeting", body["title"])
	}
	if body["source"] != "cli" {
		t.Errorf("body.source = %v, want cli", body["source"])
	}
}

func TestIngestCommand_File(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /documents": `{"id":"DOC_1","job_id":"JOB_1","status":"queued"}`,
	})
	useServer(t, ts)

	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("# Notes\nrefunds within 30 days"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "ingest", "--file", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := requestBody(t, ts.requests[0])
	if body["type"] != "file" {
		t.Errorf("body.type = %v, want file", body["type"])
	}
	if body["title"] != "notes.md" {
		t.Errorf("body.title = %v, want notes.md", body["title"])
	}
	raw, err := base64.StdEncoding.DecodeString(body["content"].(string))
	if err != nil {
		t.Fatalf("content is not base64: %v", err)
	}
	if !strings.Contains(string(raw), "refunds within 30 days") {
		t.Errorf("decoded content = %q", raw)
	}
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	_, err := run(t, "ingest")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestSearchCommand_URLEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /search": `[{"id":"p1","document_id":"DOC_1","text":"Enterprise costs $99","score":0.91,"source":"pricing","pages":"2"}]`,
	})
	useServer(t, ts)

	out, err := run(t, "search", "--limit", "3", "price", "&", "plans")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reqPath := ts.requests[0].Path
	if strings.Contains(reqPath, "& plans") {
		t.Errorf("query not URL-encoded: %q", reqPath)
	}
	if !strings.Contains(reqPath, "q=price+%26+plans") || !strings.Contains(reqPath, "limit=3") {
		t.Errorf("unexpected encoded path: %q", reqPath)
	}
	if !strings.Contains(out, "Enterprise costs $99") || !strings.Contains(out, "Pages: 2") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestLoginCommand_SavesSession(t *testing.T) {
	isolateConfig(t)
	ts := newTestServer(t, map[string]string{
		"POST /sessions": `{"token":"sess-abc","user":{"id":"USR_1","username":"ana"}}`,
	})
	t.Setenv("ASKD_SERVER_PORT", ts.port(t))

	rootCmd.SetIn(strings.NewReader("s3cret-pass\n"))
	if _, err := run(t, "login", "--username", "ana"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := requestBody(t, ts.requests[0])
	if body["username"] != "ana" || body["password"] != "s3cret-pass" {
		t.Errorf("body = %v", body)
	}

	token, err := config.GetSecret(config.SecretSessionToken)
	if err != nil {
		t.Fatalf("reading session: %v", err)
	}
	if token != "sess-abc" {
		t.Errorf("session token = %q, want sess-abc", token)
	}
}

func TestUsersAdd_UsesAdminToken(t *testing.T) {
	isolateConfig(t)
	ts := newTestServer(t, map[string]string{
		"POST /users": `{"id":"USR_2","username":"bo"}`,
	})
	t.Setenv("ASKD_SERVER_PORT", ts.port(t))
	t.Setenv("ASKD_ADMIN_TOKEN", "admin-xyz")

	if _, err := run(t, "users", "add", "bo", "--password", "long-enough-pass"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Auth != "Bearer admin-xyz" {
		t.Errorf("auth = %q, want admin token", ts.requests[0].Auth)
	}
}

func TestNewAPIClient_NotLoggedIn(t *testing.T) {
	isolateConfig(t)

	_, err := newAPIClient()
	if err == nil {
		t.Fatal("expected error without a session")
	}
	if !strings.Contains(err.Error(), "login") {
		t.Errorf("error = %q, want it to suggest login", err.Error())
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	_, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid or expired session","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/conversations")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
	if !strings.Contains(err.Error(), "invalid or expired session") {
		t.Errorf("error = %q, want the server message", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Ollama.ChatModel = "llama3.2"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestConfigSetAndUnset(t *testing.T) {
	isolateConfig(t)

	if _, err := run(t, "config", "set", "cache.capacity", "25"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.Capacity != 25 {
		t.Errorf("Cache.Capacity = %d, want 25", cfg.Cache.Capacity)
	}

	if _, err := run(t, "config", "unset", "cache.capacity"); err != nil {
		t.Fatalf("config unset: %v", err)
	}
	cfg, err = config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.Capacity != config.Defaults().Cache.Capacity {
		t.Errorf("Cache.Capacity = %d, want default", cfg.Cache.Capacity)
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo world", 5); got != "héllo..." {
		t.Errorf("truncate = %q, want héllo...", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q, want short", got)
	}
}
