package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalstream/core"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "petalstream",
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("verbose", false, "")
	root.PersistentFlags().Bool("quiet", false, "")
	root.AddCommand(NewServeCmd())
	root.AddCommand(NewToolsCmd())
	root.AddCommand(NewCompleteCmd())
	return root
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error = %v, want *ExitError", err)
	}
	return exitErr.Code
}

// fakeOpenAI serves a streaming chat completion that writes text deltas.
func fakeOpenAI(t *testing.T, status int, deltas ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			data, _ := json.Marshal(d)
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%s}}]}\n\n", data)
		}
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func backendConfig(t *testing.T, baseURL string) string {
	t.Helper()
	return writeTestFile(t, "petalstream.yaml", fmt.Sprintf(`
providers: []
backend:
  name: openai
  api_key: test-key
  base_url: %s
`, baseURL))
}

func TestCompleteCmd_PrintsNDJSONChunks(t *testing.T) {
	srv := fakeOpenAI(t, http.StatusOK, "Hello", ", world")
	cfgPath := backendConfig(t, srv.URL)

	stdout, _, err := executeCommand(newTestRoot(), "complete", "--config", cfgPath, "--quiet", "say hello")
	if err != nil {
		t.Fatalf("complete error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), stdout)
	}
	var chunks []core.StreamChunk
	for _, line := range lines {
		var c core.StreamChunk
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("json.Unmarshal(%q) error = %v", line, err)
		}
		chunks = append(chunks, c)
	}
	for i, c := range chunks {
		if c.Seq != uint64(i) {
			t.Errorf("chunks[%d].Seq = %d", i, c.Seq)
		}
	}
	if chunks[0].Kind != core.ChunkText || chunks[2].Kind != core.ChunkDone {
		t.Errorf("kinds = %s, %s, %s", chunks[0].Kind, chunks[1].Kind, chunks[2].Kind)
	}
}

func TestCompleteCmd_ReadsStdin(t *testing.T) {
	srv := fakeOpenAI(t, http.StatusOK, "ok")
	cfgPath := backendConfig(t, srv.URL)

	root := newTestRoot()
	root.SetIn(strings.NewReader("from stdin\n"))
	stdout, _, err := executeCommand(root, "complete", "--config", cfgPath, "--quiet")
	if err != nil {
		t.Fatalf("complete error = %v", err)
	}
	if !strings.Contains(stdout, `"text":"ok"`) {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestCompleteCmd_EmptyPrompt(t *testing.T) {
	root := newTestRoot()
	root.SetIn(strings.NewReader("   "))
	_, _, err := executeCommand(root, "complete", "--quiet")
	if got := exitCode(t, err); got != exitInput {
		t.Fatalf("exit code = %d, want %d", got, exitInput)
	}
}

func TestCompleteCmd_BackendError(t *testing.T) {
	srv := fakeOpenAI(t, http.StatusBadRequest)
	cfgPath := backendConfig(t, srv.URL)

	stdout, _, err := executeCommand(newTestRoot(), "complete", "--config", cfgPath, "--quiet", "hi")
	if got := exitCode(t, err); got != exitBackend {
		t.Fatalf("exit code = %d, want %d (err %v)", got, exitBackend, err)
	}
	if !strings.Contains(stdout, `"kind":"error"`) || !strings.Contains(stdout, "BACKEND_ERROR") {
		t.Errorf("stdout = %q, want an error chunk", stdout)
	}
	if strings.Contains(stdout, "bad request") {
		t.Error("backend detail leaked into the caller stream")
	}
}

func TestToolsCmd_NoProviders(t *testing.T) {
	cfgPath := writeTestFile(t, "petalstream.yaml", "providers: []\n")
	stdout, _, err := executeCommand(newTestRoot(), "tools", "--config", cfgPath, "--quiet")
	if err != nil {
		t.Fatalf("tools error = %v", err)
	}
	if !strings.Contains(stdout, "0 tool(s), 0 collision(s), 0 failure(s)") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestToolsCmd_AllProvidersFail(t *testing.T) {
	cfgPath := writeTestFile(t, "petalstream.yaml", `
providers:
  - name: broken
    command: /nonexistent/petalstream-test-provider
    init_timeout: 2s
`)
	stdout, _, err := executeCommand(newTestRoot(), "tools", "--config", cfgPath, "--json", "--quiet")
	if got := exitCode(t, err); got != exitProvider {
		t.Fatalf("exit code = %d, want %d", got, exitProvider)
	}
	var summary struct {
		Failures []struct {
			Provider string `json:"provider"`
		} `json:"failures"`
	}
	if err := json.Unmarshal([]byte(stdout), &summary); err != nil {
		t.Fatalf("json.Unmarshal() error = %v\n%s", err, stdout)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Provider != "broken" {
		t.Errorf("failures = %+v", summary.Failures)
	}
}

func TestToolsCmd_MissingConfig(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(), "tools", "--config", "/nonexistent/petalstream.yaml")
	if got := exitCode(t, err); got != exitConfig {
		t.Fatalf("exit code = %d, want %d", got, exitConfig)
	}
}

func TestExitCodeForKind(t *testing.T) {
	tests := map[core.ErrorKind]int{
		"":                        exitSuccess,
		core.KindClientCancelled:  exitCanceled,
		core.KindProviderTimeout:  exitTimeout,
		core.KindNoToolsAvailable: exitProvider,
		core.KindBackend:          exitBackend,
	}
	for kind, want := range tests {
		if got := exitCodeForKind(kind); got != want {
			t.Errorf("exitCodeForKind(%q) = %d, want %d", kind, got, want)
		}
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	quiet := newLogger(&buf, false, true)
	quiet.Warn("hidden")
	quiet.Error("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("quiet output = %q", buf.String())
	}

	buf.Reset()
	verbose := newLogger(&buf, true, false)
	if !verbose.Enabled(t.Context(), slog.LevelDebug) {
		t.Error("verbose logger does not enable debug")
	}
}
