package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/carrier/internal/fakeserver"
	"github.com/roach88/carrier/internal/ir"
	"github.com/roach88/carrier/internal/sign"
	"github.com/roach88/carrier/internal/store"
)

const testSecret = "cli-secret"

// cliEnv runs commands against one store file and one fake backend.
type cliEnv struct {
	t         *testing.T
	storePath string
	env       map[string]string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBackend(t *testing.T) (*fakeserver.Server, string) {
	t.Helper()
	srv := fakeserver.New(testSecret, fakeserver.WithLogger(quietLogger()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, strings.TrimPrefix(ts.URL, "http://")
}

func newCLIEnv(t *testing.T, backendHost string) *cliEnv {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "carrier.db")
	return &cliEnv{
		t:         t,
		storePath: storePath,
		env: map[string]string{
			"CARRIER_APP_ID":         "app-1",
			"CARRIER_APP_SECRET":     testSecret,
			"CARRIER_APP_VERSION":    "1.2.3",
			"CARRIER_DISCOVERY_HOST": backendHost,
			"CARRIER_SCHEME":         "http",
			"CARRIER_STORE_PATH":     storePath,
			"CARRIER_LOG_LEVEL":      "error",
		},
	}
}

func (c *cliEnv) getenv(key string) string {
	return c.env[key]
}

func (c *cliEnv) run(args ...string) (string, error) {
	c.t.Helper()
	out := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{Getenv: c.getenv})
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func (c *cliEnv) seed(endpoint string, n int) {
	c.t.Helper()
	st, err := store.Open(c.storePath, store.WithLogger(quietLogger()))
	require.NoError(c.t, err)
	for i := 0; i < n; i++ {
		_, err := st.Enqueue(ir.ServicePost, endpoint, ir.Object{"value": ir.Int(int64(i))})
		require.NoError(c.t, err)
	}
	require.NoError(c.t, st.Close())
}

func (c *cliEnv) pending() int {
	c.t.Helper()
	st, err := store.Open(c.storePath, store.WithLogger(quietLogger()))
	require.NoError(c.t, err)
	defer st.Close()
	return st.Len()
}

func TestSend_Delivered(t *testing.T) {
	srv, host := startBackend(t)
	env := newCLIEnv(t, host)

	out, err := env.run("send", "/me/achievements.json",
		"--user", "u1", "-p", "achievement_id=first_win", "--format", "json")
	require.NoError(t, err, out)

	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "OK", data["outcome"])
	assert.Equal(t, "/me/achievements.json", data["endpoint"])

	received := srv.Received()
	var fields []string
	for _, r := range received {
		if r.Endpoint == "/me/achievements.json" {
			assert.True(t, r.SignatureOK)
			fields = append(fields, r.Fields.Get("achievement_id"), r.Fields.Get("user_id"), r.Fields.Get("app_version"))
		}
	}
	assert.Equal(t, []string{"first_win", "u1", "1.2.3"}, fields)
	assert.Equal(t, 0, env.pending())
}

func TestSend_RetainedThenRemoved(t *testing.T) {
	srv, host := startBackend(t)
	srv.Script("/me/scores.json", http.StatusServiceUnavailable)
	env := newCLIEnv(t, host)

	out, err := env.run("send", "/me/scores.json", "--user", "u1", "-p", "value=100", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeDelivery, resp.Error.Code)
	details := resp.Error.Details.(map[string]any)
	assert.Equal(t, "UnknownError", details["outcome"])
	assert.Equal(t, true, details["retained"])
	id := details["request_id"].(string)

	out, err = env.run("queue", "list", "--format", "json")
	require.NoError(t, err, out)
	listing := decodeResponse(t, out).Data.(map[string]any)
	entries := listing["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, id, entry["request_id"])
	assert.Equal(t, float64(1), entry["retries"])
	assert.Equal(t, "post", entry["class"])

	out, err = env.run("queue", "remove", id)
	require.NoError(t, err, out)
	assert.Contains(t, out, "removed 1 request(s)")
	assert.Equal(t, 0, env.pending())

	_, err = env.run("queue", "remove", id)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSend_TerminalRejection(t *testing.T) {
	srv, host := startBackend(t)
	srv.Script("/me/actions.json", http.StatusFailedDependency)
	env := newCLIEnv(t, host)

	out, err := env.run("send", "/me/actions.json", "--user", "u1", "-p", "action_id=cook")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E004]")
	assert.Contains(t, out, "ParameterError")
	assert.Equal(t, 0, env.pending(), "terminal outcomes leave the store")
}

func TestSend_Attachment(t *testing.T) {
	srv, host := startBackend(t)
	env := newCLIEnv(t, host)
	image := filepath.Join(t.TempDir(), "dish.png")
	require.NoError(t, os.WriteFile(image, []byte("\x89PNG-bytes"), 0644))

	out, err := env.run("send", "/me/actions.json", "--user", "u1", "-p", "action_id=cook", "--image", image)
	require.NoError(t, err, out)

	var got []byte
	for _, r := range srv.Received() {
		if r.Endpoint == "/me/actions.json" {
			got = r.Attachment
		}
	}
	assert.Equal(t, []byte("\x89PNG-bytes"), got)
}

func TestSend_CommandErrors(t *testing.T) {
	_, host := startBackend(t)

	tests := map[string]struct {
		args  []string
		env   map[string]string
		want  string
		exit  int
		isOut bool
	}{
		"missing user": {
			args: []string{"send", "/me/scores.json"},
			want: `required flag(s) "user" not set`,
			exit: ExitFailure,
		},
		"bad class": {
			args: []string{"send", "/services.json", "--user", "u1", "--class", "discovery"},
			want: "invalid --class",
			exit: ExitCommandError,
		},
		"relative endpoint": {
			args: []string{"send", "me/scores.json", "--user", "u1"},
			want: "must start with '/'",
			exit: ExitCommandError,
		},
		"bad param": {
			args: []string{"send", "/me/scores.json", "--user", "u1", "-p", "novalue"},
			want: "expected key=value",
			exit: ExitCommandError,
		},
		"invalid config": {
			args:  []string{"send", "/me/scores.json", "--user", "u1"},
			env:   map[string]string{"CARRIER_APP_SECRET": "", "CARRIER_SCHEME": "gopher"},
			want:  "Error [E002]",
			exit:  ExitCommandError,
			isOut: true,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			env := newCLIEnv(t, host)
			for k, v := range tt.env {
				env.env[k] = v
			}
			out, err := env.run(tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.exit, GetExitCode(err))
			if tt.isOut {
				assert.Contains(t, out, tt.want)
			} else {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestSend_FlagOverridesEnv(t *testing.T) {
	_, host := startBackend(t)
	env := newCLIEnv(t, "unreachable.invalid")
	other := filepath.Join(t.TempDir(), "other.db")

	out, err := env.run("send", "/me/scores.json", "--user", "u1", "-p", "value=1",
		"--discovery-host", host, "--store-path", other)
	require.NoError(t, err, out)
	assert.FileExists(t, other)
}

func TestDrain_DeliversPending(t *testing.T) {
	srv, host := startBackend(t)
	env := newCLIEnv(t, host)
	env.seed("/me/scores.json", 2)

	out, err := env.run("drain", "--user", "u1", "--format", "json")
	require.NoError(t, err, out)

	data := decodeResponse(t, out).Data.(map[string]any)
	assert.Equal(t, float64(2), data["before"])
	assert.Equal(t, float64(2), data["delivered"])
	assert.Equal(t, float64(0), data["remaining"])
	assert.Equal(t, 2, srv.Count("/me/scores.json"))
	assert.Equal(t, 0, env.pending())
}

func TestDrain_EmptyStore(t *testing.T) {
	srv, host := startBackend(t)
	env := newCLIEnv(t, host)

	out, err := env.run("drain")
	require.NoError(t, err, out)
	assert.Contains(t, out, "0 pending")
	assert.Empty(t, srv.Received(), "nothing to replay means no discovery")
}

func TestQueueList_Text(t *testing.T) {
	env := newCLIEnv(t, "unused.invalid")

	out, err := env.run("queue", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "no pending requests")
	assert.Contains(t, out, "install metric sent: false")

	env.seed("/me/scores.json", 1)
	out, err = env.run("queue", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "REQUEST ID")
	assert.Contains(t, out, "/me/scores.json")
	assert.Contains(t, out, "1 pending")
}

func TestQueueList_NoCredentialsNeeded(t *testing.T) {
	env := newCLIEnv(t, "unused.invalid")
	delete(env.env, "CARRIER_APP_ID")
	delete(env.env, "CARRIER_APP_SECRET")

	_, err := env.run("queue", "list")
	require.NoError(t, err)
}

func TestSign_MatchesSigner(t *testing.T) {
	env := newCLIEnv(t, "unused.invalid")

	out, err := env.run("sign", "/me/scores.json", "--host", "api.example.com:443",
		"-p", "value=100", "-p", "request_id=abc", "--format", "json")
	require.NoError(t, err, out)

	want, err := sign.Sign("api.example.com", "/me/scores.json", testSecret,
		ir.Object{"value": ir.Int(100), "request_id": ir.String("abc")})
	require.NoError(t, err)

	data := decodeResponse(t, out).Data.(map[string]any)
	assert.Equal(t, want, data["sig"])
	assert.Equal(t, "POST\napi.example.com\n/me/scores.json\nrequest_id=abc&value=100", data["signing_string"])
}

func TestSign_RequiresSecret(t *testing.T) {
	env := newCLIEnv(t, "unused.invalid")
	delete(env.env, "CARRIER_APP_SECRET")

	out, err := env.run("sign", "/me/scores.json", "--host", "api.example.com")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "app_secret is required")
}

func TestValidateUser(t *testing.T) {
	tests := map[string]struct {
		status int
		want   string
		exit   int
	}{
		"ready":          {http.StatusOK, "Ready", ExitSuccess},
		"read only":      {http.StatusUnauthorized, "ReadOnly", ExitFailure},
		"not authorized": {http.StatusMethodNotAllowed, "NotAuthorized", ExitFailure},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			srv, host := startBackend(t)
			srv.Script("/games/app-1/users.json", tt.status)
			env := newCLIEnv(t, host)

			out, err := env.run("validate-user", "--user", "u1", "--token", "tok", "--format", "json")
			assert.Equal(t, tt.exit, GetExitCode(err), out)

			resp := decodeResponse(t, out)
			var data map[string]any
			if tt.exit == ExitSuccess {
				data = resp.Data.(map[string]any)
			} else {
				data = resp.Error.Details.(map[string]any)
			}
			assert.Equal(t, tt.want, data["status"])

			var tokens []string
			for _, r := range srv.Received() {
				if r.Endpoint == "/games/app-1/users.json" {
					tokens = append(tokens, r.Fields.Get("access_token"))
				}
			}
			assert.Equal(t, []string{"tok"}, tokens)
		})
	}
}

func TestValidateUser_ReplaysPending(t *testing.T) {
	srv, host := startBackend(t)
	env := newCLIEnv(t, host)
	env.seed("/me/scores.json", 3)

	out, err := env.run("validate-user", "--user", "u1", "--token", "tok")
	require.NoError(t, err, out)
	assert.Contains(t, out, "u1: Ready")
	assert.Equal(t, 3, srv.Count("/me/scores.json"))
	assert.Equal(t, 0, env.pending())
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{
		"name=x=y", "count=3", "price=4.99", "flag=true", "tags=[1,2]", "raw=hello world",
	})
	require.NoError(t, err)

	assert.Equal(t, ir.String("x=y"), params["name"])
	assert.Equal(t, ir.Int(3), params["count"])
	assert.Equal(t, "4.99", ir.Describe(params["price"]))
	assert.Equal(t, ir.Bool(true), params["flag"])
	assert.Equal(t, ir.Array{ir.Int(1), ir.Int(2)}, params["tags"])
	assert.Equal(t, ir.String("hello world"), params["raw"])

	for _, bad := range []string{"novalue", "=v"} {
		_, err := parseParams([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestParseScript(t *testing.T) {
	endpoint, codes, err := parseScript("/me/scores.json=503, 503,200")
	require.NoError(t, err)
	assert.Equal(t, "/me/scores.json", endpoint)
	assert.Equal(t, []int{503, 503, 200}, codes)

	for _, bad := range []string{"/me/scores.json", "me.json=200", "/a.json=", "/a.json=ok", "/a.json=999"} {
		_, _, err := parseScript(bad)
		assert.Error(t, err, bad)
	}
}

func TestFakeBackendCommand_ServesScripts(t *testing.T) {
	ready := make(chan string, 1)
	env := newCLIEnv(t, "")
	opts := &FakeBackendOptions{
		RootOptions: &RootOptions{Format: "text", Getenv: env.getenv},
		Ready:       ready,
	}
	cmd := newFakeBackendCommand(opts)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--listen", "127.0.0.1:0", "--script", "/me/scores.json=424"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("fake backend exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("fake backend did not start")
	}

	env.env["CARRIER_DISCOVERY_HOST"] = addr
	out, err := env.run("send", "/me/scores.json", "--user", "u1", "-p", "value=5")
	require.Error(t, err)
	assert.Contains(t, out, "ParameterError")
	assert.Equal(t, 0, env.pending())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("fake backend did not stop")
	}
}

func TestRunCommand_StartsAndServesMetrics(t *testing.T) {
	srv, host := startBackend(t)
	env := newCLIEnv(t, host)
	env.env["CARRIER_METRICS_ADDR"] = "127.0.0.1:0"
	env.seed("/me/achievements.json", 1)

	ready := make(chan string, 1)
	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "text", Getenv: env.getenv},
		Ready:       ready,
	}
	cmd := newRunCommand(opts)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--user", "u1", "--replay-interval", "0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}

	assert.Eventually(t, func() bool {
		return srv.Count("/install.json") == 1 &&
			srv.Count("/app_opened.json") == 1 &&
			srv.Count("/me/achievements.json") == 1
	}, 5*time.Second, 20*time.Millisecond, "install, app_opened and the stored achievement are delivered")

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "carrier_delivery_attempts_total")
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}

	assert.Equal(t, 0, env.pending())
}
