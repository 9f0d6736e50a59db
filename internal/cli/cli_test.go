package cli_test

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rshade/esctl/internal/cli"
	"github.com/rshade/esctl/internal/config"
	"github.com/rshade/esctl/internal/logging"
)

// setupCLITest isolates ESCTL_HOME and registers cleanup for global state.
func setupCLITest(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(config.EnvHome, home)
	t.Setenv(config.EnvContext, "")
	t.Setenv(config.EnvCacheEnabled, "")
	t.Setenv(config.EnvCacheDB, "")
	t.Setenv(logging.EnvLogLevel, "error")
	t.Setenv("ESCTL_SKIP_MIGRATION_CHECK", "1")
	t.Cleanup(config.ResetGlobalConfigForTest)
	return home
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := cli.NewRootCmd("test")
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// fakeCluster is a minimal Elasticsearch that counts the requests it serves.
type fakeCluster struct {
	srv    *httptest.Server
	root   atomic.Int32
	health atomic.Int32
	search atomic.Int32
	accept atomic.Value
}

func newFakeCluster(t *testing.T, versionNumber string) *fakeCluster {
	t.Helper()
	fc := &fakeCluster{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"no handler found","status":404}`))
			return
		}
		fc.root.Add(1)
		_, _ = w.Write([]byte(`{"name":"node-1","cluster_name":"test","version":{"number":"` +
			versionNumber + `"},"tagline":"You Know, for Search"}`))
	})
	mux.HandleFunc("/_cluster/health", func(w http.ResponseWriter, r *http.Request) {
		fc.health.Add(1)
		fc.accept.Store(r.Header.Get("Accept"))
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cluster_name":"test","status":"green","number_of_nodes":1}`))
	})
	mux.HandleFunc("/logs/_search", func(w http.ResponseWriter, _ *http.Request) {
		fc.search.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hits":{"total":{"value":0}}}`))
	})
	mux.HandleFunc("/_cat/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("1700000000 00:00:00 test green 1 1\n"))
	})
	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.srv.Close)
	return fc
}

// addContext registers the fake cluster as context name.
func (fc *fakeCluster) addContext(t *testing.T, name string) {
	t.Helper()
	host, port, err := net.SplitHostPort(fc.srv.Listener.Addr().String())
	require.NoError(t, err)
	_, err = execute(t, "config", "add-context", name, "--host", host, "--port", port)
	require.NoError(t, err)
}

func decodeJSON[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func cacheDB(home string) string {
	return filepath.Join(home, "cache.db")
}
