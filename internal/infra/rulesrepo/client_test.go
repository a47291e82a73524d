package rulesrepo

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipball(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestClient_FetchRuleset(t *testing.T) {
	t.Parallel()

	archive := zipball(t, map[string]string{
		"security-intelligence-main/rules/obfuscation.yara": "rule obfuscation {}",
		"security-intelligence-main/rules/exfil.yara":       "rule exfil {}",
		"security-intelligence-main/README.md":              "not a rule",
	})

	var sawAuth atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer test-token" {
			sawAuth.Store(true)
		}

		switch r.URL.Path {
		case "/repos/vipyrsec/security-intelligence/commits/main":
			assert.Equal(t, "application/vnd.github.VERSION.sha", r.Header.Get("Accept"))
			_, _ = w.Write([]byte("abc123\n"))
		case "/repos/vipyrsec/security-intelligence/zipball/":
			_, _ = w.Write(archive)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Token: "test-token"})

	ruleset, err := client.FetchRuleset(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "abc123", ruleset.CommitHash)
	assert.Equal(t, []string{"exfil", "obfuscation"}, ruleset.Names())
	assert.Equal(t, "rule exfil {}", ruleset.Rules["exfil"])
	assert.True(t, sawAuth.Load(), "requests must carry the repo token")
}

func TestClient_FetchRuleset_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	archive := zipball(t, map[string]string{"repo-main/r1.yara": "rule r1 {}"})

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/vipyrsec/security-intelligence/commits/main" {
			if attempts.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte("abc123"))
			return
		}
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})

	ruleset, err := client.FetchRuleset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", ruleset.CommitHash)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestClient_FetchRuleset_GivesUp(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})

	_, err := client.FetchRuleset(context.Background())
	require.Error(t, err)
}
