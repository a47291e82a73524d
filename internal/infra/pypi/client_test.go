package pypi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetRelease(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pypi/left-pad/1.0.0/json":
			_, _ = w.Write([]byte(`{
				"info": {"name": "left-pad", "version": "1.0.0"},
				"urls": [
					{"url": "https://files.example.test/left-pad-1.0.0.tar.gz"},
					{"url": "https://files.example.test/left_pad-1.0.0-py3-none-any.whl"}
				]
			}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	release, err := client.GetRelease(context.Background(), "left-pad", "1.0.0")
	require.NoError(t, err)

	assert.Equal(t, "left-pad", release.Name)
	assert.Equal(t, "1.0.0", release.Version)
	assert.Len(t, release.Distributions, 2)
}

func TestClient_GetRelease_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	_, err := client.GetRelease(context.Background(), "ghost", "0.0.1")
	require.ErrorIs(t, err, ErrPackageNotFound)
}

func TestClient_ProjectExists(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/project/left-pad" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	exists, err := client.ProjectExists(context.Background(), "left-pad")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.ProjectExists(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, exists)
}
