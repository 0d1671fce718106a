package pydeps_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vbauerster/mpb/v8"

	"github.com/seyoung4503/asgipack/internal/buildcontext"
	"github.com/seyoung4503/asgipack/internal/pydeps"
)

func TestHTTPFetcherDownloads(t *testing.T) {
	wheel := buildWheel(t, map[string]string{"demo/__init__.py": "version = '0.1.0'\n"})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(wheel)
	}))
	defer server.Close()

	fetcher := &pydeps.HTTPFetcher{}

	body, size, err := fetcher.Fetch(context.Background(), buildcontext.LockedPackage{
		Name: "demo", Version: "0.1.0", URL: server.URL + "/demo.whl",
	})
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, int64(len(wheel)), size)
	require.Equal(t, wheel, got)
}

func TestHTTPFetcherProgressProxiesBody(t *testing.T) {
	wheel := buildWheel(t, map[string]string{"demo/__init__.py": "version = '0.1.0'\n"})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(wheel)
	}))
	defer server.Close()

	progress := mpb.New(mpb.WithOutput(io.Discard), mpb.WithWidth(64))
	fetcher := &pydeps.HTTPFetcher{Progress: progress}

	body, _, err := fetcher.Fetch(context.Background(), buildcontext.LockedPackage{
		Name: "demo", Version: "0.1.0", URL: server.URL + "/demo.whl",
	})
	require.NoError(t, err)

	// the bar's proxy reader must hand through the exact bytes
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.True(t, bytes.Equal(wheel, got))

	progress.Wait()
}

func TestHTTPFetcherRejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	fetcher := &pydeps.HTTPFetcher{}

	_, _, err := fetcher.Fetch(context.Background(), buildcontext.LockedPackage{
		Name: "demo", Version: "0.1.0", URL: server.URL + "/missing.whl",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected status")
}
