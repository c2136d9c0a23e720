package destination

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPUploadPartDelivers(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		keys = append(keys, r.Header.Get("X-Export-Key"))
		mu.Unlock()
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := New(context.Background(), KindHTTP, map[string]any{"url": srv.URL, "token": "sekrit"})
	require.NoError(t, err)
	defer d.Close()

	up, err := d.Open(context.Background(), "export/000000.jsonl")
	require.NoError(t, err)
	require.NoError(t, up.UploadPart(context.Background(), 0, []byte(`{"uuid":"a"}`+"\n")))
	require.NoError(t, up.Finalize(context.Background()))

	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], `"uuid":"a"`)
	assert.Equal(t, []string{"export/000000.jsonl"}, keys)
}

func TestHTTPUploadPartClassifiesStatus(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	d, err := New(context.Background(), KindHTTP, map[string]any{"url": srv.URL})
	require.NoError(t, err)
	up, err := d.Open(context.Background(), "k")
	require.NoError(t, err)

	status = http.StatusTooManyRequests
	err = up.UploadPart(context.Background(), 0, []byte("{}\n"))
	assert.True(t, IsTransient(err), "429 should be transient")

	status = http.StatusServiceUnavailable
	err = up.UploadPart(context.Background(), 1, []byte("{}\n"))
	assert.True(t, IsTransient(err), "503 should be transient")

	status = http.StatusForbidden
	err = up.UploadPart(context.Background(), 2, []byte("{}\n"))
	assert.True(t, IsPermanent(err), "403 should be permanent")
}

func TestHTTPRequiresURL(t *testing.T) {
	_, err := New(context.Background(), KindHTTP, nil)
	assert.Error(t, err)
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(context.Background(), "carrier-pigeon", nil)
	assert.Error(t, err)
}
