package destination

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// HTTPDestination posts exported rows to an endpoint as JSON Lines, one
// POST per part. Like Kafka there is no commit step; delivery is
// at-least-once.
type HTTPDestination struct {
	url    string
	token  string
	client *http.Client
}

func newHTTP(cfg map[string]any) (*HTTPDestination, error) {
	url := cfgString(cfg, "url")
	if url == "" {
		return nil, errors.New("http destination: url is required")
	}
	return &HTTPDestination{
		url:    url,
		token:  cfgString(cfg, "token"),
		client: &http.Client{},
	}, nil
}

func (d *HTTPDestination) Kind() string   { return KindHTTP }
func (d *HTTPDestination) Format() Format { return FormatJSONLines }
func (d *HTTPDestination) Close() error   { return nil }

func (d *HTTPDestination) Open(_ context.Context, key string) (Upload, error) {
	return &httpUpload{dest: d, key: key}, nil
}

type httpUpload struct {
	dest *HTTPDestination
	key  string
}

func (u *httpUpload) UploadPart(ctx context.Context, index int, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.dest.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("X-Export-Key", u.key)
	req.Header.Set("X-Export-Part", fmt.Sprintf("%d", index))
	if u.dest.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.dest.token)
	}
	resp, err := u.dest.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return transient(KindHTTP, "net timeout", err)
		}
		return transient(KindHTTP, "connect", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("http destination: status %d: %s", resp.StatusCode, msg)
	code := fmt.Sprintf("%d", resp.StatusCode)
	if resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500 {
		return transient(KindHTTP, code, err)
	}
	return permanent(KindHTTP, code, err)
}

func (u *httpUpload) Finalize(context.Context) error { return nil }
func (u *httpUpload) Abort(context.Context) error    { return nil }
