package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"batchbridge/internal/batch"
)

// HTTPQuerier talks to the record-batch service fronting the columnar
// store. StreamQuery gets NDJSON pages back, one JSON-encoded batch of rows
// per line, already ordered by the ordering column.
type HTTPQuerier struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPQuerier(baseURL, token string) *HTTPQuerier {
	return &HTTPQuerier{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{},
	}
}

type queryRequest struct {
	Model         string         `json:"model"`
	TeamID        int64          `json:"team_id"`
	IntervalStart *time.Time     `json:"interval_start,omitempty"`
	IntervalEnd   time.Time      `json:"interval_end"`
	Fields        []string       `json:"fields,omitempty"`
	Filters       map[string]any `json:"filters,omitempty"`
	IncludeEvents []string       `json:"include_events,omitempty"`
	ExcludeEvents []string       `json:"exclude_events,omitempty"`
	Backfill      bool           `json:"backfill"`
	LowLatency    bool           `json:"low_latency"`
	Unconstrained bool           `json:"unconstrained_timestamps"`
	LookbackDays  int            `json:"lookback_days,omitempty"`
}

func buildRequest(q Query) queryRequest {
	req := queryRequest{
		Model:         q.Model,
		TeamID:        q.TeamID,
		IntervalEnd:   q.Interval.End,
		Fields:        q.Fields,
		Filters:       q.Filters,
		IncludeEvents: q.IncludeEvents,
		ExcludeEvents: q.ExcludeEvents,
		Backfill:      q.IsBackfill,
		LowLatency:    q.LowLatency,
		Unconstrained: q.Policy.UnconstrainedTimestamps,
		LookbackDays:  q.Policy.LookbackDays,
	}
	if !q.Interval.Start.IsZero() {
		start := q.Interval.Start
		req.IntervalStart = &start
	}
	return req
}

func (h *HTTPQuerier) post(ctx context.Context, path string, q Query) (*http.Response, error) {
	body, err := json.Marshal(buildRequest(q))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("source query %s: status %d: %s", path, resp.StatusCode, msg)
	}
	return resp, nil
}

func (h *HTTPQuerier) StreamQuery(ctx context.Context, q Query) (BatchIterator, error) {
	resp, err := h.post(ctx, "/query", q)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)
	return &httpIterator{body: resp.Body, scanner: sc, model: q.Model}, nil
}

func (h *HTTPQuerier) CountQuery(ctx context.Context, q Query) (int64, error) {
	resp, err := h.post(ctx, "/count", q)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return out.Count, nil
}

type httpIterator struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string
}

func (it *httpIterator) Next(_ context.Context) (*batch.Batch, error) {
	if !it.scanner.Scan() {
		err := it.scanner.Err()
		_ = it.body.Close()
		return nil, err
	}
	var records []batch.Record
	if err := json.Unmarshal(it.scanner.Bytes(), &records); err != nil {
		_ = it.body.Close()
		return nil, fmt.Errorf("decode batch page: %w", err)
	}
	return &batch.Batch{Model: it.model, Records: records}, nil
}

var _ Querier = (*HTTPQuerier)(nil)
