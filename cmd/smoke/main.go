// Command smoke drives a local deployment end to end: it seeds a batch
// export, requests a backfill over the ops API, and polls the resulting
// runs until they settle.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"batchbridge/internal/db"
)

type backfillResp struct {
	BackfillID string `json:"backfill_id"`
	Status     string `json:"status"`
}

type runResp struct {
	RunID            string  `json:"run_id"`
	Status           string  `json:"status"`
	RecordsCompleted int64   `json:"records_completed"`
	BytesExported    int64   `json:"bytes_exported"`
	LatestError      *string `json:"latest_error"`
}

type runListResp struct {
	Runs []runResp `json:"runs"`
}

func main() {
	base := flag.String("base", envOr("API_BASE_URL", "http://localhost:8000"), "ops API base URL")
	token := flag.String("token", envOr("API_TOKEN", "dev-secret-token"), "ops API token")
	dest := flag.String("dest", "http", "destination kind for the seeded export")
	destCfg := flag.String("dest-config", `{"url":"http://localhost:9009/ingest"}`, "destination config JSON")
	wait := flag.Duration("wait", 2*time.Minute, "how long to poll for run completion")
	flag.Parse()

	ctx := context.Background()
	store := db.MustOpenStore()

	be := &db.BatchExport{
		TeamID:            1,
		Name:              "smoke",
		Model:             "events",
		Destination:       *dest,
		DestinationConfig: []byte(*destCfg),
		Schedule:          "hour",
	}
	must(store.CreateBatchExport(ctx, be))
	fmt.Println("created batch export:", be.ID)

	httpc := &http.Client{Timeout: 12 * time.Second}
	end := time.Now().UTC().Truncate(time.Hour)
	start := end.Add(-2 * time.Hour)

	var bf backfillResp
	must(call(httpc, *token, http.MethodPost, *base+"/backfills", map[string]any{
		"batch_export_id": be.ID,
		"start":           start,
		"end":             end,
	}, &bf))
	fmt.Println("created backfill:", bf.BackfillID)

	deadline := time.Now().Add(*wait)
	for {
		var runs runListResp
		must(call(httpc, *token, http.MethodGet, *base+"/batch-exports/"+be.ID+"/runs", nil, &runs))

		settled := len(runs.Runs) > 0
		for _, r := range runs.Runs {
			fmt.Printf("  run %s: %s records=%d bytes=%d\n", r.RunID, r.Status, r.RecordsCompleted, r.BytesExported)
			if r.Status == "Starting" || r.Status == "Running" {
				settled = false
			}
			if r.LatestError != nil {
				fmt.Printf("    latest_error: %s\n", *r.LatestError)
			}
		}
		if settled {
			fmt.Println("all runs settled")
			return
		}
		if time.Now().After(deadline) {
			fmt.Println("timed out waiting for runs to settle")
			os.Exit(1)
		}
		time.Sleep(5 * time.Second)
	}
}

func call(httpc *http.Client, token, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %d: %s", method, url, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "smoke:", err)
		os.Exit(1)
	}
}
