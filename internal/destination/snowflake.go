package destination

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/snowflakedb/gosnowflake"
)

// SnowflakeDestination loads exported rows into a Snowflake table. Each
// output file is one transaction: parts insert rows, Finalize commits, so a
// failed or cancelled run leaves nothing visible.
type SnowflakeDestination struct {
	db    *sql.DB
	table string
}

func newSnowflake(cfg map[string]any) (*SnowflakeDestination, error) {
	table := cfgString(cfg, "table")
	if table == "" {
		return nil, errors.New("snowflake destination: table is required")
	}
	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   cfgString(cfg, "account"),
		User:      cfgString(cfg, "user"),
		Password:  cfgString(cfg, "password"),
		Database:  cfgString(cfg, "database"),
		Schema:    cfgString(cfg, "schema"),
		Warehouse: cfgString(cfg, "warehouse"),
		Role:      cfgString(cfg, "role"),
	})
	if err != nil {
		return nil, fmt.Errorf("snowflake destination: %w", err)
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("snowflake destination: %w", err)
	}
	return &SnowflakeDestination{db: db, table: table}, nil
}

func (d *SnowflakeDestination) Kind() string   { return KindSnowflake }
func (d *SnowflakeDestination) Format() Format { return FormatJSONLines }
func (d *SnowflakeDestination) Close() error   { return d.db.Close() }

func (d *SnowflakeDestination) Open(ctx context.Context, _ string) (Upload, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySnowflake(err)
	}
	return &snowflakeUpload{tx: tx, table: d.table}, nil
}

type snowflakeUpload struct {
	tx    *sql.Tx
	table string
}

// UploadPart inserts each JSON Lines row as a VARIANT record. Snowflake
// serializes statements within a transaction, so parts land sequentially
// regardless of upload concurrency.
func (u *snowflakeUpload) UploadPart(ctx context.Context, _ int, data []byte) error {
	lines := bytes.Split(data, []byte("\n"))
	var args []any
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !json.Valid(line) {
			return permanent(KindSnowflake, "bad row", fmt.Errorf("invalid JSON row"))
		}
		args = append(args, string(line))
	}
	if len(args) == 0 {
		return nil
	}
	// VALUES cannot wrap PARSE_JSON directly; route through SELECT.
	query := fmt.Sprintf("INSERT INTO %s (record) SELECT PARSE_JSON(column1) FROM VALUES %s",
		u.table, strings.Join(repeat("(?)", len(args)), ","))
	if _, err := u.tx.ExecContext(ctx, query, args...); err != nil {
		return classifySnowflake(err)
	}
	return nil
}

func (u *snowflakeUpload) Finalize(context.Context) error {
	if err := u.tx.Commit(); err != nil {
		return classifySnowflake(err)
	}
	return nil
}

func (u *snowflakeUpload) Abort(context.Context) error {
	return u.tx.Rollback()
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

func classifySnowflake(err error) error {
	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		code := fmt.Sprintf("%d", sfErr.Number)
		switch sfErr.Number {
		case 390111, 390112, 390114, 390144, 390201, 2003: // auth, token, missing object
			return permanent(KindSnowflake, code, err)
		case 604, 630, 390420: // statement aborted / queueing timeouts
			return transient(KindSnowflake, code, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transient(KindSnowflake, "net timeout", err)
	}
	return err
}
