package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDestination loads exported rows into a Postgres (or Redshift)
// table via COPY. Each output file is one transaction; Finalize commits.
type PostgresDestination struct {
	conn  *pgx.Conn
	table string
}

func newPostgres(ctx context.Context, cfg map[string]any) (*PostgresDestination, error) {
	dsn := cfgString(cfg, "dsn")
	table := cfgString(cfg, "table")
	if dsn == "" || table == "" {
		return nil, errors.New("postgres destination: dsn and table are required")
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	return &PostgresDestination{conn: conn, table: table}, nil
}

func (d *PostgresDestination) Kind() string   { return KindPostgres }
func (d *PostgresDestination) Format() Format { return FormatJSONLines }

func (d *PostgresDestination) Close() error {
	return d.conn.Close(context.Background())
}

func (d *PostgresDestination) Open(ctx context.Context, _ string) (Upload, error) {
	tx, err := d.conn.Begin(ctx)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	return &postgresUpload{tx: tx, table: d.table}, nil
}

type postgresUpload struct {
	mu    sync.Mutex
	tx    pgx.Tx
	table string
}

// UploadPart copies each JSON Lines row into the jsonb record column. Part
// uploads arrive concurrently, but a pgx connection only supports one
// in-flight operation, so the copy itself serializes on the upload mutex.
func (u *postgresUpload) UploadPart(ctx context.Context, _ int, data []byte) error {
	lines := bytes.Split(data, []byte("\n"))
	rows := make([][]any, 0, len(lines))
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !json.Valid(line) {
			return permanent(KindPostgres, "bad row", fmt.Errorf("invalid JSON row"))
		}
		rows = append(rows, []any{string(line)})
	}
	if len(rows) == 0 {
		return nil
	}
	u.mu.Lock()
	_, err := u.tx.CopyFrom(ctx, pgx.Identifier{u.table}, []string{"record"}, pgx.CopyFromRows(rows))
	u.mu.Unlock()
	if err != nil {
		return classifyPostgres(err)
	}
	return nil
}

func (u *postgresUpload) Finalize(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

func (u *postgresUpload) Abort(ctx context.Context) error {
	return u.tx.Rollback(ctx)
}

func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		// Class 08 connection failures, 53 resource shortage, 40001/40P01
		// serialization and deadlocks all clear up on retry.
		case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"),
			code == "40001", code == "40P01", code == "57014":
			return transient(KindPostgres, code, err)
		// Class 42 (insufficient_privilege, undefined_table, syntax), 28
		// auth, 22 bad data and 23 constraint violations are user/config
		// errors that retrying cannot fix.
		case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "28"),
			strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"),
			code == "3D000":
			return permanent(KindPostgres, code, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transient(KindPostgres, "net timeout", err)
	}
	return err
}
