package consumer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"batchbridge/internal/batch"
	"batchbridge/internal/destination"
)

// encoder serializes records into a destination's wire format. Records
// accumulate in an internal buffer that the consumer drains into upload
// parts; closeFile emits any file-level framing (the Parquet footer).
type encoder interface {
	appendRecord(rec batch.Record) error
	// take returns and clears the bytes buffered so far.
	take() ([]byte, error)
	// buffered reports how many bytes take would produce, at least
	// approximately: formats that compress may report the pre-compression
	// size, so size triggers fire early rather than never.
	buffered() int
	// closeFile finishes the current file and returns its trailing bytes.
	// The encoder is reusable for the next file afterwards.
	closeFile() ([]byte, error)
	ext() string
}

func newEncoder(format destination.Format) (encoder, error) {
	switch format {
	case destination.FormatJSONLines:
		return &jsonlEncoder{}, nil
	case destination.FormatParquet:
		return newParquetEncoder(), nil
	default:
		return nil, fmt.Errorf("unknown serialization format %q", format)
	}
}

func encodeManifest(m Manifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

type jsonlEncoder struct {
	buf bytes.Buffer
}

func (e *jsonlEncoder) appendRecord(rec batch.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	e.buf.Write(data)
	e.buf.WriteByte('\n')
	return nil
}

func (e *jsonlEncoder) take() ([]byte, error) {
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	e.buf.Reset()
	return out, nil
}

func (e *jsonlEncoder) buffered() int { return e.buf.Len() }

func (e *jsonlEncoder) closeFile() ([]byte, error) { return e.take() }

func (e *jsonlEncoder) ext() string { return "jsonl" }

// parquetRow mirrors the staging schema: ordering column plus the full row
// as JSON, keeping open-ended property maps out of the Parquet schema.
type parquetRow struct {
	InsertedAt int64  `parquet:"inserted_at"`
	Payload    string `parquet:"payload"`
}

type parquetEncoder struct {
	buf    bytes.Buffer
	writer *parquet.GenericWriter[parquetRow]
	rows   int
	// pending is the raw size of rows handed to the writer but not yet
	// flushed into buf. The writer holds them in column buffers, so
	// buf.Len() alone would undercount until a flush.
	pending int
}

func newParquetEncoder() *parquetEncoder {
	e := &parquetEncoder{}
	e.writer = parquet.NewGenericWriter[parquetRow](&e.buf)
	return e
}

func (e *parquetEncoder) appendRecord(rec batch.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	row := parquetRow{InsertedAt: rec.InsertedAt().UnixNano(), Payload: string(payload)}
	if _, err := e.writer.Write([]parquetRow{row}); err != nil {
		return fmt.Errorf("write parquet row: %w", err)
	}
	e.rows++
	e.pending += len(payload) + 8
	return nil
}

func (e *parquetEncoder) take() ([]byte, error) {
	// Force buffered rows into the output so chunked parts make progress.
	if err := e.writer.Flush(); err != nil {
		return nil, fmt.Errorf("flush parquet rows: %w", err)
	}
	e.pending = 0
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	e.buf.Reset()
	return out, nil
}

func (e *parquetEncoder) buffered() int { return e.buf.Len() + e.pending }

func (e *parquetEncoder) closeFile() ([]byte, error) {
	if err := e.writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet file: %w", err)
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	e.buf.Reset()
	e.writer = parquet.NewGenericWriter[parquetRow](&e.buf)
	e.rows = 0
	e.pending = 0
	return out, nil
}

func (e *parquetEncoder) ext() string { return "parquet" }
