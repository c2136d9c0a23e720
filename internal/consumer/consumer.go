// Package consumer drains a run's record batch queue and uploads the data
// to a destination in size-bounded files, with retried chunked transfers
// and resumable progress checkpoints.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"batchbridge/internal/batch"
	"batchbridge/internal/destination"
	"batchbridge/internal/retry"
)

// Config tunes one consumer run.
type Config struct {
	// MaxFileSizeBytes splits output into multiple files once a file would
	// grow past this size. Zero means a single file.
	MaxFileSizeBytes int64
	// UploadChunkSizeBytes is the part size for chunked transfers.
	UploadChunkSizeBytes int64
	// Workers bounds the concurrent part uploads per run.
	Workers int
}

const (
	defaultChunkSize = 8 << 20
	defaultWorkers   = 4
)

func (c Config) withDefaults() Config {
	if c.UploadChunkSizeBytes <= 0 {
		c.UploadChunkSizeBytes = defaultChunkSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	return c
}

// Heartbeat is the progress checkpoint persisted at file boundaries. Only
// committed (finalized) data advances it, so a retry resuming from the
// checkpoint can never skip rows that were lost with an aborted upload.
type Heartbeat struct {
	LastInsertedAt   time.Time `json:"last_inserted_at"`
	RecordsCompleted int64     `json:"records_completed"`
	BytesExported    int64     `json:"bytes_exported"`
	Files            []string  `json:"files"`
}

// HeartbeatSaver persists checkpoints. Saving is an optimization: failures
// are logged, never fatal.
type HeartbeatSaver interface {
	SaveHeartbeat(ctx context.Context, hb Heartbeat) error
}

// Manifest records the set of files one run produced, so downstream
// consumers know to read a file set rather than a single object.
type Manifest struct {
	GeneratedAt time.Time `json:"generated_at"`
	Files       []string  `json:"files"`
}

// Result is the consumer's terminal accounting for a run.
type Result struct {
	RecordsCompleted int64
	BytesExported    int64
	Files            []string
	Manifest         Manifest
}

// Consumer uploads a run's record batches to one destination.
type Consumer struct {
	Dest       destination.Destination
	Cfg        Config
	Heartbeats HeartbeatSaver
	Log        *zap.SugaredLogger
}

// fileState is the in-progress output file.
type fileState struct {
	upload       destination.Upload
	name         string
	nextPart     int
	rows         int64
	bytesFlushed int64
	lastInserted time.Time
	wg           sync.WaitGroup
}

// Run drains the queue until end of stream or failure. keyPrefix prefixes
// every produced object key. resume, when non-nil, is the checkpoint from a
// previous attempt of the same run: rows strictly before its ordering value
// are skipped (equal values are re-uploaded, preserving at-least-once).
func (c *Consumer) Run(ctx context.Context, q *batch.Queue, keyPrefix string, resume *Heartbeat) (Result, error) {
	cfg := c.Cfg.withDefaults()

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return Result{}, fmt.Errorf("part upload pool: %w", err)
	}
	defer pool.Release()

	enc, err := newEncoder(c.Dest.Format())
	if err != nil {
		return Result{}, err
	}

	st := &runState{
		consumer:  c,
		cfg:       cfg,
		pool:      pool,
		enc:       enc,
		keyPrefix: keyPrefix,
	}
	if resume != nil {
		st.hb = *resume
		st.result.RecordsCompleted = resume.RecordsCompleted
		st.result.BytesExported = resume.BytesExported
		st.result.Files = append(st.result.Files, resume.Files...)
		st.fileIndex = len(resume.Files)
	}

	res, err := st.drain(ctx, q)
	if err != nil {
		st.abort(ctx)
		return res, err
	}
	return res, nil
}

type runState struct {
	consumer  *Consumer
	cfg       Config
	pool      *ants.Pool
	enc       encoder
	keyPrefix string

	cur       *fileState
	fileIndex int
	hb        Heartbeat
	result    Result

	errMu    sync.Mutex
	firstErr error
}

func (st *runState) drain(ctx context.Context, q *batch.Queue) (Result, error) {
	c := st.consumer
	for {
		// Chunk boundary: honor cancellation and surface part failures
		// before asking for more work.
		if err := ctx.Err(); err != nil {
			return st.result, err
		}
		if err := st.partErr(); err != nil {
			return st.result, err
		}

		b, err := q.Pop(ctx)
		if err != nil {
			return st.result, err
		}
		if b == nil {
			break
		}
		if err := st.consumeBatch(ctx, b); err != nil {
			return st.result, err
		}
	}

	if err := st.finishFile(ctx); err != nil {
		return st.result, err
	}
	if err := st.writeManifest(ctx); err != nil {
		return st.result, err
	}
	c.Log.Infow("upload consumer finished",
		"records", st.result.RecordsCompleted, "bytes", st.result.BytesExported, "files", len(st.result.Files))
	return st.result, nil
}

func (st *runState) consumeBatch(ctx context.Context, b *batch.Batch) error {
	for _, rec := range b.Records {
		insertedAt := rec.InsertedAt()
		if !st.hb.LastInsertedAt.IsZero() && insertedAt.Before(st.hb.LastInsertedAt) {
			continue
		}
		if err := st.openFileIfNeeded(ctx); err != nil {
			return err
		}
		if err := st.enc.appendRecord(rec); err != nil {
			return err
		}
		st.cur.rows++
		st.result.RecordsCompleted++
		if insertedAt.After(st.cur.lastInserted) {
			st.cur.lastInserted = insertedAt
		}

		if int64(st.enc.buffered()) >= st.cfg.UploadChunkSizeBytes {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := st.enc.take()
			if err != nil {
				return err
			}
			if err := st.flushPart(ctx, data); err != nil {
				return err
			}
		}
		if st.cfg.MaxFileSizeBytes > 0 && st.cur.bytesFlushed+int64(st.enc.buffered()) >= st.cfg.MaxFileSizeBytes {
			if err := st.finishFile(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (st *runState) openFileIfNeeded(ctx context.Context) error {
	if st.cur != nil {
		return nil
	}
	name := fmt.Sprintf("%s%06d.%s", st.keyPrefix, st.fileIndex, st.enc.ext())
	up, err := st.consumer.Dest.Open(ctx, name)
	if err != nil {
		return err
	}
	st.cur = &fileState{upload: up, name: name}
	st.fileIndex++
	return nil
}

// flushPart hands one part to the bounded pool. Ordering at the destination
// is preserved by part index, not completion order.
func (st *runState) flushPart(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	file := st.cur
	index := file.nextPart
	file.nextPart++
	file.bytesFlushed += int64(len(data))
	st.result.BytesExported += int64(len(data))

	file.wg.Add(1)
	err := st.pool.Submit(func() {
		defer file.wg.Done()
		_, err := retry.Do(ctx, retry.Config{RetryIf: destination.IsTransient}, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, file.upload.UploadPart(ctx, index, data)
		})
		if err != nil {
			st.recordErr(err)
		}
	})
	if err != nil {
		file.wg.Done()
		return fmt.Errorf("submit part upload: %w", err)
	}
	return nil
}

// finishFile flushes the encoder's trailing bytes, waits for the file's
// parts, finalizes the upload and checkpoints the committed progress.
func (st *runState) finishFile(ctx context.Context) error {
	if st.cur == nil {
		return nil
	}
	tail, err := st.enc.closeFile()
	if err != nil {
		return err
	}
	if err := st.flushPart(ctx, tail); err != nil {
		return err
	}
	file := st.cur
	file.wg.Wait()
	if err := st.partErr(); err != nil {
		return err
	}
	if _, err := retry.Do(ctx, retry.Config{RetryIf: destination.IsTransient}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, file.upload.Finalize(ctx)
	}); err != nil {
		return err
	}

	st.result.Files = append(st.result.Files, file.name)
	if file.lastInserted.After(st.hb.LastInsertedAt) {
		st.hb.LastInsertedAt = file.lastInserted
	}
	st.hb.RecordsCompleted = st.result.RecordsCompleted
	st.hb.BytesExported = st.result.BytesExported
	st.hb.Files = append([]string(nil), st.result.Files...)
	st.saveHeartbeat(ctx)
	st.cur = nil
	return nil
}

func (st *runState) writeManifest(ctx context.Context) error {
	st.result.Manifest = Manifest{GeneratedAt: time.Now().UTC(), Files: st.result.Files}
	if len(st.result.Files) <= 1 {
		return nil
	}
	data, err := encodeManifest(st.result.Manifest)
	if err != nil {
		return err
	}
	up, err := st.consumer.Dest.Open(ctx, st.keyPrefix+"manifest.json")
	if err != nil {
		return err
	}
	if _, err := retry.Do(ctx, retry.Config{RetryIf: destination.IsTransient}, func(ctx context.Context) (struct{}, error) {
		if err := up.UploadPart(ctx, 0, data); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, up.Finalize(ctx)
	}); err != nil {
		return err
	}
	return nil
}

func (st *runState) saveHeartbeat(ctx context.Context) {
	if st.consumer.Heartbeats == nil {
		return
	}
	if err := st.consumer.Heartbeats.SaveHeartbeat(ctx, st.hb); err != nil {
		st.consumer.Log.Warnw("heartbeat save failed", "error", err)
	}
}

// abort abandons the in-progress upload. Partial files were never visible
// at the destination; cleanup of already-staged parts is best effort.
func (st *runState) abort(ctx context.Context) {
	if st.cur == nil {
		return
	}
	st.cur.wg.Wait()
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := st.cur.upload.Abort(abortCtx); err != nil {
		st.consumer.Log.Warnw("upload abort failed", "file", st.cur.name, "error", err)
	}
	st.cur = nil
}

func (st *runState) recordErr(err error) {
	st.errMu.Lock()
	if st.firstErr == nil {
		st.firstErr = err
	}
	st.errMu.Unlock()
}

func (st *runState) partErr() error {
	st.errMu.Lock()
	defer st.errMu.Unlock()
	return st.firstErr
}
