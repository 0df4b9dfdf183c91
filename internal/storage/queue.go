package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrStoreClosed is returned for writes submitted after Close.
var ErrStoreClosed = errors.New("storage: write queue closed")

// writeQueue serializes all mutating statements through one goroutine.
// Each submitted function runs inside its own IMMEDIATE transaction;
// at most one write transaction is in flight per process, which keeps
// the SQLite engine out of "database is locked" territory entirely.
type writeQueue struct {
	db   *sql.DB
	ops  chan writeOp
	log  zerolog.Logger
	wg   sync.WaitGroup
	mu   sync.Mutex
	done bool
}

type writeOp struct {
	ctx  context.Context
	fn   func(tx *sql.Tx) error
	resp chan error
}

const writeQueueDepth = 256

func newWriteQueue(db *sql.DB, log zerolog.Logger) *writeQueue {
	q := &writeQueue{
		db:  db,
		ops: make(chan writeOp, writeQueueDepth),
		log: log,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *writeQueue) run() {
	defer q.wg.Done()
	for op := range q.ops {
		op.resp <- q.execute(op.ctx, op.fn)
	}
}

func (q *writeQueue) execute(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			q.log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write transaction: %w", err)
	}
	return nil
}

// submit enqueues fn and blocks until it has run (or ctx is done
// before it was enqueued).
func (q *writeQueue) submit(ctx context.Context, fn func(tx *sql.Tx) error) error {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return ErrStoreClosed
	}
	op := writeOp{ctx: ctx, fn: fn, resp: make(chan error, 1)}
	q.ops <- op
	q.mu.Unlock()

	return <-op.resp
}

// close drains pending writes and stops the worker.
func (q *writeQueue) close() {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return
	}
	q.done = true
	close(q.ops)
	q.mu.Unlock()

	q.wg.Wait()
}

// write runs fn inside a serialized IMMEDIATE transaction.
func (s *SQLiteStore) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.queue.submit(ctx, fn)
}
