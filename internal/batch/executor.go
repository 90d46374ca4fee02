// Package batch delivers planned operations to the remote store in
// fixed-size chunks, requeues the unacknowledged tail of a short
// response, and refreshes the vault snapshot once the queue drains.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	vierrors "github.com/alexjbarnes/vault-import/internal/errors"
	"github.com/alexjbarnes/vault-import/internal/reconcile"
	"github.com/alexjbarnes/vault-import/internal/snapshot"
	"golang.org/x/time/rate"
)

//go:generate mockgen -source=executor.go -destination=mock_executor_test.go -package=batch

// DefaultChunkSize is the number of operations submitted per request.
const DefaultChunkSize = 100

// StatusSuccess is the result string of an accepted request or operation.
const StatusSuccess = "success"

// Result is the server's verdict on one operation of a chunk.
type Result struct {
	Status  string
	Message string
}

// Response is the server's reply to one chunk. Results are positional:
// the i-th result belongs to the i-th submitted operation.
type Response struct {
	Status  string
	Message string
	Results []Result
}

// Submitter sends one chunk of operations to the remote store.
type Submitter interface {
	Execute(ctx context.Context, ops []reconcile.Operation) (*Response, error)
}

// Refresher fetches a new vault snapshot.
type Refresher interface {
	Refresh(ctx context.Context) (*snapshot.Snapshot, error)
}

// Outcome classifies the reply to one chunk. The set is closed:
// Applied, PartiallyApplied and TransportFailed.
type Outcome interface {
	isOutcome()
}

// Applied means every operation in the chunk was acknowledged. Failed
// counts acknowledged operations the server rejected.
type Applied struct {
	Acknowledged int
	Failed       int
}

// PartiallyApplied means the server acknowledged only a prefix of the
// chunk. Remaining is the unacknowledged tail in submission order.
type PartiallyApplied struct {
	Acknowledged int
	Failed       int
	Remaining    []reconcile.Operation
}

// TransportFailed means the chunk could not be delivered or the reply
// was unusable. Its operations are dropped.
type TransportFailed struct {
	Err error
}

func (Applied) isOutcome()          {}
func (PartiallyApplied) isOutcome() {}
func (TransportFailed) isOutcome()  {}

// Classify maps the reply to a submitted chunk onto an Outcome.
func Classify(chunk []reconcile.Operation, resp *Response, err error) Outcome {
	if err != nil {
		return TransportFailed{Err: err}
	}

	if resp == nil {
		return TransportFailed{Err: fmt.Errorf("empty response: %w", vierrors.ErrAPIResponse)}
	}

	if resp.Status != StatusSuccess {
		return TransportFailed{Err: fmt.Errorf("request status %q: %s: %w", resp.Status, resp.Message, vierrors.ErrAPIResponse)}
	}

	acked := min(len(resp.Results), len(chunk))
	if acked == 0 {
		return TransportFailed{Err: fmt.Errorf("no per-operation results: %w", vierrors.ErrAPIResponse)}
	}

	failed := 0

	for _, r := range resp.Results[:acked] {
		if r.Status != StatusSuccess {
			failed++
		}
	}

	if acked < len(chunk) {
		return PartiallyApplied{Acknowledged: acked, Failed: failed, Remaining: chunk[acked:]}
	}

	return Applied{Acknowledged: acked, Failed: failed}
}

// Requeue returns the queue to continue with after an outcome: a
// partially applied chunk's tail goes back to the front, ahead of any
// later chunk.
func Requeue(queue []reconcile.Operation, out Outcome) []reconcile.Operation {
	switch o := out.(type) {
	case PartiallyApplied:
		next := make([]reconcile.Operation, 0, len(o.Remaining)+len(queue))
		next = append(next, o.Remaining...)

		return append(next, queue...)
	case Applied, TransportFailed:
		return queue
	default:
		panic(fmt.Sprintf("batch: unknown outcome %T", out))
	}
}

// Stats summarizes one executor run.
type Stats struct {
	Chunks   int `json:"chunks"`
	Applied  int `json:"applied"`
	Failed   int `json:"failed"`
	Requeued int `json:"requeued"`
	Dropped  int `json:"dropped"`
}

// Add accumulates another run's stats.
func (s *Stats) Add(o Stats) {
	s.Chunks += o.Chunks
	s.Applied += o.Applied
	s.Failed += o.Failed
	s.Requeued += o.Requeued
	s.Dropped += o.Dropped
}

// Executor drains an operation queue through a Submitter.
type Executor struct {
	submitter Submitter
	refresher Refresher
	logger    *slog.Logger
	chunkSize int
	limiter   *rate.Limiter
}

// Option configures an Executor.
type Option func(*Executor)

// WithChunkSize sets the number of operations per request. Values below
// one are ignored.
func WithChunkSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithRateLimit throttles chunk submissions to perSecond requests with
// the given burst. A non-positive rate leaves submissions unthrottled.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Executor) {
		if perSecond <= 0 {
			e.limiter = nil
			return
		}

		e.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// NewExecutor creates an executor with the default chunk size and no
// throttling.
func NewExecutor(sub Submitter, ref Refresher, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		submitter: sub,
		refresher: ref,
		logger:    logger,
		chunkSize: DefaultChunkSize,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run submits ops in chunks until the queue is empty, then fetches a
// fresh snapshot. Operations are never cancelled mid-chunk; a cancelled
// context stops the run between chunks and the returned error reports it.
func (e *Executor) Run(ctx context.Context, ops []reconcile.Operation) (Stats, *snapshot.Snapshot, error) {
	var stats Stats

	queue := append([]reconcile.Operation(nil), ops...)
	start := time.Now()

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return stats, nil, fmt.Errorf("executing batch: %w", err)
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return stats, nil, fmt.Errorf("waiting for rate limiter: %w", err)
			}
		}

		n := min(e.chunkSize, len(queue))
		chunk := queue[:n]
		queue = queue[n:]

		resp, err := e.submitter.Execute(ctx, chunk)
		out := Classify(chunk, resp, err)
		stats.Chunks++

		switch o := out.(type) {
		case Applied:
			stats.Applied += o.Acknowledged - o.Failed
			stats.Failed += o.Failed
			e.logRejections(chunk, resp)
		case PartiallyApplied:
			stats.Applied += o.Acknowledged - o.Failed
			stats.Failed += o.Failed
			stats.Requeued += len(o.Remaining)
			e.logRejections(chunk, resp)
			e.logger.Info("partial batch response, requeueing tail",
				slog.Int("acknowledged", o.Acknowledged),
				slog.Int("requeued", len(o.Remaining)),
			)
		case TransportFailed:
			stats.Dropped += len(chunk)
			e.logger.Error("batch dropped",
				slog.Int("operations", len(chunk)),
				slog.Bool("transient", vierrors.IsTransient(o.Err)),
				slog.String("error", o.Err.Error()),
			)
		}

		queue = Requeue(queue, out)
	}

	if stats.Chunks > 0 {
		e.logger.Info("batch drained",
			slog.Int("chunks", stats.Chunks),
			slog.Int("applied", stats.Applied),
			slog.Int("failed", stats.Failed),
			slog.Int("dropped", stats.Dropped),
			slog.Duration("elapsed", time.Since(start)),
		)
	}

	snap, err := e.refresher.Refresh(ctx)
	if err != nil {
		return stats, nil, fmt.Errorf("refreshing snapshot: %w", err)
	}

	return stats, snap, nil
}

func (e *Executor) logRejections(chunk []reconcile.Operation, resp *Response) {
	for i, r := range resp.Results {
		if i >= len(chunk) {
			break
		}

		if r.Status != StatusSuccess {
			e.logger.Warn("operation rejected",
				slog.String("command", chunk[i].Command()),
				slog.String("status", r.Status),
				slog.String("message", r.Message),
			)
		}
	}
}
