package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"mp4decrypt-go/pkg/crypto"
	"mp4decrypt-go/pkg/interfaces"
	"mp4decrypt-go/pkg/logging"
	"mp4decrypt-go/pkg/types"
)

var _ interfaces.Decrypter = (*DecryptService)(nil)

// DecryptService runs decryptions off the caller's goroutine on a bounded
// pool of workers.
type DecryptService struct {
	log     *logging.Logger
	sem     *semaphore.Weighted
	workers int

	active    atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	bytesOut  atomic.Uint64
}

// NewDecryptService creates a service running at most workers decryptions
// at a time.
func NewDecryptService(log *logging.Logger, workers int) *DecryptService {
	if workers < 1 {
		workers = 1
	}
	return &DecryptService{
		log:     log.WithComponent("decrypt-service"),
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
	}
}

// Job is one submitted decryption. Its result is available once Done is
// closed.
type Job struct {
	ID string

	done   chan struct{}
	result []byte
	err    error
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx is done. The returned buffer is
// owned by the caller.
func (j *Job) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Callback receives the outcome of a job. It is called exactly once, from
// the worker goroutine, before Done is closed. It must not Wait on its own
// job.
type Callback func(output []byte, err error)

// Submit schedules the decryption of input with hex key id -> hex key pairs
// and returns immediately. A context cancelled before a worker picks the job
// up fails it with the context error; once started, a decryption runs to
// completion. input must not be modified until the job is done.
func (s *DecryptService) Submit(ctx context.Context, input []byte, pairs map[string]string, cb Callback) *Job {
	job := &Job{ID: uuid.NewString(), done: make(chan struct{})}
	log := s.log.With("job_id", job.ID)

	var once sync.Once
	finish := func(out []byte, err error) {
		once.Do(func() {
			job.result, job.err = out, err
			if cb != nil {
				cb(out, err)
			}
			close(job.done)
		})
	}

	go func() {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.failed.Add(1)
			log.Debug("job cancelled before start", "error", err)
			finish(nil, err)
			return
		}
		defer s.sem.Release(1)

		s.active.Add(1)
		defer s.active.Add(-1)

		start := time.Now()
		out, err := s.run(input, pairs, log)
		if err != nil {
			s.failed.Add(1)
			log.WithDuration(time.Since(start)).WithError(err).Debug("job failed")
			finish(nil, err)
			return
		}
		s.completed.Add(1)
		s.bytesOut.Add(uint64(len(out)))
		log.WithDuration(time.Since(start)).WithSize("size", len(out)).Debug("job done")
		finish(out, nil)
	}()

	return job
}

func (s *DecryptService) run(input []byte, pairs map[string]string, log *logging.Logger) ([]byte, error) {
	keys, err := crypto.NewKeyMap(pairs)
	if err != nil {
		return nil, err
	}
	return crypto.NewMP4Decrypter(keys, crypto.WithLogger(log)).Decrypt(input)
}

// Decrypt submits req and waits for its result.
func (s *DecryptService) Decrypt(ctx context.Context, req *types.DecryptRequest) ([]byte, error) {
	return s.Submit(ctx, req.Input, req.Keys, nil).Wait(ctx)
}

// DecryptAll decrypts every input with the same keys. It stops at the first
// failure and returns outputs in input order.
func (s *DecryptService) DecryptAll(ctx context.Context, inputs [][]byte, pairs map[string]string) ([][]byte, error) {
	outputs := make([][]byte, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, input := range inputs {
		i, input := i, input
		g.Go(func() error {
			out, err := s.Submit(gctx, input, pairs, nil).Wait(gctx)
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// Stats returns the current worker pool counters.
func (s *DecryptService) Stats() types.DecryptStats {
	return types.DecryptStats{
		Workers:   s.workers,
		Active:    s.active.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		BytesOut:  s.bytesOut.Load(),
	}
}
