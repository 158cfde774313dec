package batch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"inactive-user-deauth/internal/models"
)

// TxRunner is the retrying transactional executor. It re-invokes work from
// scratch for every physical attempt and rolls back all mutations of a failed
// attempt.
type TxRunner interface {
	RunInTransaction(ctx context.Context, readOnly, requiresNew bool, work func(ctx context.Context) error) error
}

// Worker processes one work item at a time inside transactional batches.
type Worker interface {
	BeforeProcess(ctx context.Context) (context.Context, error)
	Process(ctx context.Context, c *models.DeauthorizationCandidate) error
	AfterProcess(ctx context.Context) error
	Identifier(c *models.DeauthorizationCandidate) string
}

// Processor drives a worker across an ordered work list, grouping items into
// per-batch transactions.
//
// The apply stage deliberately runs single-threaded: the authorization
// collaborator shows update conflicts and inconsistent state under concurrent
// mutation, so all mutation is serialized here. Do not parallelize this loop.
type Processor struct {
	name            string
	tx              TxRunner
	batchSize       int
	loggingInterval int
	log             logrus.FieldLogger
}

func NewProcessor(name string, tx TxRunner, batchSize, loggingInterval int, log logrus.FieldLogger) *Processor {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Processor{
		name:            name,
		tx:              tx,
		batchSize:       batchSize,
		loggingInterval: loggingInterval,
		log:             log,
	}
}

// Process handles all items in the order supplied; no reordering, no skipping
// beyond what the worker's state machine decides. Each batch runs in its own
// transaction; a failed item aborts the current attempt and the executor
// retries that attempt, not the whole run. An error is returned only once the
// executor gives up on a batch, at which point remaining items are untouched.
func (p *Processor) Process(ctx context.Context, w Worker, items []*models.DeauthorizationCandidate) error {
	processed := 0
	for start := 0; start < len(items); start += p.batchSize {
		end := start + p.batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		err := p.tx.RunInTransaction(ctx, false, true, func(txCtx context.Context) error {
			// fresh resource scope per physical attempt
			txCtx = newAttemptContext(txCtx)
			txCtx, err := w.BeforeProcess(txCtx)
			if err != nil {
				return fmt.Errorf("before process: %w", err)
			}
			for _, item := range batch {
				if err := w.Process(txCtx, item); err != nil {
					p.log.WithFields(logrus.Fields{
						"batch":    p.name,
						"username": w.Identifier(item),
					}).WithError(err).Warn("item failed, aborting transaction attempt")
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("batch %q: %w", p.name, err)
		}
		// the batch committed; fold attempt counters forward
		if err := w.AfterProcess(ctx); err != nil {
			return fmt.Errorf("after process: %w", err)
		}

		before := processed
		processed += len(batch)
		if p.loggingInterval > 0 && before/p.loggingInterval != processed/p.loggingInterval {
			p.log.WithFields(logrus.Fields{"batch": p.name, "processed": processed, "total": len(items)}).Info("batch progress")
		}
	}
	return nil
}
