package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"finsync/internal/queue"
)

// JobChannel is the NOTIFY channel carrying the queue name of each new job.
const JobChannel = "finsync_jobs"

const pendingDedupIndex = "jobs_pending_dedup"

// enqueueAttempts bounds the insert when a conflicting pending job is
// claimed before it can be read back.
const enqueueAttempts = 2

// JobBroker implements queue.Broker on the jobs table. Claims use
// FOR UPDATE SKIP LOCKED so any number of workers can share a queue.
type JobBroker struct {
	db *DB
}

func NewJobBroker(db *DB) *JobBroker {
	return &JobBroker{db: db}
}

var _ queue.Broker = (*JobBroker)(nil)

const jobColumns = `
	id, queue, type, payload, status, attempts, max_attempts, run_at,
	COALESCE(dedup_key, ''), last_error, created_at, updated_at`

func scanJob(row rowScanner) (*queue.Job, error) {
	var j queue.Job
	var status string
	var payload []byte

	err := row.Scan(
		&j.ID, &j.Queue, &j.Type, &payload, &status, &j.Attempts, &j.MaxAttempts, &j.RunAt,
		&j.DedupKey, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = queue.Status(status)
	j.Payload = payload
	return &j, nil
}

// Enqueue inserts job and notifies listeners in the same transaction, so the
// wakeup is only delivered once the row is visible.
func (b *JobBroker) Enqueue(ctx context.Context, job *queue.Job) (*queue.Job, error) {
	insert := `
		INSERT INTO jobs (id, queue, type, payload, status, max_attempts, run_at, dedup_key)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7)
		ON CONFLICT (queue, dedup_key) WHERE status = 'pending' AND dedup_key IS NOT NULL DO NOTHING
		RETURNING ` + jobColumns

	var stored *queue.Job
	err := b.db.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		for attempt := 1; ; attempt++ {
			var err error
			stored, err = scanJob(tx.QueryRowContext(ctx, insert,
				job.ID, job.Queue, job.Type, []byte(job.Payload), job.MaxAttempts, job.RunAt, nullString(job.DedupKey),
			))
			if err == nil {
				_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, JobChannel, job.Queue)
				return err
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}

			// Coalesced into the pending job holding the same dedup key.
			stored, err = scanJob(tx.QueryRowContext(ctx,
				`SELECT `+jobColumns+` FROM jobs WHERE queue = $1 AND dedup_key = $2 AND status = 'pending'`,
				job.Queue, job.DedupKey,
			))
			// The duplicate can be claimed between the two statements.
			if errors.Is(err, sql.ErrNoRows) && attempt < enqueueAttempts {
				continue
			}
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return stored, nil
}

func (b *JobBroker) Claim(ctx context.Context, queueName, owner string) (*queue.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, locked_by = $2, locked_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = 'pending' AND run_at <= NOW()
			ORDER BY run_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(b.db.QueryRowContext(ctx, query, queueName, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

func (b *JobBroker) exec(ctx context.Context, query string, args ...any) error {
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

func (b *JobBroker) Complete(ctx context.Context, id string) error {
	err := b.exec(ctx, `
		UPDATE jobs SET status = 'done', locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

// Retry puts the job back to pending at runAt. When an identical job was
// enqueued while this one ran, the retry is folded into it.
func (b *JobBroker) Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	err := b.exec(ctx, `
		UPDATE jobs
		SET status = 'pending', run_at = $2, last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, runAt, lastErr)
	if isUniqueViolation(err, pendingDedupIndex) {
		err = b.exec(ctx, `
			UPDATE jobs
			SET status = 'done', last_error = $2, locked_by = NULL, locked_at = NULL, updated_at = NOW()
			WHERE id = $1
		`, id, "coalesced into pending job: "+lastErr)
	}
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", id, err)
	}
	return nil
}

func (b *JobBroker) DeadLetter(ctx context.Context, id string, lastErr string) error {
	err := b.exec(ctx, `
		UPDATE jobs
		SET status = 'dead', last_error = $2, locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, lastErr)
	if err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", id, err)
	}
	return nil
}

// RequeueStale returns running jobs whose lock is older than olderThan to
// pending. Jobs whose dedup key is already pending again are left alone.
func (b *JobBroker) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs j
		SET status = 'pending', run_at = NOW(), locked_by = NULL, locked_at = NULL,
		    last_error = 'lock expired', updated_at = NOW()
		WHERE j.status = 'running'
		  AND j.locked_at < NOW() - make_interval(secs => $1)
		  AND NOT EXISTS (
			SELECT 1 FROM jobs p
			WHERE p.queue = j.queue AND p.dedup_key = j.dedup_key AND p.status = 'pending'
		  )
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// RequeueDead gives dead jobs on queueName a fresh set of attempts. The dedup
// key is cleared since several dead jobs may share one.
func (b *JobBroker) RequeueDead(ctx context.Context, queueName string) (int64, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = 0, run_at = NOW(), dedup_key = NULL, updated_at = NOW()
		WHERE queue = $1 AND status = 'dead'
	`, queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue dead jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, JobChannel, queueName); err != nil {
			return n, fmt.Errorf("failed to notify listeners: %w", err)
		}
	}
	return n, nil
}

// PurgeFinished deletes done jobs last updated before cutoff.
func (b *JobBroker) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM jobs WHERE status = 'done' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge finished jobs: %w", err)
	}
	return res.RowsAffected()
}
