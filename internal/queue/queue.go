// Package queue implements the durable, encrypted job queue (§4.5). Jobs
// survive a process restart, are deduplicated by dedup_key while active, and
// are leased to workers with a bounded TTL so a crashed worker's job becomes
// re-leasable instead of stuck forever.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/appetiteclub/printerd/internal/model"
)

// ErrDuplicate is returned by Enqueue when an active job already carries
// the same dedup_key (§8 property 2: at-most-once enqueue per order+group).
var ErrDuplicate = errors.New("queue: duplicate dedup_key for an active job")

// ErrNotFound is returned by operations addressing a job id that doesn't
// exist or is no longer in the expected state.
var ErrNotFound = errors.New("queue: job not found")

// ErrCorrupted marks the §7 "Queue" Corrupted error kind: the on-disk
// database file is unreadable as sqlite, which is fatal — the supervisor
// exits non-zero (§6 exit code 64) rather than risk silently dropping jobs.
var ErrCorrupted = errors.New("queue: database file is corrupted")

const (
	defaultLeaseTTL    = 60 * time.Second
	backoffBase        = 2 * time.Second
	backoffCap         = 5 * time.Minute
	backoffJitterRatio = 0.20
)

// Queue is the sqlite-backed job store for one restaurant's printer daemon.
type Queue struct {
	db     *sql.DB
	seal   *sealer
	now    func() time.Time
	rand   func() float64
	notify chan struct{} // buffered(1) "work may be available" signal

	mu     sync.Mutex
	closed bool
}

// Options configures Open.
type Options struct {
	// Path is the sqlite database file. SaltPath defaults to Path+".salt".
	Path       string
	SaltPath   string
	Passphrase string
}

// Open opens or creates the queue database at opts.Path, deriving its
// encryption key from opts.Passphrase via PBKDF2 (§4.5).
func Open(ctx context.Context, opts Options) (*Queue, error) {
	saltPath := opts.SaltPath
	if saltPath == "" {
		saltPath = opts.Path + ".salt"
	}
	key, err := deriveKey(opts.Passphrase, saltPath)
	if err != nil {
		return nil, err
	}
	seal, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	db, err := openDB(ctx, opts.Path)
	if err != nil {
		if isCorruption(err) {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return nil, err
	}
	return &Queue{
		db:     db,
		seal:   seal,
		now:    time.Now,
		rand:   rand.Float64,
		notify: make(chan struct{}, 1),
	}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.db.Close()
}

// Notify returns a channel that receives a value whenever a job becomes
// ready (freshly enqueued, retried, or its lease expired). Dispatcher
// workers select on this instead of polling tightly.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// payload is the part of a Job that isn't promoted to its own column; it is
// JSON-encoded then sealed before being written to the payload BLOB.
type payload struct {
	Items     []model.OrderItem `json:"items"`
	OrderType model.OrderType   `json:"order_type"`
	Table     string            `json:"table"`
}

// Enqueue inserts a new job. If an active (non-terminal) job already shares
// job.DedupKey, Enqueue returns ErrDuplicate and the existing job is left
// untouched — the caller (router/realtime ingress) treats this as the
// idempotent "already accepted" case.
func (q *Queue) Enqueue(ctx context.Context, job model.Job) error {
	p := payload{Items: job.Items, OrderType: job.OrderType, Table: job.Table}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	sealed, err := q.seal.Seal(raw)
	if err != nil {
		return fmt.Errorf("seal job payload: %w", err)
	}

	now := q.now().UnixMilli()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, dedup_key, group_id, order_id, order_number, printer_id,
			payload, priority, status, attempts, next_attempt_at, leased_until,
			created_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?, ?)`,
		job.JobID, job.DedupKey, job.GroupID, job.OrderID, job.OrderNumber, job.PrinterID,
		sealed, job.Priority, string(job.Status), job.NextAttemptAt.UnixMilli(),
		now, now, job.LastError,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert job: %w", err)
	}
	if job.Status == model.JobPending {
		q.wake()
	}
	return nil
}

// Lease atomically claims up to limit pending jobs for groupID whose
// next_attempt_at has passed, marks them in_flight, and sets their lease
// deadline. Printer selection among a group's assigned printers happens in
// the dispatcher; Lease only hands back jobs, not printers.
func (q *Queue) Lease(ctx context.Context, groupID string, limit int, ttl time.Duration) ([]model.Job, error) {
	return q.LeaseForGroups(ctx, []string{groupID}, limit, ttl)
}

// LeaseForGroups atomically claims up to limit pending jobs across any of
// groupIDs whose next_attempt_at has passed. A printer assigned to several
// routing groups (§3: "a printer may appear in multiple groups") uses this
// from its single worker so it never races itself across per-group workers.
func (q *Queue) LeaseForGroups(ctx context.Context, groupIDs []string, limit int, ttl time.Duration) ([]model.Job, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	now := q.now()
	nowMs := now.UnixMilli()
	leaseUntil := now.Add(ttl).UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.Repeat("?,", len(groupIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(groupIDs)+3)
	for _, g := range groupIDs {
		args = append(args, g)
	}
	args = append(args, string(model.JobPending), nowMs, limit)

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM jobs
		WHERE group_id IN (%s) AND status = ? AND next_attempt_at <= ?
		ORDER BY priority ASC, created_at ASC
		LIMIT ?`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("query leasable jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	jobs := make([]model.Job, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, leased_until = ?, updated_at = ? WHERE id = ?`,
			string(model.JobInFlight), leaseUntil, nowMs, id); err != nil {
			return nil, fmt.Errorf("lease job %s: %w", id, err)
		}
		job, err := q.scanJob(tx.QueryRowContext(ctx, selectJobByID, id))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease tx: %w", err)
	}
	return jobs, nil
}

// Complete marks a leased job done.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, leased_until = 0 WHERE id = ? AND status = ?`,
		string(model.JobDone), now, jobID, string(model.JobInFlight))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireAffected(res)
}

// Fail records a failed attempt. Transient failures are rescheduled with
// exponential backoff (base·2^attempts, capped, ±20% jitter) until
// attempts reaches model.DefaultMaxAttempts, at which point the job is
// marked dead regardless of failure kind. Permanent failures go straight
// to dead.
func (q *Queue) Fail(ctx context.Context, jobID string, kind model.FailureKind, errMsg string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback()

	job, err := q.scanJob(tx.QueryRowContext(ctx, selectJobByID, jobID))
	if err != nil {
		return err
	}
	attempts := job.AttemptCount + 1
	now := q.now()

	status := model.JobPending
	nextAttempt := now.Add(q.backoff(attempts))
	if kind == model.FailurePermanent || attempts >= model.DefaultMaxAttempts {
		status = model.JobDead
		nextAttempt = now
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, next_attempt_at = ?,
			leased_until = 0, updated_at = ?, last_error = ? WHERE id = ?`,
		string(status), attempts, nextAttempt.UnixMilli(), now.UnixMilli(), errMsg, jobID)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail tx: %w", err)
	}
	if status == model.JobPending {
		q.wake()
	}
	return nil
}

// backoff computes base·2^attempts capped at backoffCap, jittered by
// ±backoffJitterRatio so a burst of failures doesn't retry in lockstep.
func (q *Queue) backoff(attempts int) time.Duration {
	d := backoffBase
	for i := 0; i < attempts && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + (q.rand()*2-1)*backoffJitterRatio
	return time.Duration(float64(d) * jitter)
}

// ReapExpiredLeases returns in_flight jobs whose lease has expired to
// pending so another worker can retry them (§5: a worker that crashes
// mid-print must not strand its job forever).
func (q *Queue) ReapExpiredLeases(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, leased_until = 0, updated_at = ?
		WHERE status = ? AND leased_until > 0 AND leased_until < ?`,
		string(model.JobPending), now, string(model.JobInFlight), now)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.wake()
	}
	return int(n), nil
}

// Cleanup deletes done/dead jobs older than olderThan, bounding the
// database's growth (§4.5 cleanup operation).
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		string(model.JobDone), string(model.JobDead), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats summarizes queue depth by status, used by the health endpoint.
type Stats struct {
	Pending  int
	InFlight int
	Done     int
	Failed   int
	Dead     int
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch model.JobStatus(status) {
		case model.JobPending:
			s.Pending = count
		case model.JobInFlight:
			s.InFlight = count
		case model.JobDone:
			s.Done = count
		case model.JobFailed:
			s.Failed = count
		case model.JobDead:
			s.Dead = count
		}
	}
	return s, rows.Err()
}

const selectJobByID = `
	SELECT id, dedup_key, group_id, order_id, order_number, printer_id, payload,
		priority, status, attempts, next_attempt_at, created_at, updated_at, last_error
	FROM jobs WHERE id = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func (q *Queue) scanJob(row rowScanner) (model.Job, error) {
	var job model.Job
	var sealed []byte
	var status string
	var nextAttemptMs, createdMs, updatedMs int64

	err := row.Scan(&job.JobID, &job.DedupKey, &job.GroupID, &job.OrderID, &job.OrderNumber,
		&job.PrinterID, &sealed, &job.Priority, &status, &job.AttemptCount,
		&nextAttemptMs, &createdMs, &updatedMs, &job.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("scan job: %w", err)
	}

	raw, err := q.seal.Open(sealed)
	if err != nil {
		return model.Job{}, fmt.Errorf("open job payload: %w", err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Job{}, fmt.Errorf("unmarshal job payload: %w", err)
	}

	job.Status = model.JobStatus(status)
	job.Items = p.Items
	job.OrderType = p.OrderType
	job.Table = p.Table
	job.NextAttemptAt = time.UnixMilli(nextAttemptMs)
	job.CreatedAt = time.UnixMilli(createdMs)
	job.UpdatedAt = time.UnixMilli(updatedMs)
	return job, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation detects sqlite's UNIQUE constraint error without
// importing the driver's error type, since modernc.org/sqlite reports it
// as a plain *sqlite.Error whose message contains "UNIQUE constraint".
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// isCorruption recognizes sqlite's corruption-flavored error strings the
// same way: modernc.org/sqlite carries no typed error for this either.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "file is encrypted")
}
