// Package store owns the single logical Postgres connection used by the
// batching loop: subscribing to the notification channel, running the
// atomic cursor-advancing dequeue, shaping and writing each batch to an
// output stream, and reporting liveness.
package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tetsuo/mailroom/internal/mac"
	"github.com/tetsuo/mailroom/internal/shaper"
)

const dequeueStatementName = "mailroom_dequeue"

// dequeueSQL is parameterized on (queue_name, limit). The external schema
// owns the cursor table and the eligibility joins; this agent only relies
// on the two parameters and the returned column set.
const dequeueSQL = `
WITH cursor AS (
	SELECT last_id FROM job_cursors WHERE job_type = $1 FOR UPDATE
),
eligible AS (
	SELECT t.id, t.action, t.email, t.login, t.secret, t.code
	FROM   user_action_queue t, cursor
	WHERE  t.id > cursor.last_id
	AND    (
		(t.action = 'activation' AND t.account_status = 'provisioned')
		OR (t.action = 'password_recovery' AND t.account_status = 'active')
	)
	ORDER  BY t.id ASC
	LIMIT  $2
),
advance AS (
	UPDATE job_cursors
	SET    last_id = (SELECT max(id) FROM eligible)
	WHERE  job_type = $1 AND EXISTS (SELECT 1 FROM eligible)
)
SELECT action, email, login, secret, code FROM eligible ORDER BY id ASC`

// ErrorKind classifies a dequeue failure so the batching loop can decide
// between reconnecting and exiting.
type ErrorKind int

const (
	// ErrKindTransient covers connection loss and protocol errors: the
	// transaction either committed (cursor already past these rows) or
	// rolled back (rows remain eligible), so a reconnect and retry is safe.
	ErrKindTransient ErrorKind = iota
	// ErrKindTerminal covers schema drift (missing columns, wrong types):
	// retrying cannot succeed without an operator fixing the schema.
	ErrKindTerminal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// DequeueError tags an error returned by Dequeue with its ErrorKind.
type DequeueError struct {
	Kind ErrorKind
	Err  error
}

func (e *DequeueError) Error() string {
	return fmt.Sprintf("store: dequeue: %s: %v", e.Kind, e.Err)
}

func (e *DequeueError) Unwrap() error { return e.Err }

// Store owns one logical connection: subscribed to the notification
// channel, with the dequeue statement prepared.
type Store struct {
	conn   *pgx.Conn
	signer *mac.Signer
	out    *bufio.Writer
	logger *slog.Logger
}

// Connect opens a connection to connString, subscribes to channel (its
// identifier is sanitized before being interpolated into LISTEN), and
// prepares the dequeue statement. Every step is terminal on failure: the
// caller should treat a non-nil error as unrecoverable at startup.
func Connect(ctx context.Context, connString, channel string, signer *mac.Signer, out io.Writer, logger *slog.Logger) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	ident := pgx.Identifier{channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("store: listen %s: %w", channel, err)
	}

	if _, err := conn.Prepare(ctx, dequeueStatementName, dequeueSQL); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("store: prepare dequeue: %w", err)
	}

	return &Store{
		conn:   conn,
		signer: signer,
		out:    bufio.NewWriter(out),
		logger: logger,
	}, nil
}

// WaitForNotification blocks until a notification arrives on the
// subscribed channel or ctx is done, whichever comes first. The
// notification payload is discarded by callers; only the event matters,
// since the cursor-advancing dequeue discovers the actual rows.
func (s *Store) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return s.conn.WaitForNotification(ctx)
}

// Dequeue executes the prepared statement for queueName with the given
// limit, shapes and writes the resulting batch as a single line to the
// output stream, and returns the number of rows successfully emitted and
// the number skipped for failing to shape (wrong secret length,
// unrecognised action, signing failure). Skipped rows are still logged
// individually; they count as consumed by the cursor because the dequeue
// transaction already advanced past them.
func (s *Store) Dequeue(ctx context.Context, queueName string, limit int) (emitted, skipped int, err error) {
	rows, err := s.conn.Query(ctx, dequeueStatementName, queueName, limit)
	if err != nil {
		return 0, 0, &DequeueError{Kind: classifyError(err), Err: err}
	}
	defer rows.Close()

	var shaped []shaper.Fields
	index := 0
	for rows.Next() {
		var r shaper.Row
		var action string
		if err := rows.Scan(&action, &r.Email, &r.Login, &r.Secret, &r.Code); err != nil {
			rows.Close()
			return 0, 0, &DequeueError{Kind: classifyError(err), Err: err}
		}
		r.Action = shaper.Action(action)

		f, err := shaper.Shape(s.signer, r)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("store: skipping malformed row", "index", index, "error", err)
			}
			skipped++
			index++
			continue
		}
		shaped = append(shaped, f)
		index++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, &DequeueError{Kind: classifyError(err), Err: err}
	}

	if len(shaped) == 0 {
		return 0, skipped, nil
	}

	line := shaper.JoinBatch(shaped)
	if _, err := s.out.WriteString(line); err != nil {
		return 0, 0, &DequeueError{Kind: ErrKindTransient, Err: fmt.Errorf("write batch: %w", err)}
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return 0, 0, &DequeueError{Kind: ErrKindTransient, Err: fmt.Errorf("write newline: %w", err)}
	}
	if err := s.out.Flush(); err != nil {
		return 0, 0, &DequeueError{Kind: ErrKindTransient, Err: fmt.Errorf("flush batch: %w", err)}
	}

	return len(shaped), skipped, nil
}

// Healthcheck issues a trivial round-trip to verify the connection is
// still live. It returns false on any protocol error.
func (s *Store) Healthcheck(ctx context.Context) bool {
	var one int
	err := s.conn.QueryRow(ctx, "SELECT 1").Scan(&one)
	return err == nil && one == 1
}

// Close releases the connection. A failed Connect closes its own
// connection and returns no Store, so there is nothing to close then.
func (s *Store) Close(ctx context.Context) {
	if s.conn == nil {
		return
	}
	_ = s.conn.Close(ctx)
}

// classifyError maps a driver error onto a DequeueError kind. Connection-
// level failures and the SQLSTATE classes that indicate a transient server
// condition are transient; anything else — in particular undefined-column
// and undefined-table, which indicate schema drift — is terminal.
func classifyError(err error) ErrorKind {
	if err == nil {
		return ErrKindTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.ConnectionException,
			pgerrcode.ConnectionDoesNotExist,
			pgerrcode.ConnectionFailure,
			pgerrcode.SqlclientUnableToEstablishSqlconnection,
			pgerrcode.SqlserverRejectedEstablishmentOfSqlconnection,
			pgerrcode.AdminShutdown,
			pgerrcode.CrashShutdown,
			pgerrcode.CannotConnectNow,
			pgerrcode.DeadlockDetected,
			pgerrcode.SerializationFailure:
			return ErrKindTransient
		case pgerrcode.UndefinedColumn,
			pgerrcode.UndefinedTable,
			pgerrcode.InvalidTextRepresentation,
			pgerrcode.DatatypeMismatch:
			return ErrKindTerminal
		}
		return ErrKindTerminal
	}

	// Not a recognised Postgres error (closed socket, broken pipe, EOF
	// mid-protocol): treat as transient so the loop reconnects.
	return ErrKindTransient
}
