// Package batch implements the notification-driven batching loop: the
// single-threaded state machine that coalesces Postgres channel
// notifications into size-and-time-bounded batches, drives the dequeue,
// and reconnects on transient failure.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tetsuo/mailroom/internal/diag"
	"github.com/tetsuo/mailroom/internal/store"
)

// reconnectBackoff bounds how fast the loop retries a failed reconnect
// attempt once it is already running, so a persistently unreachable
// database does not spin the CPU.
const reconnectBackoff = time.Second

// Handle is the subset of *store.Store the loop depends on. Tests drive
// the state machine against a fake implementing this interface.
type Handle interface {
	Dequeue(ctx context.Context, queueName string, limit int) (emitted, skipped int, err error)
	Healthcheck(ctx context.Context) bool
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context)
}

// Connector opens a new Handle, performing connect+subscribe+prepare.
type Connector func(ctx context.Context) (Handle, error)

// Config holds the loop's tunable parameters, sourced from the process
// configuration.
type Config struct {
	QueueName           string
	BatchLimit          int
	BatchTimeout        time.Duration
	HealthCheckInterval time.Duration
}

// Loop is the batching state machine. The zero value is not usable; build
// one with New.
type Loop struct {
	connect  Connector
	cfg      Config
	counters *diag.Counters
	logger   *slog.Logger
	running  atomic.Bool
}

// New builds a Loop. running starts true; call Stop to request shutdown.
func New(connect Connector, cfg Config, counters *diag.Counters, logger *slog.Logger) *Loop {
	l := &Loop{connect: connect, cfg: cfg, counters: counters, logger: logger}
	l.running.Store(true)
	return l
}

// Stop requests that the loop exit at its next observation point. Safe to
// call from a signal handler.
func (l *Loop) Stop() {
	l.running.Store(false)
}

func (l *Loop) logWarn(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Warn(msg, args...)
	}
}

func (l *Loop) logError(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Error(msg, args...)
	}
}

// errReconnect is returned internally by the idle/flush phase to mean
// "go back to NEED_CONNECT"; it is never returned from Run.
var errReconnect = errors.New("batch: reconnect")

// Run drives the state machine until Stop is called or a terminal error
// occurs. It returns nil on a clean shutdown and a non-nil error when a
// terminal dequeue or startup-drain failure means the process must exit.
func (l *Loop) Run(ctx context.Context) error {
	first := true
	for l.running.Load() {
		handle, err := l.connect(ctx)
		if err != nil {
			if first {
				return fmt.Errorf("batch: initial connect: %w", err)
			}
			l.logError("batch: reconnect failed, retrying", "error", err)
			if !l.sleep(ctx, reconnectBackoff) {
				return nil
			}
			continue
		}
		if !first {
			l.counters.Reconnects.Add(1)
		}
		first = false
		l.counters.Connected.Store(1)

		runErr := l.runConnected(ctx, handle)

		handle.Close(ctx)
		l.counters.Connected.Store(0)

		if runErr != nil {
			if errors.Is(runErr, errReconnect) {
				continue
			}
			return runErr
		}
	}
	return nil
}

// runConnected performs the startup drain and then the IDLE/FLUSH cycle
// until shutdown, a transient failure (errReconnect), or a terminal
// failure.
func (l *Loop) runConnected(ctx context.Context, handle Handle) error {
	if err := l.drain(ctx, handle); err != nil {
		return err
	}

	var (
		counter       int
		batchStart    time.Time
		lastRoundTrip = time.Now()
	)

	for l.running.Load() {
		if err := l.drainNotifications(ctx, handle, &counter, &batchStart); err != nil {
			return err
		}

		if counter > 0 && (counter >= l.cfg.BatchLimit || time.Since(batchStart) >= l.cfg.BatchTimeout) {
			if err := l.flush(ctx, handle, &counter, &lastRoundTrip); err != nil {
				return err
			}
			continue
		}

		deadline := l.nextDeadline(batchStart, counter, lastRoundTrip)
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		_, err := handle.WaitForNotification(waitCtx)
		cancel()

		switch {
		case err == nil:
			// Socket became readable; loop re-drains at the top.
		case errors.Is(err, context.DeadlineExceeded):
			if counter > 0 {
				// Batch timeout reached; next iteration flushes.
				continue
			}
			if time.Since(lastRoundTrip) >= l.cfg.HealthCheckInterval {
				if !handle.Healthcheck(ctx) {
					l.counters.HealthCheckFailures.Add(1)
					return errReconnect
				}
				lastRoundTrip = time.Now()
			}
		case errors.Is(err, context.Canceled):
			return nil
		default:
			l.logWarn("batch: notification wait failed, reconnecting", "error", err)
			return errReconnect
		}
	}
	return nil
}

// drainNotifications consumes every buffered notification without
// blocking. Each one increments counter; on the zero-to-one transition it
// stamps batchStart.
func (l *Loop) drainNotifications(ctx context.Context, handle Handle, counter *int, batchStart *time.Time) error {
	for {
		immediate, cancel := context.WithDeadline(ctx, time.Now())
		_, err := handle.WaitForNotification(immediate)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil
			}
			l.logWarn("batch: notification drain failed, reconnecting", "error", err)
			return errReconnect
		}
		if *counter == 0 {
			*batchStart = time.Now()
		}
		*counter++
		l.counters.NotificationsObserved.Add(1)
	}
}

// flush invokes the dequeue for up to counter rows and resets the batch
// state on success.
func (l *Loop) flush(ctx context.Context, handle Handle, counter *int, lastRoundTrip *time.Time) error {
	limit := *counter
	emitted, skipped, err := handle.Dequeue(ctx, l.cfg.QueueName, limit)
	*lastRoundTrip = time.Now()
	if err != nil {
		var de *store.DequeueError
		if errors.As(err, &de) && de.Kind == store.ErrKindTerminal {
			l.logError("batch: terminal dequeue error, exiting", "error", err)
			return fmt.Errorf("batch: dequeue: %w", err)
		}
		l.logWarn("batch: transient dequeue error, reconnecting", "error", err)
		return errReconnect
	}

	l.counters.BatchesFlushed.Add(1)
	l.counters.RowsEmitted.Add(int64(emitted))
	l.counters.RowsSkipped.Add(int64(skipped))
	*counter = 0
	return nil
}

// drain repeatedly dequeues batch_limit-sized chunks right after connect
// until a short result confirms the backlog is cleared. It always runs,
// unconditionally, on every NEED_CONNECT transition including reconnects
// — this is required to recover rows whose notifications were missed
// during the outage.
func (l *Loop) drain(ctx context.Context, handle Handle) error {
	for {
		if !l.running.Load() {
			return nil
		}
		emitted, skipped, err := handle.Dequeue(ctx, l.cfg.QueueName, l.cfg.BatchLimit)
		if err != nil {
			var de *store.DequeueError
			if errors.As(err, &de) && de.Kind == store.ErrKindTerminal {
				return fmt.Errorf("batch: startup drain: %w", err)
			}
			l.logWarn("batch: startup drain hit a transient error, reconnecting", "error", err)
			return errReconnect
		}
		if emitted > 0 {
			l.counters.BatchesFlushed.Add(1)
			l.counters.RowsEmitted.Add(int64(emitted))
		}
		l.counters.RowsSkipped.Add(int64(skipped))
		if emitted+skipped < l.cfg.BatchLimit {
			return nil
		}
	}
}

// nextDeadline computes the context deadline for the bounded socket wait:
// the batch deadline while a batch is open, otherwise the next
// health-check point (health checks only run with an empty counter).
func (l *Loop) nextDeadline(batchStart time.Time, counter int, lastRoundTrip time.Time) time.Time {
	if counter == 0 {
		return lastRoundTrip.Add(l.cfg.HealthCheckInterval)
	}
	return batchStart.Add(l.cfg.BatchTimeout)
}

// sleep waits for d or until ctx is done or Stop is called, returning
// false if the caller should give up rather than retry.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return l.running.Load()
	case <-ctx.Done():
		return false
	}
}
