// Package queue holds outgoing messages that could not, or should not, be
// submitted right away, and delivers them later with exponential backoff
// between attempts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/smtpclient"
)

var (
	metricDelivery = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crow_queue_delivery_duration_seconds",
			Help:    "Delivery attempt for a single queued message.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"attempt", // Number of attempts, including this one.
			"result",  // "ok" or an error kind.
		},
	)
	metricQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crow_queue_messages",
			Help: "Messages in the outgoing queue.",
		},
	)
)

var DBTypes = []any{Msg{}} // Types stored in DB.
var DB *bstore.DB

// Messages are dropped after this many failed delivery attempts.
const maxAttempts = 8

// Msg is a message in the queue.
type Msg struct {
	ID          int64
	Queued      time.Time `bstore:"default now"`
	From        string    // Envelope sender.
	Recipients  []string  // Envelope recipients, in submission order.
	Size        int64     // Size of Message.
	Message     []byte    // Full message in wire form.
	Attempts    int       // Delivery attempts so far.
	NextAttempt time.Time // For scheduling.
	LastAttempt *time.Time
	LastError   string
}

// Init opens the queue database, creating it when absent.
func Init(path string) error {
	var err error
	DB, err = bstore.Open(context.Background(), path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return fmt.Errorf("open queue database %q: %w", path, err)
	}
	count, err := bstore.QueryDB[Msg](context.Background(), DB).Count()
	if err != nil {
		return fmt.Errorf("counting queued messages: %w", err)
	}
	metricQueued.Set(float64(count))
	return nil
}

// Shutdown closes the queue database.
func Shutdown() {
	if DB == nil {
		return
	}
	err := DB.Close()
	if err != nil {
		mlog.New("queue", nil).Errorx("closing queue database", err)
	}
	DB = nil
}

// Add queues a message for delivery, due immediately.
func Add(ctx context.Context, log mlog.Log, from string, recipients []string, message []byte) (int64, error) {
	if len(recipients) == 0 {
		return 0, fmt.Errorf("need at least one recipient")
	}
	m := Msg{
		From:        from,
		Recipients:  recipients,
		Size:        int64(len(message)),
		Message:     message,
		NextAttempt: time.Now(),
	}
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		return tx.Insert(&m)
	})
	if err != nil {
		return 0, fmt.Errorf("inserting message in queue: %w", err)
	}
	metricQueued.Inc()
	log.Debug("message queued",
		slog.Int64("id", m.ID),
		slog.String("from", from),
		slog.Int("recipients", len(recipients)))
	return m.ID, nil
}

// List returns all queued messages, oldest first.
func List(ctx context.Context) ([]Msg, error) {
	return bstore.QueryDB[Msg](ctx, DB).SortAsc("ID").List()
}

// Count returns the number of queued messages.
func Count(ctx context.Context) (int, error) {
	return bstore.QueryDB[Msg](ctx, DB).Count()
}

// Drop removes a message from the queue without delivering it.
func Drop(ctx context.Context, id int64) error {
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		return tx.Delete(&Msg{ID: id})
	})
	if err != nil {
		if errors.Is(err, bstore.ErrAbsent) {
			return fmt.Errorf("message %d not in queue", id)
		}
		return fmt.Errorf("removing message %d from queue: %w", id, err)
	}
	metricQueued.Dec()
	return nil
}

// DeliverFunc attempts delivery of one queued message.
type DeliverFunc func(ctx context.Context, m Msg) error

// Kick attempts delivery of every message that is due, through deliver.
// Delivered messages leave the queue; failures are rescheduled with
// exponential backoff, and dropped after too many attempts. Kick returns the
// number of messages delivered.
func Kick(ctx context.Context, log mlog.Log, deliver DeliverFunc) (int, error) {
	due, err := bstore.QueryDB[Msg](ctx, DB).FilterLessEqual("NextAttempt", time.Now()).SortAsc("ID").List()
	if err != nil {
		return 0, fmt.Errorf("listing due messages: %w", err)
	}

	delivered := 0
	for _, m := range due {
		m.Attempts++
		start := time.Now()
		err := deliver(ctx, m)
		result := "ok"
		if err != nil {
			result = errResult(err)
		}
		metricDelivery.WithLabelValues(fmt.Sprintf("%d", m.Attempts), result).Observe(float64(time.Since(start)) / float64(time.Second))

		if err == nil {
			if err := Drop(ctx, m.ID); err != nil {
				return delivered, err
			}
			delivered++
			log.Info("queued message delivered",
				slog.Int64("id", m.ID),
				slog.Int("attempts", m.Attempts))
			continue
		}

		log.Errorx("delivering queued message", err,
			slog.Int64("id", m.ID),
			slog.Int("attempts", m.Attempts))
		if m.Attempts >= maxAttempts {
			log.Error("giving up on queued message",
				slog.Int64("id", m.ID),
				slog.Int("attempts", m.Attempts))
			if err := Drop(ctx, m.ID); err != nil {
				return delivered, err
			}
			continue
		}

		now := time.Now()
		m.LastAttempt = &now
		m.LastError = err.Error()
		m.NextAttempt = now.Add(backoff(m.Attempts))
		uerr := DB.Write(ctx, func(tx *bstore.Tx) error {
			return tx.Update(&m)
		})
		if uerr != nil {
			return delivered, fmt.Errorf("rescheduling message %d: %w", m.ID, uerr)
		}

		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
	}
	return delivered, nil
}

// backoff returns the wait before the next attempt: roughly 15 minutes after
// the first failure, doubling with each one, with some jitter.
func backoff(attempts int) time.Duration {
	d := 15 * time.Minute << (attempts - 1)
	if d > 24*time.Hour {
		d = 24 * time.Hour
	}
	return d + time.Duration(rand.Int63n(int64(d)/8+1))
}

func errResult(err error) string {
	var serr smtpclient.Error
	if errors.As(err, &serr) {
		return serr.Kind.String()
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
