package amqp

import (
	"context"
	"errors"
	"fmt"
	"slices"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"clipline/internal/jobqueue"
)

// Stats reports ready message counts. Delayed retries count as pending;
// active jobs are not visible to the broker as a count and report zero.
func (q *Queue) Stats(context.Context) (map[jobqueue.Status]int, error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	stats := map[jobqueue.Status]int{}
	for name, status := range map[string]jobqueue.Status{
		q.name:         jobqueue.StatusPending,
		q.delayName():  jobqueue.StatusPending,
		q.failedName(): jobqueue.StatusFailed,
	} {
		info, err := ch.QueueDeclarePassive(name, true, false, false, false, queueArgs(q, name))
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", name, err)
		}
		stats[status] += info.Messages
	}
	return stats, nil
}

func queueArgs(q *Queue, name string) amqp091.Table {
	if name != q.delayName() {
		return nil
	}
	return amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.name,
	}
}

// List peeks at parked failed jobs. Pending and active jobs live in the
// broker and are not listed.
func (q *Queue) List(ctx context.Context, statuses ...jobqueue.Status) ([]jobqueue.Record, error) {
	if len(statuses) > 0 && !slices.Contains(statuses, jobqueue.StatusFailed) {
		return nil, nil
	}
	var records []jobqueue.Record
	err := q.scanFailed(func(d amqp091.Delivery) (bool, error) {
		job, _, err := decode(d.Body, d.Headers)
		if err != nil {
			return false, nil
		}
		job.Attempt--
		last, _ := d.Headers[headerLastError].(string)
		records = append(records, jobqueue.Record{
			Job:       job,
			Status:    jobqueue.StatusFailed,
			LastError: last,
			CreatedAt: d.Timestamp,
			UpdatedAt: d.Timestamp,
		})
		return false, nil
	})
	return records, err
}

// Retry republishes parked failed jobs to the main queue with a fresh
// attempt budget. With no ids every parked job is retried.
func (q *Queue) Retry(ctx context.Context, ids ...string) (int64, error) {
	var moved int64
	err := q.scanFailed(func(d amqp091.Delivery) (bool, error) {
		job, backoff, err := decode(d.Body, d.Headers)
		if err != nil {
			return false, nil
		}
		if len(ids) > 0 && !slices.Contains(ids, job.ID) {
			return false, nil
		}
		msg, err := publishing(job, 0, backoff)
		if err != nil {
			return false, err
		}
		if err := q.publish(ctx, q.name, msg); err != nil {
			return false, err
		}
		moved++
		return true, nil
	})
	return moved, err
}

// scanFailed visits each message parked on the failed queue once. Messages
// for which visit returns true are removed; the rest are returned.
func (q *Queue) scanFailed(visit func(amqp091.Delivery) (bool, error)) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	info, err := ch.QueueDeclarePassive(q.failedName(), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", q.failedName(), err)
	}
	var keep []amqp091.Delivery
	defer func() {
		for _, d := range keep {
			_ = d.Nack(false, true)
		}
	}()
	for i := 0; i < info.Messages; i++ {
		d, ok, err := ch.Get(q.failedName(), false)
		if err != nil {
			return fmt.Errorf("get %s: %w", q.failedName(), err)
		}
		if !ok {
			break
		}
		remove, err := visit(d)
		if err != nil {
			keep = append(keep, d)
			return err
		}
		if remove {
			if err := d.Ack(false); err != nil {
				return err
			}
			continue
		}
		keep = append(keep, d)
	}
	return nil
}

// Health reports whether the broker connection is usable.
func (q *Queue) Health(context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	return ch.Close()
}

var _ jobqueue.Inspector = (*Queue)(nil)
