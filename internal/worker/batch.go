package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis

	redisBackoff   = 3 * time.Second
	requeueBackoff = 2 * time.Second
	shutdownFlush  = 5 * time.Second
)

// sink is the Postgres side of a queue: a fast bulk path and a per-row
// fallback used to isolate bad rows when the bulk path fails.
type sink[T any] interface {
	bulk(ctx context.Context, batch []*T) error
	single(ctx context.Context, item *T) error
}

// batchConsumer drains a Redis list into Postgres in batches. Items that fail
// the per-row fallback are pushed back to the queue.
type batchConsumer[T any] struct {
	rdb   *redis.Client
	queue string
	sink  sink[T]
	log   zerolog.Logger

	// sleep is replaced in tests.
	sleep func(time.Duration)
}

func newBatchConsumer[T any](rdb *redis.Client, queue string, s sink[T], log zerolog.Logger) *batchConsumer[T] {
	return &batchConsumer[T]{rdb: rdb, queue: queue, sink: s, log: log, sleep: time.Sleep}
}

func (b *batchConsumer[T]) run(ctx context.Context) {
	buffer := make([]*T, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			b.flush(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			b.shutdown(buffer)
			return
		default:
		}

		result, err := b.rdb.BLPop(ctx, PollTimeout, b.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			b.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			b.sleep(redisBackoff)
			continue
		}
		if len(result) < 2 {
			continue
		}

		item := new(T)
		if err := json.Unmarshal([]byte(result[1]), item); err != nil {
			// Malformed JSON can never succeed; drop it.
			b.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, item)
	}
}

func (b *batchConsumer[T]) flush(ctx context.Context, batch []*T) {
	if len(batch) == 0 {
		return
	}
	err := b.sink.bulk(ctx, batch)
	if err == nil {
		b.log.Debug().Int("count", len(batch)).Msg("Batch persisted")
		return
	}
	b.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk write failed, attempting row-by-row recovery")

	var failed []*T
	for _, item := range batch {
		if err := b.sink.single(ctx, item); err != nil {
			if errors.Is(err, errPermanent) {
				b.log.Error().Err(err).Msg("Dropping item that can never be written")
				continue
			}
			b.log.Error().Err(err).Msg("Row write failed, requeueing")
			failed = append(failed, item)
		}
	}
	if len(failed) > 0 {
		b.requeue(ctx, failed)
	}
}

func (b *batchConsumer[T]) requeue(ctx context.Context, items []*T) {
	pipe := b.rdb.Pipeline()
	for _, item := range items {
		data, _ := json.Marshal(item)
		pipe.RPush(ctx, b.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	b.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	b.sleep(requeueBackoff)
}

func (b *batchConsumer[T]) shutdown(buffer []*T) {
	b.log.Info().Int("buffered", len(buffer)).Msg("Worker stopping, flushing remaining buffer")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlush)
	defer cancel()
	b.flush(ctx, buffer)
}

// errPermanent marks rows that are invalid rather than unlucky.
var errPermanent = errors.New("permanent")
