package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// blockSlice bounds each BLPOP so Dequeue notices ctx cancellation.
const blockSlice = 2 * time.Second

// TxQueue implements domain.TxQueue as a Redis list. Server replicas push,
// worker processes pop; each command is delivered to exactly one worker.
type TxQueue struct {
	c   *Client
	key string
}

// NewTxQueue creates a TxQueue on the list {prefix}:txqueue.
func NewTxQueue(c *Client) *TxQueue {
	return &TxQueue{c: c, key: c.Key("txqueue")}
}

func (q *TxQueue) Enqueue(ctx context.Context, tx domain.PendingTx) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("redis: marshal tx %s: %w", tx.TxID, err)
	}
	if err := q.c.rdb.RPush(ctx, q.key, data).Err(); err != nil {
		return domain.ErrSubmitFailed.Withf("enqueue %s: %v", tx.TxID, err)
	}
	return nil
}

func (q *TxQueue) Dequeue(ctx context.Context) (domain.PendingTx, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.PendingTx{}, err
		}
		res, err := q.c.rdb.BLPop(ctx, blockSlice, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return domain.PendingTx{}, ctx.Err()
			}
			return domain.PendingTx{}, fmt.Errorf("redis: dequeue: %w", err)
		}
		// res is [key, value].
		var tx domain.PendingTx
		if err := json.Unmarshal([]byte(res[1]), &tx); err != nil {
			return domain.PendingTx{}, fmt.Errorf("redis: unmarshal queued tx: %w", err)
		}
		return tx, nil
	}
}

// Len reports the queue depth.
func (q *TxQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.c.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: queue length: %w", err)
	}
	return n, nil
}

var _ domain.TxQueue = (*TxQueue)(nil)
