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

// receiptTTL keeps resolved receipts long enough for clients to poll them.
const receiptTTL = 24 * time.Hour

// putReceiptLua writes ARGV[1] unless the stored receipt is already terminal.
const putReceiptLua = `
local cur = redis.call('GET', KEYS[1])
if cur then
    local ok, decoded = pcall(cjson.decode, cur)
    if ok and decoded['status'] ~= 'pending' then
        return 0
    end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`

// ReceiptStore implements domain.ReceiptStore with JSON strings and a
// conditional Lua write. Terminal receipts are also published on
// domain.ChannelTxReceipts for websocket clients on every replica.
type ReceiptStore struct {
	c     *Client
	putSc *redis.Script
}

// NewReceiptStore creates a ReceiptStore backed by c.
func NewReceiptStore(c *Client) *ReceiptStore {
	return &ReceiptStore{c: c, putSc: redis.NewScript(putReceiptLua)}
}

func (s *ReceiptStore) Put(ctx context.Context, r domain.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: marshal receipt %s: %w", r.TxID, err)
	}
	written, err := s.putSc.Run(ctx, s.c.rdb,
		[]string{s.c.Key("receipt", r.TxID)}, data, receiptTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: put receipt %s: %w", r.TxID, err)
	}
	if written == 1 && r.Status.Terminal() {
		if err := s.c.rdb.Publish(ctx, domain.ChannelTxReceipts, r.TxID).Err(); err != nil {
			return fmt.Errorf("redis: publish receipt %s: %w", r.TxID, err)
		}
	}
	return nil
}

func (s *ReceiptStore) Get(ctx context.Context, txID string) (domain.Receipt, error) {
	data, err := s.c.rdb.Get(ctx, s.c.Key("receipt", txID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Receipt{}, domain.ErrNotFound.Withf("tx %s", txID)
		}
		return domain.Receipt{}, fmt.Errorf("redis: get receipt %s: %w", txID, err)
	}
	var r domain.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.Receipt{}, fmt.Errorf("redis: unmarshal receipt %s: %w", txID, err)
	}
	return r, nil
}

var _ domain.ReceiptStore = (*ReceiptStore)(nil)
