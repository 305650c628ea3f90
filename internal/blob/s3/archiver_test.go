package s3blob

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/store/memory"
	"github.com/alanyoungcy/betledger/internal/store/storetest"
)

func TestArchivePath(t *testing.T) {
	cutoff := time.Date(2026, 5, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "archive/bets/2026-05.jsonl", archivePath("bets", cutoff))
}

func TestArchiveSettledBets(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedgerStore()
	audit := memory.NewAuditStore()
	blobs := memory.NewBlobStore()

	settledAt := storetest.SampleBet().InvestmentDeadline.Add(time.Minute)
	for i := 0; i < 3; i++ {
		bet, err := ledger.CreateBet(ctx, "", storetest.SampleBet())
		require.NoError(t, err)
		if i == 1 {
			continue
		}
		_, err = ledger.Mutate(ctx, "", bet.ID, storetest.Investor, func(s *domain.BetState) error {
			s.Pools[0] = big.NewInt(40)
			s.Positions[0] = &domain.Position{BetID: s.Bet.ID, Outcome: 0, Investor: s.Investor, Amount: big.NewInt(40)}
			s.Bet.Settled = true
			s.Bet.SettledAt = &settledAt
			return nil
		})
		require.NoError(t, err)
	}

	a := NewArchiver(blobs, ledger, audit)
	cutoff := settledAt.Add(time.Hour)
	n, err := a.ArchiveSettledBets(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rc, err := blobs.Get(ctx, archivePath("bets", cutoff))
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec SettledBetRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, uint64(2), rec.Bet.ID)
	assert.Equal(t, "40", rec.Pools[0])
	require.Len(t, rec.Positions, 1)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.bets", entries[0].Event)

	// Nothing settled before an earlier cutoff.
	n, err = a.ArchiveSettledBets(ctx, settledAt)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiveAudit(t *testing.T) {
	ctx := context.Background()
	audit := memory.NewAuditStore()
	blobs := memory.NewBlobStore()
	require.NoError(t, audit.Log(ctx, "bet_created", map[string]any{"bet_id": 0}))
	require.NoError(t, audit.Log(ctx, "bet_settled", map[string]any{"bet_id": 0}))

	a := NewArchiver(blobs, memory.NewLedgerStore(), audit)
	cutoff := time.Now().Add(time.Minute)
	n, err := a.ArchiveAudit(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err := blobs.Exists(ctx, archivePath("audit", cutoff))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
}
