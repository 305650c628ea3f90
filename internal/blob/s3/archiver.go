package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/betledger/internal/domain"
)

const archivePageSize = 500

// SettledBetRecord is one line of a bets archive.
type SettledBetRecord struct {
	Bet       domain.Bet        `json:"bet"`
	Pools     []string          `json:"pools"`
	Positions []domain.Position `json:"positions"`
}

// Archiver copies ledger history to object storage as JSONL. It never
// removes anything from the ledger store.
type Archiver struct {
	writer domain.BlobWriter
	ledger domain.LedgerStore
	audit  domain.AuditStore
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, ledger domain.LedgerStore, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, ledger: ledger, audit: audit}
}

// ArchiveAudit uploads audit entries created before the cutoff to
// archive/audit/YYYY-MM.jsonl and returns how many were written.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	var entries []domain.AuditEntry
	for offset := 0; ; offset += archivePageSize {
		page, err := a.audit.List(ctx, domain.ListOpts{Limit: archivePageSize, Offset: offset, Until: &before})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		entries = append(entries, page...)
		if len(page) < archivePageSize {
			break
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}
	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson", nil); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}
	return a.record(ctx, "archive.audit", path, int64(len(entries)), before)
}

// ArchiveSettledBets uploads every bet settled before the cutoff, with its
// pools and positions, to archive/bets/YYYY-MM.jsonl.
func (a *Archiver) ArchiveSettledBets(ctx context.Context, before time.Time) (int64, error) {
	var records []SettledBetRecord
	for offset := 0; ; offset += archivePageSize {
		bets, err := a.ledger.ListBets(ctx, domain.ListOpts{Limit: archivePageSize, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive bets query: %w", err)
		}
		for _, bet := range bets {
			if !bet.Settled || bet.SettledAt == nil || !bet.SettledAt.Before(before) {
				continue
			}
			rec, err := a.settledRecord(ctx, bet)
			if err != nil {
				return 0, err
			}
			records = append(records, rec)
		}
		if len(bets) < archivePageSize {
			break
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive bets marshal: %w", err)
	}
	path := archivePath("bets", before)
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize); err != nil {
		return 0, fmt.Errorf("s3blob: archive bets upload: %w", err)
	}
	return a.record(ctx, "archive.bets", path, int64(len(records)), before)
}

func (a *Archiver) settledRecord(ctx context.Context, bet domain.Bet) (SettledBetRecord, error) {
	pools, err := a.ledger.GetPools(ctx, bet.ID)
	if err != nil {
		return SettledBetRecord{}, fmt.Errorf("s3blob: archive pools of bet %d: %w", bet.ID, err)
	}
	positions, err := a.ledger.ListPositions(ctx, bet.ID)
	if err != nil {
		return SettledBetRecord{}, fmt.Errorf("s3blob: archive positions of bet %d: %w", bet.ID, err)
	}
	rec := SettledBetRecord{Bet: bet, Positions: positions, Pools: make([]string, len(pools))}
	for i, p := range pools {
		rec.Pools[i] = p.String()
	}
	return rec, nil
}

func (a *Archiver) record(ctx context.Context, event, path string, count int64, before time.Time) (int64, error) {
	if err := a.audit.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: %s audit log: %w", event, err)
	}
	return count, nil
}

// archivePath partitions archives by the cutoff's year and month, e.g.
// archive/bets/2026-05.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
