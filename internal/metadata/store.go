// Package metadata is the permanent store for bet metadata documents.
// Documents are content addressed: the reference is the keccak256 hash of
// the canonical JSON encoding, so identical drafts share one object and a
// reference can be verified against the bytes it names.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/alanyoungcy/betledger/internal/domain"
)

// KeyPrefix is where metadata objects live in the bucket.
const KeyPrefix = "bets/"

// Object tags written with every document.
const (
	TagAppName = "App-Name"
	TagType    = "Type"
	AppName    = "BetLedger"
	TypeBet    = "Bet"
)

const maxDocumentSize = 64 << 10

var refPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// pinTTL bounds how long a reference stays pinned if its holder dies.
const pinTTL = time.Minute

// Options tunes the fetch cache. Locks pins references across processes;
// nil disables pinning.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Locks     domain.LockManager
}

// Store implements domain.MetadataStore over a blob backend.
type Store struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	cache  *expirable.LRU[string, domain.BetMetadata]
	locks  domain.LockManager
	logger *slog.Logger
}

// NewStore creates a Store. Zero options give a 1024 entry cache with a one
// hour TTL; documents never change, so the TTL only bounds memory.
func NewStore(writer domain.BlobWriter, reader domain.BlobReader, opts Options, logger *slog.Logger) *Store {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &Store{
		writer: writer,
		reader: reader,
		cache:  expirable.NewLRU[string, domain.BetMetadata](opts.CacheSize, nil, opts.CacheTTL),
		locks:  opts.Locks,
		logger: logger.With(slog.String("component", "metadata")),
	}
}

// Encode returns the canonical JSON encoding of meta and its reference.
func Encode(meta domain.BetMetadata) ([]byte, string, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, "", fmt.Errorf("metadata: encode: %w", err)
	}
	return data, crypto.Keccak256Hash(data).Hex(), nil
}

// ValidRef reports whether ref has the shape of a metadata reference.
func ValidRef(ref string) bool {
	return refPattern.MatchString(ref)
}

// ObjectKey maps a reference to its object path.
func ObjectKey(ref string) string {
	return KeyPrefix + strings.TrimPrefix(ref, "0x") + ".json"
}

// RefFromKey is the inverse of ObjectKey. ok is false for keys that are not
// metadata objects.
func RefFromKey(key string) (ref string, ok bool) {
	if !strings.HasPrefix(key, KeyPrefix) || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	ref = "0x" + strings.TrimSuffix(strings.TrimPrefix(key, KeyPrefix), ".json")
	return ref, ValidRef(ref)
}

// Upload stores meta and returns its reference. Identical content maps to
// the same object; uploading it again rewrites the object so its age, which
// the orphan sweeper measures, restarts.
func (s *Store) Upload(ctx context.Context, meta domain.BetMetadata) (string, error) {
	data, ref, err := Encode(meta)
	if err != nil {
		return "", err
	}
	key := ObjectKey(ref)

	release, err := s.Pin(ctx, ref)
	if err != nil {
		return "", err
	}
	defer release()

	exists, err := s.reader.Exists(ctx, key)
	if err != nil {
		return "", domain.ErrMetadataUnavailable.Withf("check %s: %v", ref, err)
	}
	tags := map[string]string{TagAppName: AppName, TagType: TypeBet}
	if err := s.writer.Put(ctx, key, bytes.NewReader(data), "application/json", tags); err != nil {
		return "", domain.ErrMetadataUnavailable.Withf("upload %s: %v", ref, err)
	}
	if exists {
		s.logger.DebugContext(ctx, "metadata refreshed", slog.String("ref", ref))
	} else {
		s.logger.InfoContext(ctx, "metadata uploaded",
			slog.String("ref", ref),
			slog.Int("bytes", len(data)),
		)
	}
	s.cache.Add(ref, meta)
	return ref, nil
}

// Pin holds ref against concurrent removal until release is called. Upload,
// create_bet and the orphan sweeper pin a reference before acting on it, so
// a sweep never deletes a document between a caller's existence check and
// its commit. A reference pinned elsewhere is domain.ErrMetadataUnavailable,
// which callers may retry.
func (s *Store) Pin(ctx context.Context, ref string) (release func(), err error) {
	if s.locks == nil {
		return func() {}, nil
	}
	release, err = s.locks.Acquire(ctx, "metadata-ref:"+ref, pinTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, domain.ErrMetadataUnavailable.Withf("reference %s is busy", ref)
	}
	if err != nil {
		return nil, domain.ErrMetadataUnavailable.Withf("pin %s: %v", ref, err)
	}
	return release, nil
}

// Fetch returns the document named by ref. A malformed reference or a
// document whose bytes do not hash to ref is domain.ErrUnknownExternalRef;
// a missing one is domain.ErrNotFound; backend failures are
// domain.ErrMetadataUnavailable.
func (s *Store) Fetch(ctx context.Context, ref string) (domain.BetMetadata, error) {
	if !ValidRef(ref) {
		return domain.BetMetadata{}, domain.ErrUnknownExternalRef.Withf("malformed reference %q", ref)
	}
	if meta, ok := s.cache.Get(ref); ok {
		return meta, nil
	}

	rc, err := s.reader.Get(ctx, ObjectKey(ref))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.BetMetadata{}, domain.ErrNotFound.Withf("metadata %s", ref)
		}
		return domain.BetMetadata{}, domain.ErrMetadataUnavailable.Withf("fetch %s: %v", ref, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxDocumentSize+1))
	if err != nil {
		return domain.BetMetadata{}, domain.ErrMetadataUnavailable.Withf("read %s: %v", ref, err)
	}
	if len(data) > maxDocumentSize || crypto.Keccak256Hash(data).Hex() != ref {
		return domain.BetMetadata{}, domain.ErrUnknownExternalRef.Withf("content of %s does not match its reference", ref)
	}

	var meta domain.BetMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.BetMetadata{}, domain.ErrUnknownExternalRef.Withf("decode %s: %v", ref, err)
	}
	s.cache.Add(ref, meta)
	return meta, nil
}

// Exists reports whether a document is stored under ref.
func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	if !ValidRef(ref) {
		return false, nil
	}
	if s.cache.Contains(ref) {
		return true, nil
	}
	ok, err := s.reader.Exists(ctx, ObjectKey(ref))
	if err != nil {
		return false, domain.ErrMetadataUnavailable.Withf("check %s: %v", ref, err)
	}
	return ok, nil
}

// Remove deletes the document under ref and evicts it from the cache.
func (s *Store) Remove(ctx context.Context, ref string) error {
	s.cache.Remove(ref)
	if err := s.writer.Delete(ctx, ObjectKey(ref)); err != nil {
		return domain.ErrMetadataUnavailable.Withf("delete %s: %v", ref, err)
	}
	return nil
}

// List returns every stored document as reference plus object info.
func (s *Store) List(ctx context.Context) (map[string]domain.BlobInfo, error) {
	infos, err := s.reader.List(ctx, KeyPrefix)
	if err != nil {
		return nil, domain.ErrMetadataUnavailable.Withf("list: %v", err)
	}
	out := make(map[string]domain.BlobInfo, len(infos))
	for _, info := range infos {
		if ref, ok := RefFromKey(info.Path); ok {
			out[ref] = info
		}
	}
	return out, nil
}

var _ domain.MetadataStore = (*Store)(nil)
