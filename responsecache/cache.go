// Package responsecache is the gateway's read-through cache for GET responses.
//
// Entries are deterministic CBOR in the shared kvstore, so payloads are kept
// as raw bytes rather than base64 text. Payloads of 1 KiB or more are stored
// zstd-compressed when that makes them smaller. The TTL is copied from the
// route when the entry is written and checked again on read, so changing a
// route's TTL never extends or shortens entries already stored. The cache is
// advisory: every failure degrades to a miss.
package responsecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/kvstore"
	"github.com/c360/edgegate/metric"
)

// Lookup results, also used as metric labels
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultExpired = "expired"
	ResultError   = "error"
)

// Entry is one cached response
type Entry struct {
	Key         string `cbor:"1,keyasint"`
	Status      int    `cbor:"2,keyasint"`
	ContentType string `cbor:"3,keyasint,omitempty"`
	Payload     []byte `cbor:"4,keyasint"`
	StoredAt    int64  `cbor:"5,keyasint"`
	TTLSeconds  int    `cbor:"6,keyasint"`

	// Compressed payloads record their original size
	Compressed bool `cbor:"7,keyasint,omitempty"`
	Size       int  `cbor:"8,keyasint,omitempty"`
}

const (
	compressThreshold = 1 << 10
	maxPayloadSize    = 16 << 20
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("responsecache: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 16, MaxMapPairs: 16}).DecMode(); err != nil {
		panic("responsecache: CBOR decoder initialization failed: " + err.Error())
	}
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest)); err != nil {
		panic("responsecache: zstd encoder initialization failed: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize)); err != nil {
		panic("responsecache: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(e Entry) ([]byte, error) {
	if len(e.Payload) >= compressThreshold && !e.Compressed {
		if packed := zstdEncoder.EncodeAll(e.Payload, nil); len(packed) < len(e.Payload) {
			e.Size = len(e.Payload)
			e.Payload = packed
			e.Compressed = true
		}
	}
	return encMode.Marshal(e)
}

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := decMode.Unmarshal(raw, &e); err != nil {
		return Entry{}, err
	}
	if !e.Compressed {
		return e, nil
	}
	if e.Size <= 0 || e.Size > maxPayloadSize {
		return Entry{}, fmt.Errorf("compressed entry declares size %d", e.Size)
	}
	plain, err := zstdDecoder.DecodeAll(e.Payload, make([]byte, 0, e.Size))
	if err != nil {
		return Entry{}, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(plain) != e.Size {
		return Entry{}, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(plain), e.Size)
	}
	e.Payload, e.Compressed, e.Size = plain, false, 0
	return e, nil
}

// Expired reports whether the entry is stale at now. An entry stored at s
// with ttl t is served up to and including s+t.
func (e Entry) Expired(now time.Time) bool {
	return now.Unix() > e.StoredAt+int64(e.TTLSeconds)
}

// Key derives the cache key for a request. The query is encoded with its
// parameters sorted by name, so equivalent queries share a key and distinct
// ones never collide.
func Key(method, path string, query url.Values) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0x1f})
	h.Write([]byte(path))
	h.Write([]byte{0x1f})
	h.Write([]byte(query.Encode()))
	return "rc:" + hex.EncodeToString(h.Sum(nil))
}

// Cache reads and writes entries in a kvstore.Store
type Cache struct {
	store   kvstore.Store
	now     func() time.Time
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Cache
type Option func(*Cache)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics counts lookups and store failures
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates a Cache over store
func New(store kvstore.Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "responsecache")
	return c
}

// Get returns the live entry for key. Any failure is reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, kvstore.ErrNotFound) {
			c.metrics.RecordCacheLookup(ResultMiss)
			return Entry{}, false
		}
		c.fail("get", err)
		return Entry{}, false
	}

	e, err := decodeEntry(raw)
	if err != nil || e.Key != key {
		c.fail("decode", errors.WrapInvalid(errors.ErrDataCorrupted, "responsecache", "Get", "decode entry"))
		return Entry{}, false
	}

	if e.Expired(c.now()) {
		c.metrics.RecordCacheLookup(ResultExpired)
		return Entry{}, false
	}

	c.metrics.RecordCacheLookup(ResultHit)
	return e, true
}

// Put stores a response under key for ttlSeconds. A non-positive TTL is a no-op.
func (c *Cache) Put(ctx context.Context, key string, status int, contentType string, payload []byte, ttlSeconds int) error {
	if ttlSeconds <= 0 {
		return nil
	}

	e := Entry{
		Key:         key,
		Status:      status,
		ContentType: contentType,
		Payload:     payload,
		StoredAt:    c.now().Unix(),
		TTLSeconds:  ttlSeconds,
	}
	raw, err := encodeEntry(e)
	if err != nil {
		return errors.WrapInvalid(err, "responsecache", "Put", "encode entry")
	}

	// The backend keeps the entry one second past its TTL so the read-side
	// check decides the boundary.
	ttl := time.Duration(ttlSeconds+1) * time.Second
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.metrics.RecordStoreError("cache_set")
		c.logger.Debug("Response cache write skipped", "store", c.store.Name(), "error", err)
		return errors.WrapTransient(err, "responsecache", "Put", "store entry")
	}
	return nil
}

func (c *Cache) fail(op string, err error) {
	c.metrics.RecordCacheLookup(ResultError)
	c.metrics.RecordStoreError("cache_" + op)
	c.logger.Debug("Response cache degraded to miss", "op", op, "store", c.store.Name(), "error", err)
}
