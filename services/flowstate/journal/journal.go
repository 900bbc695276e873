// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal is a crash-recovery log of a dispatcher's history.
//
// # Description
//
// Every history record the dispatcher appends is written to BadgerDB as
// the gesture that produced it, together with the cursor. After a crash,
// Recover returns the base store, the gestures and the cursor, which is
// exactly what replaying an action replay file needs, so the dispatcher
// rebuilds History through the same path it uses for ".fla" files.
//
// Key layout, scoped by session:
//
//	flowstate:{session}:base              [CRC32][state snapshot JSON]
//	flowstate:{session}:rec:{index:016d}  [CRC32][gesture JSON]
//	flowstate:{session}:cursor            [CRC32][uint64 big endian]
//
// Records are numbered like history records, starting at 1. Appending at
// index i deletes every record at i or above first, mirroring how History
// drops its redo tail.
//
// # Thread Safety
//
// Journal is safe for concurrent use. Writes are serialized.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
	"github.com/AleutianAI/flowstate/services/flowstate/project"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrClosed is returned when operations are called on a closed journal.
	ErrClosed = errors.New("journal is closed")

	// ErrCorrupted is returned when an entry fails its integrity check or
	// does not decode.
	ErrCorrupted = errors.New("journal entry corrupted")

	// ErrDegraded is returned by writes when the journal could not open its
	// database and is running without durability.
	ErrDegraded = errors.New("journal operating in degraded mode")

	// ErrSequenceGap is returned by Recover when record indices are not
	// contiguous from 1.
	ErrSequenceGap = errors.New("journal record sequence gap")

	// ErrInvalidIndex is returned when a write names an index outside the
	// range the journal can hold.
	ErrInvalidIndex = errors.New("journal index out of range")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	journalWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowstate_journal_writes_total",
		Help: "Total journal write operations",
	}, []string{"operation", "status"})

	journalWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowstate_journal_write_duration_seconds",
		Help:    "Journal write latency",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"operation"})

	journalBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowstate_journal_bytes_total",
		Help: "Total bytes written to the journal",
	})

	journalCorruptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowstate_journal_corrupted_total",
		Help: "Total corrupted journal entries encountered during recovery",
	})
)

var tracer = otel.Tracer("flowstate.journal")

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config configures a Journal.
type Config struct {
	// Path is the BadgerDB directory. Required unless InMemory is set.
	Path string

	// SessionID scopes every key. A fresh UUID is used when empty, which
	// means a new process never sees an earlier session's records.
	SessionID string

	// InMemory keeps everything in memory. For tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// AllowDegraded lets Open succeed without a database. Writes then
	// return ErrDegraded and Recover returns an empty history.
	AllowDegraded bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for a persistent journal")
	}
	if c.GCDiscardRatio < 0 || c.GCDiscardRatio > 1 {
		return errors.New("gc_discard_ratio must be between 0 and 1")
	}
	if c.GCInterval < 0 {
		return errors.New("gc_interval must be non-negative")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

// Recovery is what a journal holds for one session.
type Recovery struct {
	// Base is the store record 0 started from.
	Base *store.Store

	// Gestures are the gestures of records 1..n, in order.
	Gestures []action.Gesture

	// Index is the history cursor, in [0, len(Gestures)].
	Index int
}

// Stats reports journal counters.
type Stats struct {
	SessionID      string
	Records        int
	Index          int
	BytesWritten   int64
	CorruptedCount int64
	Degraded       bool
}

// Journal is a BadgerDB-backed history log.
type Journal struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger

	records   atomic.Int64
	index     atomic.Int64
	bytes     atomic.Int64
	corrupted atomic.Int64
	degraded  atomic.Bool
	closed    atomic.Bool

	mu sync.Mutex

	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens or creates the journal described by cfg.
//
// Description:
//
//	Opens the database, then scans the session's keys to learn how many
//	records exist and where the cursor is, so Append and Stats are right
//	from the first call.
//
// Inputs:
//   - cfg: Journal configuration. Must pass Validate.
//
// Outputs:
//   - *Journal: Ready to use. Call Close when done.
//   - error: Non-nil if cfg is invalid, or the database cannot be opened
//     and AllowDegraded is false.
func Open(cfg Config) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid journal config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	j := &Journal{
		cfg: cfg,
		logger: cfg.Logger.With(
			slog.String("component", "journal"),
			slog.String("session_id", cfg.SessionID),
		),
	}

	db, err := openDB(cfg)
	if err != nil {
		if cfg.AllowDegraded {
			j.logger.Warn("journal database unavailable, operating in degraded mode",
				slog.String("path", cfg.Path),
				slog.String("error", err.Error()))
			j.degraded.Store(true)
			return j, nil
		}
		return nil, err
	}
	j.db = db

	if err := j.scan(); err != nil {
		db.Close()
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		j.stopGC = make(chan struct{})
		j.gcDone = make(chan struct{})
		go gcLoop(db, cfg.GCInterval, cfg.GCDiscardRatio, j.logger, j.stopGC, j.gcDone)
	}

	j.logger.Info("journal opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Bool("sync_writes", cfg.SyncWrites),
		slog.Int64("records", j.records.Load()),
		slog.Int64("index", j.index.Load()))
	return j, nil
}

// SessionID returns the session the journal writes under.
func (j *Journal) SessionID() string { return j.cfg.SessionID }

// IsDegraded reports whether the journal runs without a database.
func (j *Journal) IsDegraded() bool { return j.degraded.Load() }

// Stats returns a snapshot of the journal counters.
func (j *Journal) Stats() Stats {
	return Stats{
		SessionID:      j.cfg.SessionID,
		Records:        int(j.records.Load()),
		Index:          int(j.index.Load()),
		BytesWritten:   j.bytes.Load(),
		CorruptedCount: j.corrupted.Load(),
		Degraded:       j.degraded.Load(),
	}
}

// Append writes the gesture of history record index and moves the cursor
// to it. Records at index or above are deleted first.
//
// Inputs:
//   - ctx: For cancellation and tracing.
//   - index: The history index of the new record. Must be in [1, Records+1].
//   - g: The sealed gesture.
//
// Outputs:
//   - error: ErrClosed, ErrDegraded, ErrInvalidIndex, or a write error.
func (j *Journal) Append(ctx context.Context, index int, g action.Gesture) error {
	ctx, span := j.begin(ctx, "journal.Append", attribute.Int("index", index))
	defer span.End()

	return j.write(ctx, span, "append", func(txn *badger.Txn) (int64, error) {
		records := int(j.records.Load())
		if index < 1 || index > records+1 {
			return 0, fmt.Errorf("%w: append at %d with %d records", ErrInvalidIndex, index, records)
		}
		data, err := json.Marshal(g)
		if err != nil {
			return 0, fmt.Errorf("encode gesture: %w", err)
		}
		for i := index + 1; i <= records; i++ {
			if err := txn.Delete(j.recordKey(i)); err != nil {
				return 0, err
			}
		}
		entry := encodeEntry(data)
		if err := txn.Set(j.recordKey(index), entry); err != nil {
			return 0, err
		}
		cursor := encodeEntry(binary.BigEndian.AppendUint64(nil, uint64(index)))
		if err := txn.Set(j.key("cursor"), cursor); err != nil {
			return 0, err
		}
		return int64(len(entry) + len(cursor)), nil
	}, func() {
		j.records.Store(int64(index))
		j.index.Store(int64(index))
	})
}

// SetCursor records a cursor move.
func (j *Journal) SetCursor(ctx context.Context, index int) error {
	ctx, span := j.begin(ctx, "journal.SetCursor", attribute.Int("index", index))
	defer span.End()

	return j.write(ctx, span, "cursor", func(txn *badger.Txn) (int64, error) {
		if records := int(j.records.Load()); index < 0 || index > records {
			return 0, fmt.Errorf("%w: cursor %d with %d records", ErrInvalidIndex, index, records)
		}
		cursor := encodeEntry(binary.BigEndian.AppendUint64(nil, uint64(index)))
		return int64(len(cursor)), txn.Set(j.key("cursor"), cursor)
	}, func() {
		j.index.Store(int64(index))
	})
}

// Reset replaces everything the session holds with a new base store, its
// gestures and a cursor, in one transaction.
//
// The dispatcher calls it after loading a project file, so a crash right
// after the load recovers what was loaded.
func (j *Journal) Reset(ctx context.Context, base *store.Store, gestures []action.Gesture, index int) error {
	ctx, span := j.begin(ctx, "journal.Reset",
		attribute.Int("gestures", len(gestures)),
		attribute.Int("index", index))
	defer span.End()

	if index < 0 || index > len(gestures) {
		err := fmt.Errorf("%w: cursor %d with %d gestures", ErrInvalidIndex, index, len(gestures))
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid index")
		return err
	}

	return j.write(ctx, span, "reset", func(txn *badger.Txn) (int64, error) {
		baseData, err := project.EncodeState(base)
		if err != nil {
			return 0, err
		}
		var written int64
		put := func(key, data []byte) error {
			entry := encodeEntry(data)
			written += int64(len(entry))
			return txn.Set(key, entry)
		}

		for i := len(gestures) + 1; i <= int(j.records.Load()); i++ {
			if err := txn.Delete(j.recordKey(i)); err != nil {
				return 0, err
			}
		}
		if err := put(j.key("base"), baseData); err != nil {
			return 0, err
		}
		for i, g := range gestures {
			data, err := json.Marshal(g)
			if err != nil {
				return 0, fmt.Errorf("encode gesture %d: %w", i+1, err)
			}
			if err := put(j.recordKey(i+1), data); err != nil {
				return 0, err
			}
		}
		if err := put(j.key("cursor"), binary.BigEndian.AppendUint64(nil, uint64(index))); err != nil {
			return 0, err
		}
		return written, nil
	}, func() {
		j.records.Store(int64(len(gestures)))
		j.index.Store(int64(index))
	})
}

// Recover reads the session back.
//
// Description:
//
//	Every entry is CRC-checked and decoded. Record indices must run 1..n
//	without gaps and the cursor must lie in [0, n]. A missing base means
//	the session started from the empty store; a missing cursor means the
//	newest record. A degraded journal recovers an empty history.
//
// Outputs:
//   - Recovery: The base store, gestures and cursor.
//   - error: ErrClosed, or an error wrapping ErrCorrupted or ErrSequenceGap.
func (j *Journal) Recover(ctx context.Context) (Recovery, error) {
	ctx, span := j.begin(ctx, "journal.Recover")
	defer span.End()

	if err := j.check(ctx); err != nil {
		if errors.Is(err, ErrDegraded) {
			span.SetAttributes(attribute.Bool("degraded", true))
			return Recovery{Base: store.Empty()}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "unavailable")
		return Recovery{}, err
	}

	rec, err := j.recover()
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			j.corrupted.Add(1)
			journalCorruptedTotal.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "recover failed")
		return Recovery{}, err
	}
	span.SetAttributes(
		attribute.Int("gestures", len(rec.Gestures)),
		attribute.Int("index", rec.Index),
	)
	j.logger.Info("journal recovered",
		slog.Int("gestures", len(rec.Gestures)),
		slog.Int("index", rec.Index))
	return rec, nil
}

func (j *Journal) recover() (Recovery, error) {
	rec := Recovery{Base: store.Empty()}
	cursor := -1

	err := j.db.View(func(txn *badger.Txn) error {
		if data, ok, err := j.get(txn, j.key("base")); err != nil {
			return err
		} else if ok {
			base, err := project.DecodeState(data)
			if err != nil {
				return fmt.Errorf("%w: base: %w", ErrCorrupted, err)
			}
			rec.Base = base
		}

		if data, ok, err := j.get(txn, j.key("cursor")); err != nil {
			return err
		} else if ok {
			if len(data) != 8 {
				return fmt.Errorf("%w: cursor has %d bytes", ErrCorrupted, len(data))
			}
			cursor = int(binary.BigEndian.Uint64(data))
		}

		prefix := []byte(j.key("rec:"))
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			n, err := strconv.Atoi(string(key[len(prefix):]))
			if err != nil {
				return fmt.Errorf("%w: bad record key %q", ErrCorrupted, key)
			}
			if want := len(rec.Gestures) + 1; n != want {
				return fmt.Errorf("%w: expected record %d, found %d", ErrSequenceGap, want, n)
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			data, err := decodeEntry(raw)
			if err != nil {
				return fmt.Errorf("record %d: %w", n, err)
			}
			var g action.Gesture
			if err := json.Unmarshal(data, &g); err != nil {
				return fmt.Errorf("%w: record %d: %w", ErrCorrupted, n, err)
			}
			rec.Gestures = append(rec.Gestures, g)
		}
		return nil
	})
	if err != nil {
		return Recovery{}, err
	}

	switch {
	case cursor < 0:
		rec.Index = len(rec.Gestures)
	case cursor > len(rec.Gestures):
		return Recovery{}, fmt.Errorf("%w: cursor %d beyond %d records", ErrCorrupted, cursor, len(rec.Gestures))
	default:
		rec.Index = cursor
	}
	return rec, nil
}

// Close stops background GC and closes the database. Safe to call twice.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	if j.stopGC != nil {
		close(j.stopGC)
		<-j.gcDone
	}
	if j.db == nil {
		return nil
	}
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	j.logger.Info("journal closed")
	return nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (j *Journal) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("session_id", j.cfg.SessionID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (j *Journal) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.closed.Load() {
		return ErrClosed
	}
	if j.degraded.Load() {
		return ErrDegraded
	}
	return nil
}

// write runs fn in one read-write transaction under the write lock and
// calls commit only when the transaction committed.
func (j *Journal) write(ctx context.Context, span trace.Span, op string, fn func(*badger.Txn) (int64, error), commit func()) error {
	start := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.check(ctx)
	var n int64
	if err == nil {
		err = j.db.Update(func(txn *badger.Txn) error {
			var ferr error
			n, ferr = fn(txn)
			return ferr
		})
	}

	journalWriteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		journalWritesTotal.WithLabelValues(op, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		return fmt.Errorf("journal %s: %w", op, err)
	}

	commit()
	j.bytes.Add(n)
	journalBytesTotal.Add(float64(n))
	journalWritesTotal.WithLabelValues(op, "ok").Inc()
	span.SetAttributes(attribute.Int64("bytes", n))
	j.logger.Debug("journal write",
		slog.String("operation", op),
		slog.Int64("bytes", n),
		slog.Int64("records", j.records.Load()),
		slog.Int64("index", j.index.Load()))
	return nil
}

// scan initializes the record count and cursor from existing keys.
func (j *Journal) scan() error {
	var records, cursor int64
	err := j.db.View(func(txn *badger.Txn) error {
		prefix := []byte(j.key("rec:"))
		opts := badger.IteratorOptions{Prefix: prefix, Reverse: true}
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the last key not above the seek key.
		it.Seek(append(append([]byte(nil), prefix...), 0xFF))
		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			n, err := strconv.ParseInt(string(key[len(prefix):]), 10, 64)
			if err == nil {
				records = n
			}
		}
		cursor = records

		data, ok, err := j.get(txn, j.key("cursor"))
		if err != nil {
			return err
		}
		if ok && len(data) == 8 {
			cursor = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	if err != nil {
		return err
	}
	j.records.Store(records)
	j.index.Store(min(cursor, records))
	return nil
}

func (j *Journal) get(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	data, err := decodeEntry(raw)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", key, err)
	}
	return data, true, nil
}

func (j *Journal) key(suffix string) []byte {
	return []byte("flowstate:" + j.cfg.SessionID + ":" + suffix)
}

func (j *Journal) recordKey(index int) []byte {
	return j.key(fmt.Sprintf("rec:%016d", index))
}

// encodeEntry prepends a CRC32 of data.
func encodeEntry(data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(data))
	copy(out[4:], data)
	return out
}

// decodeEntry verifies and strips the CRC32.
func decodeEntry(raw []byte) ([]byte, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(raw[:4])
	data := raw[4:]
	if computed := crc32.ChecksumIEEE(data); stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	return data, nil
}
