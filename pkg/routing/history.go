package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultHistoryLimit is how many contexts are kept per caller.
const DefaultHistoryLimit = 10

// History is the bounded per-caller record of previous calls.
type History interface {
	// Previous returns the recorded contexts for callerID, oldest first.
	Previous(ctx context.Context, callerID string) ([]CallContext, error)

	// Append records cc under cc.CallerID, dropping the oldest entries
	// beyond the store limit, and returns how many entries the caller had
	// before cc. Reading and writing happen as one step, so concurrent
	// calls from one caller see distinct counts.
	Append(ctx context.Context, cc CallContext) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// MemoryHistory is an in-memory History. It is safe for concurrent use.
type MemoryHistory struct {
	limit int

	mu      sync.Mutex
	callers map[string][]CallContext
}

// NewMemoryHistory creates a MemoryHistory keeping limit entries per caller.
// A non-positive limit selects DefaultHistoryLimit.
func NewMemoryHistory(limit int) *MemoryHistory {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryHistory{
		limit:   limit,
		callers: make(map[string][]CallContext),
	}
}

func (m *MemoryHistory) Previous(_ context.Context, callerID string) ([]CallContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.callers[callerID]
	out := make([]CallContext, len(entries))
	for i, cc := range entries {
		out[i] = cc.Clone()
	}
	return out, nil
}

func (m *MemoryHistory) Append(_ context.Context, cc CallContext) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.callers[cc.CallerID]
	prev := len(entries)
	cc = cc.Clone()
	cc.PreviousInteractions = prev
	m.callers[cc.CallerID] = truncate(append(entries, cc), m.limit)
	return prev, nil
}

func (m *MemoryHistory) Close() error {
	return nil
}

func truncate(entries []CallContext, limit int) []CallContext {
	if over := len(entries) - limit; over > 0 {
		return append(entries[:0:0], entries[over:]...)
	}
	return entries
}

// BadgerHistory is a History persisted in BadgerDB. Each caller is one key
// holding a msgpack-encoded list of contexts.
type BadgerHistory struct {
	db    *badger.DB
	limit int
}

// BadgerHistoryOptions configures a BadgerHistory.
type BadgerHistoryOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless
	// InMemory is set.
	Dir string

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool

	// Limit is the number of entries kept per caller. Defaults to
	// DefaultHistoryLimit.
	Limit int

	// Logger receives badger warnings and errors. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewBadgerHistory opens a BadgerDB-backed History.
func NewBadgerHistory(opts BadgerHistoryOptions) (*BadgerHistory, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("routing: BadgerHistoryOptions.Dir is required for on-disk mode")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{opts.Logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("routing: open history: %w", err)
	}
	return &BadgerHistory{db: db, limit: opts.Limit}, nil
}

func historyKey(callerID string) []byte {
	return []byte("history:" + callerID)
}

func (b *BadgerHistory) Previous(_ context.Context, callerID string) ([]CallContext, error) {
	var entries []CallContext
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		entries, err = readHistory(txn, callerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("routing: read history of %s: %w", callerID, err)
	}
	return entries, nil
}

// Append runs in one badger transaction. Conflicting writers for the same
// caller are retried.
func (b *BadgerHistory) Append(_ context.Context, cc CallContext) (int, error) {
	var prev int
	err := retryConflict(func() error {
		return b.db.Update(func(txn *badger.Txn) error {
			entries, err := readHistory(txn, cc.CallerID)
			if err != nil {
				return err
			}
			prev = len(entries)
			cc.PreviousInteractions = prev
			return writeHistory(txn, cc.CallerID, truncate(append(entries, cc), b.limit))
		})
	})
	if err != nil {
		return 0, fmt.Errorf("routing: append history of %s: %w", cc.CallerID, err)
	}
	return prev, nil
}

func writeHistory(txn *badger.Txn, callerID string, entries []CallContext) error {
	data, err := msgpack.Marshal(entries)
	if err != nil {
		return err
	}
	return txn.Set(historyKey(callerID), data)
}

const maxConflictRetries = 8

func retryConflict(fn func() error) error {
	var err error
	for range maxConflictRetries {
		if err = fn(); !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *BadgerHistory) Close() error {
	return b.db.Close()
}

func readHistory(txn *badger.Txn, callerID string) ([]CallContext, error) {
	item, err := txn.Get(historyKey(callerID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []CallContext
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &entries)
	})
	return entries, err
}

// badgerLogger forwards badger warnings and errors to slog, dropping
// info and debug chatter.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error("routing: badger: " + fmt.Sprintf(f, v...))
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn("routing: badger: " + fmt.Sprintf(f, v...))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
