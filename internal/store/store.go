// Package store persists artifacts and workflow state in BadgerDB.
//
// Keys are prefixed per workflow:
//
//	wf/<id>/artifact/<PHASE>/<attempt>   artifact envelope (JSON)
//	wf/<id>/seq                          last assigned artifact sequence
//	wf/<id>/state                        workflow state (JSON)
//
// Artifacts are append-only. State is versioned; a save against a stale
// version fails with ErrConflict.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an artifact already exists at (phase, attempt).
	ErrDuplicate = errors.New("artifact already exists")
	// ErrConflict is returned when saving state over a newer version.
	ErrConflict = errors.New("state version conflict")
)

// maxTxnRetries bounds retries of transactions that lost a badger conflict.
const maxTxnRetries = 5

// Config configures the store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM. Used by tests and dry runs.
	InMemory bool
	// SyncWrites fsyncs each commit before returning.
	SyncWrites bool
	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval time.Duration
}

// Store is a BadgerDB-backed artifact and state store. Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *logging.Logger

	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens or creates the store.
func Open(cfg Config, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// OpenInMemory opens an in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true}, nil)
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn(context.Background(), "value log gc failed", zap.Error(err))
			}
		}
	}
}

func workflowPrefix(id string) string { return "wf/" + id + "/" }
func stateKey(id string) []byte { return []byte(workflowPrefix(id) + "state") }
func seqKey(id string) []byte { return []byte(workflowPrefix(id) + "seq") }
func artifactPrefix(id string) string { return workflowPrefix(id) + "artifact/" }
func phasePrefix(id string, p workflow.Phase) string {
	return artifactPrefix(id) + string(p) + "/"
}
func artifactKey(id string, p workflow.Phase, attempt int) []byte {
	return []byte(fmt.Sprintf("%s%08d", phasePrefix(id, p), attempt))
}

func checkID(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("invalid workflow id %q", id)
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on badger conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("context cancelled: %w", cerr)
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.View(fn)
}

// Put writes a at (id, phase, attempt) and returns it with its assigned
// sequence number. Existing keys are never overwritten.
func (s *Store) Put(ctx context.Context, id string, phase workflow.Phase, attempt int, a artifact.Artifact) (artifact.Artifact, error) {
	if err := checkID(id); err != nil {
		return artifact.Artifact{}, err
	}
	if attempt < 1 {
		return artifact.Artifact{}, fmt.Errorf("attempt must be positive, got %d", attempt)
	}
	a.Phase = phase
	a.Attempt = attempt
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	key := artifactKey(id, phase, attempt)
	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%s/%s/%d: %w", id, phase, attempt, ErrDuplicate)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seq, err := nextSeq(txn, id)
		if err != nil {
			return err
		}
		a.Seq = seq
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode artifact: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return artifact.Artifact{}, err
	}
	return a, nil
}

func nextSeq(txn *badger.Txn, id string) (uint64, error) {
	var seq uint64
	item, err := txn.Get(seqKey(id))
	switch {
	case err == nil:
		val, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		seq = binary.BigEndian.Uint64(val)
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return 0, err
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return seq, txn.Set(seqKey(id), buf)
}

// Get returns the artifact at (id, phase, attempt).
func (s *Store) Get(ctx context.Context, id string, phase workflow.Phase, attempt int) (artifact.Artifact, error) {
	var a artifact.Artifact
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(artifactKey(id, phase, attempt))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s/%s/%d: %w", id, phase, attempt, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &a)
		})
	})
	return a, err
}

// Latest returns the highest attempt stored for phase.
func (s *Store) Latest(ctx context.Context, id string, phase workflow.Phase) (artifact.Artifact, error) {
	all, err := s.scan(ctx, phasePrefix(id, phase))
	if err != nil {
		return artifact.Artifact{}, err
	}
	if len(all) == 0 {
		return artifact.Artifact{}, fmt.Errorf("%s/%s: %w", id, phase, ErrNotFound)
	}
	// Keys sort by zero-padded attempt.
	return all[len(all)-1], nil
}

// History returns every artifact of a workflow in write order.
func (s *Store) History(ctx context.Context, id string) ([]artifact.Artifact, error) {
	all, err := s.scan(ctx, artifactPrefix(id))
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	return all, nil
}

func (s *Store) scan(ctx context.Context, prefix string) ([]artifact.Artifact, error) {
	var out []artifact.Artifact
	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefix), PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			var a artifact.Artifact
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// SaveState persists st if the stored version equals st.Version, then
// increments st.Version. A new workflow starts at version 0.
func (s *Store) SaveState(ctx context.Context, st *workflow.State) error {
	if err := checkID(st.ID); err != nil {
		return err
	}
	next := *st
	next.Version = st.Version + 1

	err := s.update(ctx, func(txn *badger.Txn) error {
		current, err := readState(txn, st.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			if st.Version != 0 {
				return fmt.Errorf("%s: stored state missing at version %d: %w", st.ID, st.Version, ErrConflict)
			}
		case err != nil:
			return err
		case current.Version != st.Version:
			return fmt.Errorf("%s: have version %d, stored %d: %w", st.ID, st.Version, current.Version, ErrConflict)
		}

		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}
		return txn.Set(stateKey(st.ID), data)
	})
	if err != nil {
		return err
	}
	st.Version = next.Version
	return nil
}

// LoadState returns the latest persisted state of id.
func (s *Store) LoadState(ctx context.Context, id string) (*workflow.State, error) {
	var st *workflow.State
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		st, err = readState(txn, id)
		return err
	})
	return st, err
}

func readState(txn *badger.Txn, id string) (*workflow.State, error) {
	item, err := txn.Get(stateKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var st workflow.State
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &st)
	}); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", id, err)
	}
	return &st, nil
}

// List returns the ids of all workflows with persisted state.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("wf/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if id, ok := strings.CutSuffix(strings.TrimPrefix(key, "wf/"), "/state"); ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return ids, err
}

// badgerLogger adapts logging.Logger to badger.Logger.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace(context.Background(), strings.TrimSpace(fmt.Sprintf(format, args...)))
}
