package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

type entryState int

const (
	stateClean entryState = iota
	stateCreated
	stateDeleted
)

type entry struct {
	entity    Entity
	snapshot  []byte
	state     entryState
	persisted bool
}

type savepointEntry struct {
	entity    Entity
	data      []byte
	state     entryState
	persisted bool
}

type savepoint struct {
	name    string
	entries map[Key]savepointEntry
	touched map[Key]struct{}
	born    map[Key]struct{}
}

// Manager opens stores against a single backend.
type Manager struct {
	backend     Backend
	logger      *slog.Logger
	broadcaster Broadcaster
}

// NewManager constructs a Manager.
func NewManager(backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{backend: backend, logger: logger}
}

// WithBroadcaster publishes committed keys to other processes through b.
func (m *Manager) WithBroadcaster(b Broadcaster) *Manager {
	m.broadcaster = b
	return m
}

// Begin opens a new store scoped to one backend transaction.
func (m *Manager) Begin(ctx context.Context) (*Store, error) {
	tx, err := m.backend.Begin(ctx)
	if err != nil {
		return nil, classify("begin", err)
	}
	s := &Store{
		id:          uuid.New(),
		backend:     m.backend,
		tx:          tx,
		logger:      m.logger,
		broadcaster: m.broadcaster,
		entries:     make(map[Key]*entry),
		touched:     make(map[Key]struct{}),
		born:        make(map[Key]struct{}),
		stale:       make(map[Key]struct{}),
	}
	registerStore(s)
	return s, nil
}

// Store is a unit of work: an identity map of entities over one backend
// transaction. A Store is used by one goroutine at a time; invalidations from
// other stores may arrive concurrently.
type Store struct {
	mu          sync.Mutex
	id          uuid.UUID
	backend     Backend
	tx          Tx
	logger      *slog.Logger
	broadcaster Broadcaster

	entries    map[Key]*entry
	order      []Key
	touched    map[Key]struct{}
	born       map[Key]struct{}
	savepoints []savepoint
	closed     bool

	staleMu sync.Mutex
	stale   map[Key]struct{}
}

// ID identifies the store in the live-store registry.
func (s *Store) ID() uuid.UUID {
	return s.id
}

// Closed reports whether the store was committed or rolled back with close.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Add tracks a new entity; it is inserted on the next flush.
func (s *Store) Add(e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	key := KeyOf(e)
	if key.ID == uuid.Nil {
		return fmt.Errorf("store: add %s: entity has no id", key.Kind)
	}
	if existing, ok := s.entries[key]; ok {
		if existing.entity != e {
			return fmt.Errorf("store: add %s: another instance is already tracked", key)
		}
		if existing.state == stateDeleted {
			existing.state = stateClean
		}
		return nil
	}
	s.track(key, &entry{entity: e, state: stateCreated})
	s.born[key] = struct{}{}
	return nil
}

// Remove marks a tracked entity for deletion.
func (s *Store) Remove(e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	key := KeyOf(e)
	ent, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if ent.state == stateCreated && !ent.persisted {
		s.untrack(key)
		delete(s.born, key)
		return nil
	}
	ent.state = stateDeleted
	return nil
}

// Get returns the tracked instance for (kind, id), loading it when needed.
func (s *Store) Get(ctx context.Context, kind string, id uuid.UUID) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.get(ctx, Key{Kind: kind, ID: id})
}

// Fetch migrates a reference obtained from another store into this store's
// identity map and returns this store's instance.
func (s *Store) Fetch(ctx context.Context, e Entity) (Entity, error) {
	if e == nil {
		return nil, errors.New("store: fetch nil entity")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.get(ctx, KeyOf(e))
}

// Find flushes pending changes and returns every entity of kind whose
// top-level fields equal match.
func (s *Store) Find(ctx context.Context, kind string, match map[string]any) ([]Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if err := s.flush(ctx); err != nil {
		return nil, err
	}
	recs, err := s.tx.Query(ctx, kind, match)
	if err != nil {
		return nil, classify("query "+kind, err)
	}
	out := make([]Entity, 0, len(recs))
	for _, rec := range recs {
		e, err := s.adopt(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Max flushes pending changes and returns the highest integer stored in field.
func (s *Store) Max(ctx context.Context, kind, field string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	if err := s.flush(ctx); err != nil {
		return 0, err
	}
	max, err := s.tx.Max(ctx, kind, field)
	if err != nil {
		return 0, classify("max "+kind, err)
	}
	return max, nil
}

// Flush writes pending changes to the backend transaction without committing.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.flush(ctx)
}

// PendingCount reports how many entities changed since the last commit.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make(map[Key]struct{}, len(s.touched))
	for key := range s.touched {
		pending[key] = struct{}{}
	}
	for key, ent := range s.entries {
		dirty, err := s.dirty(ent)
		if err != nil || dirty {
			pending[key] = struct{}{}
		}
	}
	return len(pending)
}

// Savepoint flushes and records a named point RollbackTo can return to.
func (s *Store) Savepoint(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if name == "" {
		return errors.New("store: savepoint requires a name")
	}
	if err := s.flush(ctx); err != nil {
		return err
	}
	if err := s.tx.Savepoint(ctx, name); err != nil {
		return classify("savepoint "+name, err)
	}
	sp := savepoint{
		name:    name,
		entries: make(map[Key]savepointEntry, len(s.entries)),
		touched: copySet(s.touched),
		born:    copySet(s.born),
	}
	for key, ent := range s.entries {
		sp.entries[key] = savepointEntry{
			entity:    ent.entity,
			data:      append([]byte(nil), ent.snapshot...),
			state:     ent.state,
			persisted: ent.persisted,
		}
	}
	s.savepoints = append(s.savepoints, sp)
	return nil
}

// RollbackTo discards everything done after the named savepoint. Entities
// modified since then read back their earlier values in place; entities created
// since then are no longer tracked.
func (s *Store) RollbackTo(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	idx := -1
	for i := len(s.savepoints) - 1; i >= 0; i-- {
		if s.savepoints[i].name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrSavepointNotFound, name)
	}
	if err := s.tx.RollbackTo(ctx, name); err != nil {
		return classify("rollback to "+name, err)
	}
	sp := s.savepoints[idx]

	for _, key := range append([]Key(nil), s.order...) {
		ent := s.entries[key]
		if saved, ok := sp.entries[key]; ok {
			if err := reloadInPlace(ent.entity, saved.data); err != nil {
				return err
			}
			ent.snapshot = append([]byte(nil), saved.data...)
			ent.state = saved.state
			ent.persisted = saved.persisted
			continue
		}
		_, bornAfter := s.born[key]
		_, bornBefore := sp.born[key]
		if bornAfter && !bornBefore {
			s.untrack(key)
			continue
		}
		if err := s.reloadFromBackend(ctx, key, ent); err != nil {
			return err
		}
	}
	for key, saved := range sp.entries {
		if _, ok := s.entries[key]; ok {
			continue
		}
		if err := reloadInPlace(saved.entity, saved.data); err != nil {
			return err
		}
		s.track(key, &entry{
			entity:    saved.entity,
			snapshot:  append([]byte(nil), saved.data...),
			state:     saved.state,
			persisted: saved.persisted,
		})
	}
	s.touched = copySet(sp.touched)
	s.born = copySet(sp.born)
	s.savepoints = s.savepoints[:idx+1]
	return nil
}

// Commit flushes and commits the transaction, then tells other live stores
// which entities changed. Unless close is set a new transaction begins.
func (s *Store) Commit(ctx context.Context, close bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.flush(ctx); err != nil {
		return err
	}
	if err := s.tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	keys := make([]Key, 0, len(s.touched))
	for key := range s.touched {
		keys = append(keys, key)
	}
	s.touched = make(map[Key]struct{})
	s.born = make(map[Key]struct{})
	s.savepoints = nil

	notifyStores(s.id, keys)
	if s.broadcaster != nil && len(keys) > 0 {
		if err := s.broadcaster.Publish(ctx, keys); err != nil {
			s.logger.Warn("store invalidation publish failed", slog.Any("error", err))
		}
	}
	s.logger.Debug("store committed", slog.String("store", s.id.String()), slog.Int("entities", len(keys)))

	if close {
		s.closeLocked()
		return nil
	}
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		s.closeLocked()
		return classify("begin", err)
	}
	s.tx = tx
	return nil
}

// Rollback discards the transaction. Created entities are dropped and the rest
// are reloaded from the backend unless close is set.
func (s *Store) Rollback(ctx context.Context, close bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.tx.Rollback(ctx); err != nil {
		s.logger.Warn("store rollback failed", slog.Any("error", err))
	}
	touched := s.touched
	born := s.born
	s.touched = make(map[Key]struct{})
	s.born = make(map[Key]struct{})
	s.savepoints = nil
	if close {
		s.closeLocked()
		return nil
	}
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		s.closeLocked()
		return classify("begin", err)
	}
	s.tx = tx
	for _, key := range append([]Key(nil), s.order...) {
		ent := s.entries[key]
		if _, ok := born[key]; ok {
			s.untrack(key)
			continue
		}
		dirty, err := s.dirty(ent)
		if err != nil {
			return err
		}
		if _, ok := touched[key]; !ok && !dirty && ent.state == stateClean {
			continue
		}
		if err := s.reloadFromBackend(ctx, key, ent); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) closeLocked() {
	s.closed = true
	s.entries = make(map[Key]*entry)
	s.order = nil
	unregisterStore(s.id)
}

func (s *Store) get(ctx context.Context, key Key) (Entity, error) {
	if ent, ok := s.entries[key]; ok {
		if ent.state == stateDeleted {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if s.takeStale(key) {
			dirty, err := s.dirty(ent)
			if err != nil {
				return nil, err
			}
			if !dirty {
				if err := s.reloadFromBackend(ctx, key, ent); err != nil {
					return nil, err
				}
			}
		}
		return ent.entity, nil
	}
	rec, err := s.tx.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, classify("get "+key.String(), err)
	}
	s.takeStale(key)
	return s.adopt(rec)
}

// adopt returns the tracked instance for rec, decoding a new one when untracked.
func (s *Store) adopt(rec Record) (Entity, error) {
	if ent, ok := s.entries[rec.Key]; ok {
		if s.takeStale(rec.Key) {
			dirty, err := s.dirty(ent)
			if err != nil {
				return nil, err
			}
			if !dirty {
				if err := reloadInPlace(ent.entity, rec.Data); err != nil {
					return nil, err
				}
				ent.snapshot = append([]byte(nil), rec.Data...)
			}
		}
		return ent.entity, nil
	}
	e, err := newEntity(rec.Key.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rec.Data, e); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", rec.Key, err)
	}
	snapshot, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("store: encode %s: %w", rec.Key, err)
	}
	s.track(rec.Key, &entry{entity: e, snapshot: snapshot, state: stateClean, persisted: true})
	return e, nil
}

func (s *Store) reloadFromBackend(ctx context.Context, key Key, ent *entry) error {
	rec, err := s.tx.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		s.untrack(key)
		return nil
	}
	if err != nil {
		return classify("reload "+key.String(), err)
	}
	if err := reloadInPlace(ent.entity, rec.Data); err != nil {
		return err
	}
	snapshot, err := json.Marshal(ent.entity)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	ent.snapshot = snapshot
	ent.state = stateClean
	ent.persisted = true
	return nil
}

func (s *Store) flush(ctx context.Context) error {
	for _, key := range append([]Key(nil), s.order...) {
		ent := s.entries[key]
		switch ent.state {
		case stateDeleted:
			if ent.persisted {
				if err := s.tx.Delete(ctx, key); err != nil {
					return classify("delete "+key.String(), err)
				}
				s.touched[key] = struct{}{}
			}
			s.untrack(key)
		case stateCreated, stateClean:
			data, err := json.Marshal(ent.entity)
			if err != nil {
				return fmt.Errorf("store: encode %s: %w", key, err)
			}
			if ent.state == stateClean && bytes.Equal(data, ent.snapshot) {
				continue
			}
			rec := Record{Key: key, Data: data, Claims: claimsOf(ent.entity)}
			if err := s.tx.Put(ctx, rec); err != nil {
				return classify("put "+key.String(), err)
			}
			ent.snapshot = data
			ent.state = stateClean
			ent.persisted = true
			s.touched[key] = struct{}{}
		}
	}
	return nil
}

func (s *Store) dirty(ent *entry) (bool, error) {
	if ent.state != stateClean {
		return true, nil
	}
	data, err := json.Marshal(ent.entity)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(data, ent.snapshot), nil
}

func (s *Store) track(key Key, ent *entry) {
	if _, ok := s.entries[key]; !ok {
		s.order = append(s.order, key)
	}
	s.entries[key] = ent
}

func (s *Store) untrack(key Key) {
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Store) markStale(keys []Key) {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	for _, key := range keys {
		s.stale[key] = struct{}{}
	}
}

func (s *Store) takeStale(key Key) bool {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	if _, ok := s.stale[key]; !ok {
		return false
	}
	delete(s.stale, key)
	return true
}

// reloadInPlace overwrites the value behind e with data so callers holding the
// pointer observe the reloaded state.
func reloadInPlace(e Entity, data []byte) error {
	target := reflect.ValueOf(e)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("store: entity %T is not a pointer", e)
	}
	fresh := reflect.New(target.Elem().Type())
	if err := json.Unmarshal(data, fresh.Interface()); err != nil {
		return fmt.Errorf("store: decode %T: %w", e, err)
	}
	target.Elem().Set(fresh.Elem())
	return nil
}

func copySet(in map[Key]struct{}) map[Key]struct{} {
	out := make(map[Key]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// Load returns the entity of type T with id from s.
func Load[T Entity](ctx context.Context, s *Store, id uuid.UUID) (T, error) {
	var zero T
	e, err := s.Get(ctx, zero.EntityKind(), id)
	if err != nil {
		return zero, err
	}
	typed, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("store: %s has type %T", zero.EntityKind(), e)
	}
	return typed, nil
}

// FindAll returns every entity of type T matching the field filter.
func FindAll[T Entity](ctx context.Context, s *Store, match map[string]any) ([]T, error) {
	var zero T
	found, err := s.Find(ctx, zero.EntityKind(), match)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(found))
	for _, e := range found {
		typed, ok := e.(T)
		if !ok {
			return nil, fmt.Errorf("store: %s has type %T", zero.EntityKind(), e)
		}
		out = append(out, typed)
	}
	return out, nil
}

// FindOne returns the single entity of type T matching match, ErrNotFound when
// none does.
func FindOne[T Entity](ctx context.Context, s *Store, match map[string]any) (T, error) {
	var zero T
	all, err := FindAll[T](ctx, s, match)
	if err != nil {
		return zero, err
	}
	switch len(all) {
	case 0:
		return zero, fmt.Errorf("%w: %s", ErrNotFound, zero.EntityKind())
	case 1:
		return all[0], nil
	default:
		return zero, fmt.Errorf("store: %d %s entities match, expected one", len(all), zero.EntityKind())
	}
}
