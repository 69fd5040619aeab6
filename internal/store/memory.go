package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// MemoryBackend keeps committed records in process memory. Transactions see
// committed data plus their own writes, and unique claims are reserved at write
// time so two live transactions cannot hold the same value.
type MemoryBackend struct {
	mu        sync.Mutex
	rows      map[Key]Record
	committed map[string]Key
	reserved  map[string]int64
	nextTx    int64
}

// NewMemoryBackend constructs an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		rows:      make(map[Key]Record),
		committed: make(map[string]Key),
		reserved:  make(map[string]int64),
	}
}

// Begin starts a new memory transaction.
func (b *MemoryBackend) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTx++
	return &memoryTx{
		backend: b,
		id:      b.nextTx,
		writes:  make(map[Key]*Record),
		claims:  make(map[string]Key),
	}, nil
}

// Len reports the number of committed records, for tests and diagnostics.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

type memorySavepoint struct {
	name   string
	writes map[Key]*Record
	claims map[string]Key
}

type memoryTx struct {
	backend    *MemoryBackend
	id         int64
	writes     map[Key]*Record
	claims     map[string]Key
	savepoints []memorySavepoint
	done       bool
}

var errTxDone = errors.New("memory backend: transaction already finished")

func (tx *memoryTx) Get(ctx context.Context, key Key) (Record, error) {
	if tx.done {
		return Record{}, errTxDone
	}
	if rec, ok := tx.writes[key]; ok {
		if rec == nil {
			return Record{}, ErrNotFound
		}
		return cloneRecord(*rec), nil
	}
	b := tx.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.rows[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (tx *memoryTx) Put(ctx context.Context, rec Record) error {
	if tx.done {
		return errTxDone
	}
	b := tx.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, claim := range rec.Claims {
		token := claim.token()
		if owner, ok := b.committed[token]; ok && owner != rec.Key {
			if _, rewritten := tx.writes[owner]; !rewritten || tx.ownsClaimAfterWrite(owner, token) {
				return claimError(claim)
			}
		}
		if holder, ok := b.reserved[token]; ok && holder != tx.id {
			return claimError(claim)
		}
		if owner, ok := tx.claims[token]; ok && owner != rec.Key {
			if w, rewritten := tx.writes[owner]; !rewritten || w == nil || recordHolds(*w, token) {
				return claimError(claim)
			}
		}
	}
	for token, owner := range tx.claims {
		if owner == rec.Key && !recordHolds(rec, token) {
			delete(tx.claims, token)
			if b.reserved[token] == tx.id {
				delete(b.reserved, token)
			}
		}
	}
	for _, claim := range rec.Claims {
		token := claim.token()
		b.reserved[token] = tx.id
		tx.claims[token] = rec.Key
	}
	copyRec := cloneRecord(rec)
	tx.writes[rec.Key] = &copyRec
	return nil
}

// ownsClaimAfterWrite reports whether owner still holds token in this transaction's view.
func (tx *memoryTx) ownsClaimAfterWrite(owner Key, token string) bool {
	w := tx.writes[owner]
	if w == nil {
		return false
	}
	return recordHolds(*w, token)
}

func recordHolds(rec Record, token string) bool {
	for _, c := range rec.Claims {
		if c.token() == token {
			return true
		}
	}
	return false
}

func (tx *memoryTx) Delete(ctx context.Context, key Key) error {
	if tx.done {
		return errTxDone
	}
	tx.writes[key] = nil
	return nil
}

func (tx *memoryTx) Query(ctx context.Context, kind string, match map[string]any) ([]Record, error) {
	if tx.done {
		return nil, errTxDone
	}
	want := make(map[string][]byte, len(match))
	for field, value := range match {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		want[field] = raw
	}
	visible := tx.visible(kind)
	out := make([]Record, 0, len(visible))
	for _, rec := range visible {
		ok, err := matches(rec.Data, want)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (tx *memoryTx) Max(ctx context.Context, kind, field string) (int64, error) {
	if tx.done {
		return 0, errTxDone
	}
	var max int64
	for _, rec := range tx.visible(kind) {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(rec.Data, &doc); err != nil {
			return 0, err
		}
		raw, ok := doc[field]
		if !ok || bytes.Equal(raw, []byte("null")) {
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			continue
		}
		v, err := n.Int64()
		if err != nil {
			continue
		}
		if v > max {
			max = v
		}
	}
	return max, nil
}

// visible merges committed rows with this transaction's writes, ordered by id.
func (tx *memoryTx) visible(kind string) []Record {
	b := tx.backend
	b.mu.Lock()
	merged := make(map[Key]Record)
	for key, rec := range b.rows {
		if key.Kind == kind {
			merged[key] = cloneRecord(rec)
		}
	}
	b.mu.Unlock()
	for key, rec := range tx.writes {
		if key.Kind != kind {
			continue
		}
		if rec == nil {
			delete(merged, key)
			continue
		}
		merged[key] = cloneRecord(*rec)
	}
	out := make([]Record, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.ID.String() < out[j].Key.ID.String()
	})
	return out
}

func (tx *memoryTx) Savepoint(ctx context.Context, name string) error {
	if tx.done {
		return errTxDone
	}
	sp := memorySavepoint{
		name:   name,
		writes: make(map[Key]*Record, len(tx.writes)),
		claims: make(map[string]Key, len(tx.claims)),
	}
	for k, v := range tx.writes {
		if v == nil {
			sp.writes[k] = nil
			continue
		}
		c := cloneRecord(*v)
		sp.writes[k] = &c
	}
	for k, v := range tx.claims {
		sp.claims[k] = v
	}
	tx.savepoints = append(tx.savepoints, sp)
	return nil
}

func (tx *memoryTx) RollbackTo(ctx context.Context, name string) error {
	if tx.done {
		return errTxDone
	}
	idx := -1
	for i := len(tx.savepoints) - 1; i >= 0; i-- {
		if tx.savepoints[i].name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrSavepointNotFound
	}
	sp := tx.savepoints[idx]
	b := tx.backend
	b.mu.Lock()
	for token := range tx.claims {
		if _, kept := sp.claims[token]; !kept && b.reserved[token] == tx.id {
			delete(b.reserved, token)
		}
	}
	for token := range sp.claims {
		if _, held := b.reserved[token]; !held {
			b.reserved[token] = tx.id
		}
	}
	b.mu.Unlock()
	tx.writes = make(map[Key]*Record, len(sp.writes))
	for k, v := range sp.writes {
		if v == nil {
			tx.writes[k] = nil
			continue
		}
		c := cloneRecord(*v)
		tx.writes[k] = &c
	}
	tx.claims = make(map[string]Key, len(sp.claims))
	for k, v := range sp.claims {
		tx.claims[k] = v
	}
	tx.savepoints = tx.savepoints[:idx+1]
	return nil
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return errTxDone
	}
	b := tx.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]Key, 0, len(tx.writes))
	for key := range tx.writes {
		keys = append(keys, key)
	}
	// Old claims go first so a key can move a value to another key in one commit.
	for _, key := range keys {
		if old, ok := b.rows[key]; ok {
			for _, c := range old.Claims {
				if b.committed[c.token()] == key {
					delete(b.committed, c.token())
				}
			}
		}
	}
	for _, key := range keys {
		rec := tx.writes[key]
		if rec == nil {
			delete(b.rows, key)
			continue
		}
		stored := cloneRecord(*rec)
		if old, ok := b.rows[key]; ok {
			stored.Version = old.Version + 1
		} else {
			stored.Version = 1
		}
		b.rows[key] = stored
		for _, c := range stored.Claims {
			b.committed[c.token()] = key
		}
	}
	tx.release()
	tx.done = true
	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	b := tx.backend
	b.mu.Lock()
	tx.release()
	b.mu.Unlock()
	tx.done = true
	return nil
}

// release drops reservations; caller holds the backend lock.
func (tx *memoryTx) release() {
	for token := range tx.claims {
		if tx.backend.reserved[token] == tx.id {
			delete(tx.backend.reserved, token)
		}
	}
	tx.claims = make(map[string]Key)
}

func matches(data []byte, want map[string][]byte) (bool, error) {
	if len(want) == 0 {
		return true, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, err
	}
	for field, expected := range want {
		raw, ok := doc[field]
		if !ok || !bytes.Equal(raw, expected) {
			return false, nil
		}
	}
	return true, nil
}

func cloneRecord(rec Record) Record {
	out := rec
	out.Data = append([]byte(nil), rec.Data...)
	out.Claims = append([]UniqueClaim(nil), rec.Claims...)
	return out
}
