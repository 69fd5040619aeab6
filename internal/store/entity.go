package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Entity is any domain object persisted through a Store. Implementations must be
// pointers to structs that round-trip through encoding/json.
type Entity interface {
	EntityKind() string
	EntityID() uuid.UUID
}

// Key identifies an entity across stores and backends.
type Key struct {
	Kind string    `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

// String renders the key as kind/id.
func (k Key) String() string {
	return k.Kind + "/" + k.ID.String()
}

// KeyOf builds the key of an entity.
func KeyOf(e Entity) Key {
	return Key{Kind: e.EntityKind(), ID: e.EntityID()}
}

// UniqueClaim is a (constraint, value) pair an entity holds exclusively.
type UniqueClaim struct {
	Constraint string `json:"constraint"`
	Value      string `json:"value"`
}

func (c UniqueClaim) token() string {
	return c.Constraint + "\x00" + c.Value
}

// UniqueClaimer is implemented by entities carrying unique columns.
type UniqueClaimer interface {
	UniqueClaims() []UniqueClaim
}

// InvoiceNumberConstraint is the claim used by sales for their invoice number.
const InvoiceNumberConstraint = "sale.invoice_number"

var kinds = struct {
	sync.RWMutex
	factories map[string]func() Entity
}{factories: make(map[string]func() Entity)}

// Register binds an entity kind to its factory. Domain packages call it from init.
func Register(kind string, factory func() Entity) {
	if kind == "" || factory == nil {
		panic("store: register requires kind and factory")
	}
	kinds.Lock()
	defer kinds.Unlock()
	kinds.factories[kind] = factory
}

// RegisteredKinds lists known kinds in lexical order.
func RegisteredKinds() []string {
	kinds.RLock()
	defer kinds.RUnlock()
	out := make([]string, 0, len(kinds.factories))
	for kind := range kinds.factories {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

func newEntity(kind string) (Entity, error) {
	kinds.RLock()
	factory, ok := kinds.factories[kind]
	kinds.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return factory(), nil
}

func claimsOf(e Entity) []UniqueClaim {
	claimer, ok := e.(UniqueClaimer)
	if !ok {
		return nil
	}
	claims := claimer.UniqueClaims()
	out := claims[:0:0]
	for _, c := range claims {
		if c.Constraint == "" || c.Value == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}
