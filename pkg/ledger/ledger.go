package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/satya-market/access-go/pkg/errdefs"
)

// Reader is the read side of the ledger. GetObject returns an error
// wrapping errdefs.ErrNotFound when the object does not exist, and one
// wrapping errdefs.ErrLedgerUnavailable when the lookup itself failed.
type Reader interface {
	GetObject(ctx context.Context, id string) (*Object, error)
}

type OwnerKind string

const (
	OwnerAddress   OwnerKind = "address"
	OwnerObject    OwnerKind = "object"
	OwnerShared    OwnerKind = "shared"
	OwnerImmutable OwnerKind = "immutable"
)

type Object struct {
	ID        string         `json:"objectId"`
	Version   string         `json:"version,omitempty"`
	Type      string         `json:"type,omitempty"`
	Owner     string         `json:"owner,omitempty"`
	OwnerKind OwnerKind      `json:"ownerKind,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Owned reports whether the object has a single owner.
func (o *Object) Owned() bool {
	return (o.OwnerKind == OwnerAddress || o.OwnerKind == OwnerObject) && o.Owner != ""
}

func (o *Object) String(field string) string {
	v, ok := o.Fields[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Uint64 reads a numeric field. u64 values arrive as decimal strings.
func (o *Object) Uint64(field string) (uint64, error) {
	v, ok := o.Fields[field]
	if !ok || v == nil {
		return 0, nil
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return 0, nil
		}
		return strconv.ParseUint(t, 10, 64)
	case float64:
		if t < 0 {
			return 0, fmt.Errorf("field %s: negative value %v", field, t)
		}
		return uint64(t), nil
	case uint64:
		return t, nil
	case int64:
		if t < 0 {
			return 0, fmt.Errorf("field %s: negative value %d", field, t)
		}
		return uint64(t), nil
	case int:
		if t < 0 {
			return 0, fmt.Errorf("field %s: negative value %d", field, t)
		}
		return uint64(t), nil
	default:
		return 0, fmt.Errorf("field %s: unexpected type %T", field, v)
	}
}

// Memory is an in-process ledger.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]*Object
	errs    map[string]error
	calls   map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]*Object),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (m *Memory) Put(obj *Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[normalizeID(obj.ID)] = obj
}

func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, normalizeID(id))
}

// FailWith makes lookups of id fail as if the ledger were unreachable.
// A nil err clears the failure.
func (m *Memory) FailWith(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, normalizeID(id))
		return
	}
	m.errs[normalizeID(id)] = err
}

// Calls reports how many lookups were made for id.
func (m *Memory) Calls(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[normalizeID(id)]
}

func (m *Memory) GetObject(ctx context.Context, id string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapUnavailable(err)
	}
	key := normalizeID(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[key]++
	if err, ok := m.errs[key]; ok {
		return nil, wrapUnavailable(err)
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", id, errdefs.ErrNotFound)
	}
	cp := *obj
	return &cp, nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func wrapUnavailable(err error) error {
	return fmt.Errorf("%w: %w", errdefs.ErrLedgerUnavailable, err)
}
