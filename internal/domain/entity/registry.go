// Package entity describes which shard tables the router may touch.
// Every table, key column and mirror table that reaches SQL text comes from here.
package entity

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownType is returned for entity types that were never registered.
var ErrUnknownType = errors.New("unknown entity type")

// Definition maps an entity type to its shard table and catalog mirror.
type Definition struct {
	// Type is the replication/event name, e.g. "COMPLAINT".
	Type string

	// Shard side.
	Table           string // business table in every hospital database
	IDColumn        string // primary key
	KeyColumn       string // human key used by the cross-shard resolver
	GlobalIDColumn  string // tenant-independent UUID
	TitleColumn     string // optional, shown in trash listings
	DeletedAtColumn string // soft-delete marker

	// Catalog side.
	MirrorTable   string
	MirrorColumns []string // payload fields copied into the mirror
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Validate checks that every SQL identifier is safe to interpolate.
func (d Definition) Validate() error {
	if d.Type == "" {
		return errors.New("entity type is empty")
	}
	idents := []string{d.Table, d.IDColumn, d.KeyColumn, d.GlobalIDColumn, d.DeletedAtColumn, d.MirrorTable}
	if d.TitleColumn != "" {
		idents = append(idents, d.TitleColumn)
	}
	idents = append(idents, d.MirrorColumns...)
	for _, ident := range idents {
		if !identRe.MatchString(ident) {
			return fmt.Errorf("entity %s: invalid identifier %q", d.Type, ident)
		}
	}
	for _, reserved := range []string{"global_id", "source_tenant_id", "source_event_id", "replicated_at", "deleted_at"} {
		if slices.Contains(d.MirrorColumns, reserved) {
			return fmt.Errorf("entity %s: mirror column %q is managed by replication", d.Type, reserved)
		}
	}
	return nil
}

// Registry is a concurrency-safe set of definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a definition.
func (r *Registry) Register(d Definition) error {
	d.Type = normalize(d.Type)
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.defs[d.Type] = d
	r.mu.Unlock()
	return nil
}

// MustRegister panics on an invalid definition.
func (r *Registry) MustRegister(d Definition) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Lookup finds a definition by type, case-insensitively.
func (r *Registry) Lookup(entityType string) (Definition, error) {
	r.mu.RLock()
	d, ok := r.defs[normalize(entityType)]
	r.mu.RUnlock()
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownType, entityType)
	}
	return d, nil
}

// Types returns registered types sorted by name.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func normalize(entityType string) string {
	return strings.ToUpper(strings.TrimSpace(entityType))
}

// Well-known types replicated from hospital shards.
const (
	TypeComplaint  = "COMPLAINT"
	TypeDepartment = "DEPARTMENT"
)

// Default returns the registry for the hospital complaint tables.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister(Definition{
		Type:            TypeComplaint,
		Table:           "complaints",
		IDColumn:        "complaint_id",
		KeyColumn:       "complaint_code",
		GlobalIDColumn:  "global_id",
		TitleColumn:     "title",
		DeletedAtColumn: "deleted_at",
		MirrorTable:     "mirror_complaints",
		MirrorColumns:   []string{"complaint_code", "title", "status", "department_id", "created_at", "updated_at"},
	})
	r.MustRegister(Definition{
		Type:            TypeDepartment,
		Table:           "departments",
		IDColumn:        "department_id",
		KeyColumn:       "code",
		GlobalIDColumn:  "global_id",
		TitleColumn:     "name",
		DeletedAtColumn: "deleted_at",
		MirrorTable:     "mirror_departments",
		MirrorColumns:   []string{"code", "name", "is_active"},
	})
	return r
}
