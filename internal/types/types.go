// Package types is the engine's type catalog: type identity, storage length, kind and the
// text input/output conversion functions used to move values across the language boundary.
package types

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgtype"
)

// Kind classifies a type the way the catalog's typtype column does.
type Kind byte

const (
	KindBase      Kind = 'b'
	KindComposite Kind = 'c'
	KindPseudo    Kind = 'p'
)

// Pseudo-type OIDs not exported by pgtype.
const (
	VoidOID    uint32 = 2278
	TriggerOID uint32 = 2279
)

// InputFunc converts external text to an engine datum. typmod is -1 when unknown.
type InputFunc func(text string, typmod int32) (any, error)

// OutputFunc converts an engine datum to its external text.
type OutputFunc func(value any) (string, error)

// Type is one catalog type entry.
type Type struct {
	OID   uint32
	Name  string
	Len   int16 // -1 for variable length types
	Kind  Kind
	Elem  uint32 // element type for arrays
	RelID uint32 // owning relation for composite types

	input  InputFunc
	output OutputFunc
}

// Input runs the type's input conversion function.
func (t *Type) Input(text string, typmod int32) (any, error) {
	if t.input == nil {
		return nil, fmt.Errorf("type %s (%d) has no input function", t.Name, t.OID)
	}
	return t.input(text, typmod)
}

// Output runs the type's output conversion function.
func (t *Type) Output(value any) (string, error) {
	if t.output == nil {
		return "", fmt.Errorf("type %s (%d) has no output function", t.Name, t.OID)
	}
	return t.output(value)
}

// IsVarlena reports whether values of the type are variable length, heap allocated datums.
func (t *Type) IsVarlena() bool {
	return t.Len < 0
}

// Module registers additional types into a registry. Peripheral type packages expose one.
type Module func(r *Registry) error

// Registry maps OIDs and names to types. Lookups are safe for concurrent use; the pgtype
// map underneath memoizes plans and is guarded by the registry lock.
type Registry struct {
	mu     sync.RWMutex
	byOID  map[uint32]*Type
	byName map[string]*Type

	codecMu sync.Mutex
	m       *pgtype.Map
}

// NewRegistry returns a registry seeded with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{
		byOID:  make(map[uint32]*Type),
		byName: make(map[string]*Type),
		m:      pgtype.NewMap(),
	}
	for _, b := range builtins {
		if err := r.RegisterCodec(b.name, b.len); err != nil {
			panic(err)
		}
	}
	r.mustRegister(&Type{OID: pgtype.JSONOID, Name: "json", Len: -1, Kind: KindBase, input: jsonInput, output: textOutput})
	r.mustRegister(&Type{OID: pgtype.JSONBOID, Name: "jsonb", Len: -1, Kind: KindBase, input: jsonInput, output: textOutput})
	r.mustRegister(&Type{OID: pgtype.RecordOID, Name: "record", Len: -1, Kind: KindPseudo})
	r.mustRegister(&Type{OID: VoidOID, Name: "void", Len: 4, Kind: KindPseudo,
		input:  func(string, int32) (any, error) { return nil, nil },
		output: func(any) (string, error) { return "", nil },
	})
	r.mustRegister(&Type{OID: TriggerOID, Name: "trigger", Len: 4, Kind: KindPseudo})
	return r
}

// Install runs each module against the registry.
func (r *Registry) Install(mods ...Module) error {
	for _, mod := range mods {
		if err := mod(r); err != nil {
			return fmt.Errorf("install type module: %w", err)
		}
	}
	return nil
}

// Register adds a type. Registering an existing OID replaces the previous entry.
func (r *Registry) Register(t *Type) error {
	if t.OID == 0 || t.Name == "" {
		return fmt.Errorf("type needs an oid and a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byOID[t.OID] = t
	r.byName[t.Name] = t
	return nil
}

func (r *Registry) mustRegister(t *Type) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// RegisterCodec registers a type whose conversion functions come from the pgtype codec
// registered under name.
func (r *Registry) RegisterCodec(name string, length int16) error {
	pt, ok := r.m.TypeForName(name)
	if !ok {
		return fmt.Errorf("no codec for type %q", name)
	}
	t := &Type{OID: pt.OID, Name: name, Len: length, Kind: KindBase}
	if elem, ok := arrayElem[pt.OID]; ok {
		t.Elem = elem
	}
	t.input = r.codecInput(pt.OID, name)
	t.output = r.codecOutput(pt.OID)
	return r.Register(t)
}

// RegisterComposite registers (or refreshes) the row type of a relation.
func (r *Registry) RegisterComposite(oid uint32, name string) *Type {
	t := &Type{OID: oid, Name: name, Len: -1, Kind: KindComposite, RelID: oid}
	r.mustRegister(t)
	return t
}

// Lookup returns the type with the given OID.
func (r *Registry) Lookup(oid uint32) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byOID[oid]
	return t, ok
}

// LookupName resolves a SQL type name, accepting the usual aliases.
func (r *Registry) LookupName(name string) (*Type, bool) {
	n := normalizeName(name)
	if alias, ok := aliases[n]; ok {
		n = alias
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[n]
	return t, ok
}

func normalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.Join(strings.Fields(n), " ")
	if strings.HasSuffix(n, "[]") {
		n = "_" + strings.TrimSpace(strings.TrimSuffix(n, "[]"))
		if alias, ok := aliases[n[1:]]; ok {
			n = "_" + alias
		}
	}
	return n
}

var aliases = map[string]string{
	"integer":                     "int4",
	"int":                         "int4",
	"smallint":                    "int2",
	"bigint":                      "int8",
	"real":                        "float4",
	"float":                       "float8",
	"double":                      "float8",
	"double precision":            "float8",
	"boolean":                     "bool",
	"character varying":           "varchar",
	"character":                   "bpchar",
	"char":                        "bpchar",
	"decimal":                     "numeric",
	"timestamp without time zone": "timestamp",
	"timestamp with time zone":    "timestamptz",
	"time without time zone":      "time",
}

type builtin struct {
	name string
	len  int16
}

var builtins = []builtin{
	{"bool", 1},
	{"bytea", -1},
	{"name", 64},
	{"int8", 8},
	{"int2", 2},
	{"int4", 4},
	{"text", -1},
	{"oid", 4},
	{"float4", 4},
	{"float8", 8},
	{"bpchar", -1},
	{"varchar", -1},
	{"date", 4},
	{"time", 8},
	{"timestamp", 8},
	{"timestamptz", 8},
	{"interval", 16},
	{"numeric", -1},
	{"uuid", 16},
	{"_bool", -1},
	{"_int2", -1},
	{"_int4", -1},
	{"_int8", -1},
	{"_text", -1},
	{"_varchar", -1},
	{"_float4", -1},
	{"_float8", -1},
	{"_numeric", -1},
}

var arrayElem = map[uint32]uint32{
	pgtype.BoolArrayOID:    pgtype.BoolOID,
	pgtype.Int2ArrayOID:    pgtype.Int2OID,
	pgtype.Int4ArrayOID:    pgtype.Int4OID,
	pgtype.Int8ArrayOID:    pgtype.Int8OID,
	pgtype.TextArrayOID:    pgtype.TextOID,
	pgtype.VarcharArrayOID: pgtype.VarcharOID,
	pgtype.Float4ArrayOID:  pgtype.Float4OID,
	pgtype.Float8ArrayOID:  pgtype.Float8OID,
	pgtype.NumericArrayOID: pgtype.NumericOID,
}
