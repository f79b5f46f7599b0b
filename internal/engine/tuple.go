package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/markb/pljs/internal/types"
)

// OID identifies catalog objects.
type OID = uint32

// Datum is an engine value as produced by a type's input function.
type Datum = any

// Attribute describes one column of a tuple.
type Attribute struct {
	Name   string
	Type   *types.Type
	TypMod int32
}

// TupleDesc describes the columns of a tuple.
type TupleDesc struct {
	TypeOID OID // row type, RecordOID for anonymous rows
	Attrs   []Attribute
}

// NAttrs returns the number of columns.
func (d *TupleDesc) NAttrs() int {
	return len(d.Attrs)
}

// AttrNum returns the 1-based column number of name, or SPIErrorNoAttribute.
func (d *TupleDesc) AttrNum(name string) int {
	for i, a := range d.Attrs {
		if a.Name == name {
			return i + 1
		}
	}
	return SPIErrorNoAttribute
}

// Names returns the column names.
func (d *TupleDesc) Names() []string {
	out := make([]string, len(d.Attrs))
	for i, a := range d.Attrs {
		out[i] = a.Name
	}
	return out
}

// HeapTuple is one row.
type HeapTuple struct {
	Desc   *TupleDesc
	Values []Datum
	Nulls  []bool

	rowid int64
}

// Copy returns an independent copy of the tuple.
func (t *HeapTuple) Copy() *HeapTuple {
	c := &HeapTuple{Desc: t.Desc, rowid: t.rowid}
	c.Values = append([]Datum(nil), t.Values...)
	c.Nulls = append([]bool(nil), t.Nulls...)
	return c
}

// TupleTable is the result of an SPI query.
type TupleTable struct {
	Desc *TupleDesc
	Rows []*HeapTuple
}

// TupleStore accumulates the rows of a set-returning call.
type TupleStore struct {
	Desc *TupleDesc
	Rows []*HeapTuple
	done bool
}

// NewTupleStore creates an empty store for rows of desc.
func NewTupleStore(desc *TupleDesc) *TupleStore {
	return &TupleStore{Desc: desc}
}

// Put appends a row.
func (ts *TupleStore) Put(t *HeapTuple) error {
	if ts.done {
		return errors.New("tuple store is already complete")
	}
	if len(t.Values) != ts.Desc.NAttrs() {
		return errors.Newf("tuple has %d columns, store expects %d", len(t.Values), ts.Desc.NAttrs())
	}
	ts.Rows = append(ts.Rows, t)
	return nil
}

// Done marks the store complete.
func (ts *TupleStore) Done() {
	ts.done = true
}

// IsDone reports whether the store was completed.
func (ts *TupleStore) IsDone() bool {
	return ts.done
}

// Input converts external text to a datum, including composite row literals.
func (s *Session) Input(t *types.Type, text string, typmod int32) (Datum, error) {
	if t.Kind == types.KindComposite {
		desc, err := s.rowDesc(t)
		if err != nil {
			return nil, err
		}
		return s.recordIn(desc, text)
	}
	return t.Input(text, typmod)
}

// Output converts a datum to external text, including composite rows.
func (s *Session) Output(t *types.Type, v Datum) (string, error) {
	return OutputText(t, v)
}

// OutputText runs the output function of t, rendering rows as record literals.
func OutputText(t *types.Type, v Datum) (string, error) {
	if tup, ok := v.(*HeapTuple); ok {
		return formatRecord(tup)
	}
	return t.Output(v)
}

// BuildTupleFromStrings builds a tuple from per-column text; nil entries are nulls.
func (s *Session) BuildTupleFromStrings(desc *TupleDesc, values []*string) (*HeapTuple, error) {
	if len(values) != desc.NAttrs() {
		return nil, errors.Newf("expected %d column values, got %d", desc.NAttrs(), len(values))
	}
	t := &HeapTuple{Desc: desc, Values: make([]Datum, len(values)), Nulls: make([]bool, len(values))}
	for i, v := range values {
		if v == nil {
			t.Nulls[i] = true
			continue
		}
		attr := desc.Attrs[i]
		d, err := s.Input(attr.Type, *v, attr.TypMod)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", attr.Name)
		}
		t.Values[i] = d
	}
	return t, nil
}

// ModifyTuple returns a copy of tuple with the 1-based attnums replaced.
func (s *Session) ModifyTuple(tuple *HeapTuple, attnums []int, values []Datum, nulls []bool) (*HeapTuple, error) {
	if len(attnums) != len(values) || len(values) != len(nulls) {
		return nil, &SPIError{Op: "SPI_modifytuple", Code: SPIErrorArgument}
	}
	out := tuple.Copy()
	for i, n := range attnums {
		if n < 1 || n > len(out.Values) {
			return nil, &SPIError{Op: "SPI_modifytuple", Code: SPIErrorNoAttribute}
		}
		out.Values[n-1] = values[i]
		out.Nulls[n-1] = nulls[i]
	}
	return out, nil
}

// formatRecord renders a row as "(a,b,...)", quoting values the way record_out does.
func formatRecord(t *HeapTuple) (string, error) {
	var b strings.Builder
	b.WriteByte('(')
	for i, v := range t.Values {
		if i > 0 {
			b.WriteByte(',')
		}
		if t.Nulls[i] {
			continue
		}
		text, err := OutputText(t.Desc.Attrs[i].Type, v)
		if err != nil {
			return "", err
		}
		if text == "" || strings.ContainsAny(text, `(),"\ `) {
			b.WriteByte('"')
			b.WriteString(strings.NewReplacer(`"`, `""`, `\`, `\\`).Replace(text))
			b.WriteByte('"')
		} else {
			b.WriteString(text)
		}
	}
	b.WriteByte(')')
	return b.String(), nil
}

// recordIn parses a "(a,b,...)" literal against desc.
func (s *Session) recordIn(desc *TupleDesc, text string) (*HeapTuple, error) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '(' || text[len(text)-1] != ')' {
		return nil, errors.Newf("malformed record literal: %q", text)
	}
	body := text[1 : len(text)-1]

	var fields []*string
	var cur strings.Builder
	quoted, wasQuoted := false, false
	flush := func() {
		if cur.Len() == 0 && !wasQuoted {
			fields = append(fields, nil)
		} else {
			v := cur.String()
			fields = append(fields, &v)
		}
		cur.Reset()
		wasQuoted = false
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case quoted && c == '"' && i+1 < len(body) && body[i+1] == '"':
			cur.WriteByte('"')
			i++
		case quoted && c == '\\' && i+1 < len(body):
			cur.WriteByte(body[i+1])
			i++
		case c == '"':
			quoted = !quoted
			wasQuoted = true
		case c == ',' && !quoted:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()

	if len(fields) != desc.NAttrs() {
		return nil, errors.Newf("malformed record literal: %q: expected %d columns", text, desc.NAttrs())
	}
	return s.BuildTupleFromStrings(desc, fields)
}

// storageValue converts a datum to the value bound into SQLite.
func (s *Session) storageValue(t *types.Type, v Datum) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		return x, nil
	case []byte:
		return x, nil
	case time.Time:
		return formatTime(t, x), nil
	}
	return s.Output(t, v)
}

// storageText converts a value read from SQLite to the external text of t.
func storageText(t *types.Type, v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		if x {
			return "t", true
		}
		return "f", true
	case string:
		return x, true
	case []byte:
		return string(x), true
	case time.Time:
		return formatTime(t, x), true
	}
	return fmt.Sprint(v), true
}

func formatTime(t *types.Type, tm time.Time) string {
	switch t.OID {
	case pgtype.DateOID:
		return tm.Format("2006-01-02")
	case pgtype.TimeOID:
		return tm.Format("15:04:05.999999")
	case pgtype.TimestamptzOID:
		return tm.Format("2006-01-02 15:04:05.999999999Z07:00")
	}
	return tm.Format("2006-01-02 15:04:05.999999999")
}

// storageDatum converts a value read from SQLite into a datum of t.
func (s *Session) storageDatum(t *types.Type, typmod int32, v any) (Datum, bool, error) {
	if b, ok := v.([]byte); ok && t.OID == pgtype.ByteaOID {
		return append([]byte(nil), b...), false, nil
	}
	text, ok := storageText(t, v)
	if !ok {
		return nil, true, nil
	}
	d, err := s.Input(t, text, typmod)
	if err != nil {
		return nil, false, err
	}
	return d, false, nil
}
