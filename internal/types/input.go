package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgtype"
)

// VarHdrSz is added to declared character lengths to form the type modifier.
const VarHdrSz = 4

// inputCheck normalizes or validates external text before the codec sees it.
type inputCheck func(text string, typmod int32) (string, error)

// inputChecks maps type names to their pre-decode checks.
var inputChecks = map[string]inputCheck{
	"bool":        normalizeBool,
	"varchar":     checkVarchar,
	"bpchar":      padBPChar,
	"timestamp":   normalizeTimestamp(""),
	"timestamptz": normalizeTimestamp("Z"),
}

func (r *Registry) codecInput(oid uint32, name string) InputFunc {
	check := inputChecks[name]
	return func(text string, typmod int32) (any, error) {
		if check != nil {
			var err error
			if text, err = check(text, typmod); err != nil {
				return nil, err
			}
		}
		pt, ok := r.m.TypeForOID(oid)
		if !ok {
			return nil, fmt.Errorf("cache lookup failed for type %d", oid)
		}
		r.codecMu.Lock()
		defer r.codecMu.Unlock()
		v, err := pt.Codec.DecodeValue(r.m, oid, pgtype.TextFormatCode, []byte(text))
		if err != nil {
			return nil, fmt.Errorf("invalid input syntax for type %s: %q", name, text)
		}
		return v, nil
	}
}

func (r *Registry) codecOutput(oid uint32) OutputFunc {
	return func(value any) (string, error) {
		if s, ok := value.(string); ok && textLike(oid) {
			return s, nil
		}
		r.codecMu.Lock()
		defer r.codecMu.Unlock()
		buf, err := r.m.Encode(oid, pgtype.TextFormatCode, value, nil)
		if err != nil {
			return "", fmt.Errorf("output conversion for type %d: %w", oid, err)
		}
		if buf == nil {
			return "", fmt.Errorf("output conversion for type %d produced null", oid)
		}
		return string(buf), nil
	}
}

func textLike(oid uint32) bool {
	switch oid {
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID, pgtype.NameOID:
		return true
	}
	return false
}

func jsonInput(text string, _ int32) (any, error) {
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("invalid input syntax for type json: %q", text)
	}
	return text, nil
}

func textOutput(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("output conversion: %w", err)
		}
		return string(b), nil
	}
}

func normalizeBool(text string, _ int32) (string, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "t", "true", "y", "yes", "on", "1":
		return "t", nil
	case "f", "false", "n", "no", "off", "0":
		return "f", nil
	}
	return "", fmt.Errorf("invalid input syntax for type boolean: %q", text)
}

func checkVarchar(text string, typmod int32) (string, error) {
	if typmod < VarHdrSz {
		return text, nil
	}
	if max := int(typmod - VarHdrSz); utf8.RuneCountInString(text) > max {
		return "", fmt.Errorf("value too long for type character varying(%d)", max)
	}
	return text, nil
}

func padBPChar(text string, typmod int32) (string, error) {
	if typmod < VarHdrSz {
		return text, nil
	}
	max := int(typmod - VarHdrSz)
	n := utf8.RuneCountInString(text)
	if n > max {
		trimmed := strings.TrimRight(text, " ")
		if utf8.RuneCountInString(trimmed) > max {
			return "", fmt.Errorf("value too long for type character(%d)", max)
		}
		return string([]rune(text)[:max]), nil
	}
	return text + strings.Repeat(" ", max-n), nil
}

// timestampFormats are the accepted ISO 8601 layouts, rewritten to the engine's format.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func normalizeTimestamp(zone string) inputCheck {
	return func(text string, _ int32) (string, error) {
		if !strings.Contains(text, "T") {
			return text, nil
		}
		for _, layout := range timestampFormats {
			if t, err := time.Parse(layout, text); err == nil {
				return t.UTC().Format("2006-01-02 15:04:05.999999999") + zone, nil
			}
		}
		return "", fmt.Errorf("invalid input syntax for type timestamp: %q", text)
	}
}

var declPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_ ]*?)\s*(?:\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\))?\s*(\[\])?\s*$`)

// ParseTypmod splits a declared type such as "varchar(20)" into its base name and type
// modifier. typmod is -1 when the declaration carries none.
func ParseTypmod(decl string) (name string, typmod int32) {
	m := declPattern.FindStringSubmatch(decl)
	if m == nil {
		return strings.TrimSpace(decl), -1
	}
	name = m[1] + m[4]
	typmod = -1
	if m[2] == "" {
		return name, typmod
	}
	p, _ := strconv.Atoi(m[2])
	if m[3] != "" {
		s, _ := strconv.Atoi(m[3])
		return name, int32(p<<16|s) + VarHdrSz
	}
	return name, int32(p) + VarHdrSz
}

// storageNames maps SQLite storage class declarations to engine types.
var storageNames = map[string]uint32{
	"INTEGER":  pgtype.Int8OID,
	"INT":      pgtype.Int8OID,
	"BIGINT":   pgtype.Int8OID,
	"SMALLINT": pgtype.Int2OID,
	"REAL":     pgtype.Float8OID,
	"FLOAT":    pgtype.Float8OID,
	"DOUBLE":   pgtype.Float8OID,
	"CLOB":     pgtype.TextOID,
	"BLOB":     pgtype.ByteaOID,
	"DATETIME": pgtype.TimestampOID,
	"":         pgtype.TextOID,
}

// ResolveDecl resolves a column's declared type. SQLite storage class names take
// precedence over SQL aliases so that INTEGER columns keep 64-bit range; anything
// unknown falls back to text.
func (r *Registry) ResolveDecl(decl string) (*Type, int32) {
	name, typmod := ParseTypmod(decl)
	if oid, ok := storageNames[strings.ToUpper(name)]; ok {
		t, _ := r.Lookup(oid)
		return t, typmod
	}
	if t, ok := r.LookupName(name); ok {
		return t, typmod
	}
	t, _ := r.Lookup(pgtype.TextOID)
	return t, typmod
}

// DeclaredLength is the length reported for a column: the type modifier for character
// types, -1 when they are unbounded, and the storage length otherwise.
func DeclaredLength(t *Type, typmod int32) int {
	switch t.OID {
	case pgtype.TextOID:
		return -1
	case pgtype.BPCharOID, pgtype.VarcharOID:
		if typmod < VarHdrSz {
			return -1
		}
		return int(typmod - VarHdrSz)
	}
	return int(t.Len)
}
