package engine

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	"github.com/markb/pljs/internal/types"
)

// relOIDBase offsets sqlite_schema rowids into the OID space of relations.
const relOIDBase = 100000

// Relation is an open table: its identity and row type.
type Relation struct {
	OID          OID
	Name         string
	Desc         *TupleDesc
	WithoutRowID bool
}

var withoutRowIDPattern = regexp.MustCompile(`(?i)\bWITHOUT\s+ROWID\b`)

// OpenRelation resolves a table by name. The row type is registered as a composite type
// whose OID is the relation's OID.
func (s *Session) OpenRelation(ctx context.Context, name string) (*Relation, error) {
	if rel, ok := s.relations[name]; ok {
		return rel, nil
	}
	var rowid int64
	var ddl sql.NullString
	err := s.conn.QueryRowContext(ctx,
		`SELECT rowid, sql FROM sqlite_schema WHERE type = 'table' AND name = ?`, name).Scan(&rowid, &ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf("relation %q does not exist", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open relation %q", name)
	}
	return s.loadRelation(ctx, OID(relOIDBase+rowid), name, ddl.String)
}

// RelationByOID resolves a table by OID.
func (s *Session) RelationByOID(ctx context.Context, oid OID) (*Relation, error) {
	for _, rel := range s.relations {
		if rel.OID == oid {
			return rel, nil
		}
	}
	if oid <= relOIDBase {
		return nil, errors.Newf("relation with OID %d does not exist", oid)
	}
	var name string
	var ddl sql.NullString
	err := s.conn.QueryRowContext(ctx,
		`SELECT name, sql FROM sqlite_schema WHERE type = 'table' AND rowid = ?`, int64(oid)-relOIDBase).Scan(&name, &ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf("relation with OID %d does not exist", oid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open relation %d", oid)
	}
	return s.loadRelation(ctx, oid, name, ddl.String)
}

func (s *Session) loadRelation(ctx context.Context, oid OID, name, ddl string) (*Relation, error) {
	rows, err := s.conn.QueryContext(ctx, "PRAGMA table_info("+pq.QuoteIdentifier(name)+")")
	if err != nil {
		return nil, errors.Wrapf(err, "read columns of %q", name)
	}
	defer rows.Close()

	desc := &TupleDesc{TypeOID: oid}
	for rows.Next() {
		var (
			cid, notNull, pk int
			col, decl        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &col, &decl, &notNull, &dflt, &pk); err != nil {
			return nil, errors.Wrapf(err, "scan column of %q", name)
		}
		t, typmod := s.types.ResolveDecl(decl)
		desc.Attrs = append(desc.Attrs, Attribute{Name: col, Type: t, TypMod: typmod})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.types.RegisterComposite(oid, name)
	rel := &Relation{OID: oid, Name: name, Desc: desc, WithoutRowID: withoutRowIDPattern.MatchString(ddl)}
	s.relations[name] = rel
	return rel, nil
}

// rowDesc returns the column layout of a composite type.
func (s *Session) rowDesc(t *types.Type) (*TupleDesc, error) {
	if t.Kind != types.KindComposite {
		return nil, errors.Newf("type %s is not composite", t.Name)
	}
	rel, err := s.RelationByOID(context.Background(), t.RelID)
	if err != nil {
		return nil, err
	}
	return rel.Desc, nil
}

// RowDesc returns the column layout of the composite type with the given OID.
func (s *Session) RowDesc(typeOID OID) (*TupleDesc, error) {
	t, ok := s.types.Lookup(typeOID)
	if !ok {
		return nil, errors.Newf("cache lookup failed for type %d", typeOID)
	}
	return s.rowDesc(t)
}

// invalidateRelations drops cached relation layouts after schema changes.
func (s *Session) invalidateRelations() {
	clear(s.relations)
}
