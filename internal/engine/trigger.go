package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/markb/pljs/internal/catalog"
	"github.com/markb/pljs/internal/db"
)

// TriggerEvent describes a trigger firing: the operation in the low bits plus the
// ROW and BEFORE flags.
type TriggerEvent uint32

const (
	TriggerEventInsert TriggerEvent = 0
	TriggerEventDelete TriggerEvent = 1
	TriggerEventUpdate TriggerEvent = 2
	TriggerEventOpMask TriggerEvent = 3
	TriggerEventRow    TriggerEvent = 4
	TriggerEventBefore TriggerEvent = 8
)

func (e TriggerEvent) IsInsert() bool { return e&TriggerEventOpMask == TriggerEventInsert }
func (e TriggerEvent) IsDelete() bool { return e&TriggerEventOpMask == TriggerEventDelete }
func (e TriggerEvent) IsUpdate() bool { return e&TriggerEventOpMask == TriggerEventUpdate }
func (e TriggerEvent) IsRow() bool    { return e&TriggerEventRow != 0 }
func (e TriggerEvent) IsBefore() bool { return e&TriggerEventBefore != 0 }

// TriggerInfo identifies the trigger being fired.
type TriggerInfo struct {
	OID  OID
	Name string
	Args []string
}

// TriggerData is passed to a procedure fired as a trigger. TrigTuple is the row the
// event is about (the new row for INSERT, the old row otherwise); NewTuple is the new
// row of an UPDATE. Both are nil for statement level triggers.
type TriggerData struct {
	Event     TriggerEvent
	Relation  *Relation
	TrigTuple *HeapTuple
	NewTuple  *HeapTuple
	Trigger   TriggerInfo
}

var (
	dmlTarget       = regexp.MustCompile(`(?is)^\s*(?:INSERT(?:\s+OR\s+([A-Za-z]+))?\s+INTO|(REPLACE)\s+INTO|UPDATE(?:\s+OR\s+([A-Za-z]+))?|DELETE\s+FROM)\s+("(?:[^"]|"")+"|[A-Za-z_][A-Za-z0-9_]*)`)
	returningClause = regexp.MustCompile(`(?is)\bRETURNING\b`)
)

// dmlTable returns the target table of a DML statement and its conflict clause.
func dmlTable(query string) (table, conflict string) {
	m := dmlTarget.FindStringSubmatch(query)
	if m == nil {
		return "", ""
	}
	table = m[4]
	if strings.HasPrefix(table, `"`) {
		table = strings.ReplaceAll(table[1:len(table)-1], `""`, `"`)
	}
	switch {
	case m[2] != "":
		conflict = "REPLACE"
	case m[1] != "":
		conflict = strings.ToUpper(m[1])
	case m[3] != "":
		conflict = strings.ToUpper(m[3])
	}
	return table, conflict
}

func opEvent(kind stmtKind) (TriggerEvent, catalog.Event) {
	switch kind {
	case kindDelete:
		return TriggerEventDelete, catalog.EventDelete
	case kindUpdate:
		return TriggerEventUpdate, catalog.EventUpdate
	}
	return TriggerEventInsert, catalog.EventInsert
}

// modify runs INSERT, UPDATE and DELETE, firing the triggers of the target table.
func (s *Session) modify(ctx context.Context, kind stmtKind, query string, params []Param) (*SPIResult, error) {
	table, conflict := dmlTable(query)
	hasReturning := returningClause.MatchString(query)

	var trigs []*catalog.Trigger
	if table != "" && !db.IsCatalogTable(table) {
		all, err := s.store.TriggersFor(ctx, table)
		if err != nil {
			return nil, s.sqlError(err, query)
		}
		_, ev := opEvent(kind)
		for _, t := range all {
			if t.Events&ev != 0 {
				trigs = append(trigs, t)
			}
		}
	}
	if len(trigs) == 0 {
		if hasReturning {
			return s.query(ctx, kind, query, params, 0)
		}
		return s.plainModify(ctx, kind, query, params)
	}

	rel, err := s.OpenRelation(ctx, table)
	if err != nil {
		return nil, s.raise(LevelError, err, "%s", err.Error())
	}
	var beforeStmt, afterStmt, beforeRow, afterRow []*catalog.Trigger
	for _, t := range trigs {
		switch {
		case t.Level == "ROW" && t.Timing == "BEFORE":
			beforeRow = append(beforeRow, t)
		case t.Level == "ROW":
			afterRow = append(afterRow, t)
		case t.Timing == "BEFORE":
			beforeStmt = append(beforeStmt, t)
		default:
			afterStmt = append(afterStmt, t)
		}
	}

	op, _ := opEvent(kind)
	for _, t := range beforeStmt {
		if _, err := s.fireTrigger(ctx, t, rel, op|TriggerEventBefore, nil, nil); err != nil {
			return nil, err
		}
	}

	var res *SPIResult
	switch {
	case len(beforeRow)+len(afterRow) == 0 && hasReturning:
		res, err = s.query(ctx, kind, query, params, 0)
	case len(beforeRow)+len(afterRow) == 0:
		res, err = s.plainModify(ctx, kind, query, params)
	case hasReturning:
		err = s.raise(LevelError, nil, "RETURNING is not supported on tables with row triggers")
	default:
		res, err = s.modifyRows(ctx, kind, query, params, rel, conflict, beforeRow, afterRow)
	}
	if err != nil {
		return nil, err
	}

	for _, t := range afterStmt {
		if _, err := s.fireTrigger(ctx, t, rel, op, nil, nil); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *Session) plainModify(ctx context.Context, kind stmtKind, query string, params []Param) (*SPIResult, error) {
	args, err := s.bind(params)
	if err != nil {
		return nil, err
	}
	r, err := s.conn.ExecContext(ctx, rewriteParams(query), args...)
	if err != nil {
		return nil, s.sqlError(err, query)
	}
	n, _ := r.RowsAffected()
	return &SPIResult{Code: resultCode(kind), Processed: n, Tag: commandTag(kind, query, n)}, nil
}

type rowChange struct {
	rowid    int64
	old, new *HeapTuple
}

// modifyRows runs the statement once inside a savepoint to learn which rows it touches,
// rolls that back, passes each row through the BEFORE ROW triggers and then applies the
// surviving rows one at a time.
func (s *Session) modifyRows(ctx context.Context, kind stmtKind, query string, params []Param, rel *Relation,
	conflict string, beforeRow, afterRow []*catalog.Trigger) (*SPIResult, error) {
	if rel.WithoutRowID && kind != kindInsert {
		return nil, s.raise(LevelError, nil, "row triggers on WITHOUT ROWID table %q are not supported", rel.Name)
	}

	s.savepoint++
	sp := fmt.Sprintf("pl_dml_%d", s.savepoint)
	if _, err := s.conn.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, s.sqlError(err, "SAVEPOINT")
	}
	released := false
	defer func() {
		if !released {
			s.conn.ExecContext(context.Background(), "ROLLBACK TO "+sp)
			s.conn.ExecContext(context.Background(), "RELEASE "+sp)
		}
	}()

	changes, err := s.probe(ctx, kind, query, params, rel)
	if err != nil {
		return nil, err
	}
	if _, err := s.conn.ExecContext(ctx, "ROLLBACK TO "+sp); err != nil {
		return nil, s.sqlError(err, "ROLLBACK TO")
	}
	if kind == kindUpdate {
		for _, ch := range changes {
			if ch.old, err = s.fetchRow(ctx, rel, ch.rowid); err != nil {
				return nil, err
			}
		}
	}

	op, _ := opEvent(kind)
	event := op | TriggerEventRow
	var applied []*rowChange
	for _, ch := range changes {
		keep := true
		for _, t := range beforeRow {
			trigTuple, newTuple := ch.old, ch.new
			if kind == kindInsert {
				trigTuple, newTuple = ch.new, nil
			}
			out, err := s.fireTrigger(ctx, t, rel, event|TriggerEventBefore, trigTuple, newTuple)
			if err != nil {
				return nil, err
			}
			if out == nil {
				keep = false
				break
			}
			if kind != kindDelete {
				ch.new = out
			}
		}
		if keep {
			applied = append(applied, ch)
		}
	}

	for _, ch := range applied {
		if err := s.applyChange(ctx, kind, rel, conflict, ch); err != nil {
			return nil, err
		}
	}
	if _, err := s.conn.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return nil, s.sqlError(err, "RELEASE")
	}
	released = true

	for _, ch := range applied {
		for _, t := range afterRow {
			trigTuple, newTuple := ch.old, ch.new
			if kind == kindInsert {
				trigTuple, newTuple = ch.new, nil
			}
			if _, err := s.fireTrigger(ctx, t, rel, event, trigTuple, newTuple); err != nil {
				return nil, err
			}
		}
	}
	n := int64(len(applied))
	return &SPIResult{Code: resultCode(kind), Processed: n, Tag: commandTag(kind, query, n)}, nil
}

func (s *Session) probe(ctx context.Context, kind stmtKind, query string, params []Param, rel *Relation) ([]*rowChange, error) {
	args, err := s.bind(params)
	if err != nil {
		return nil, err
	}
	probe := query + " RETURNING rowid, *"
	if rel.WithoutRowID {
		probe = query + " RETURNING 0, *"
	}
	rows, err := s.conn.QueryContext(ctx, rewriteParams(probe), args...)
	if err != nil {
		return nil, s.sqlError(err, query)
	}
	raw, err := scanRaw(rows, rel.Desc.NAttrs()+1, 0)
	rows.Close()
	if err != nil {
		return nil, s.sqlError(err, query)
	}

	changes := make([]*rowChange, 0, len(raw))
	for _, vals := range raw {
		tuples, err := s.convertRows(rel.Desc, [][]any{vals[1:]})
		if err != nil {
			return nil, err
		}
		rowid, _ := vals[0].(int64)
		ch := &rowChange{rowid: rowid}
		tuples[0].rowid = rowid
		if kind == kindDelete {
			ch.old = tuples[0]
		} else {
			ch.new = tuples[0]
		}
		changes = append(changes, ch)
	}
	return changes, nil
}

func (s *Session) fetchRow(ctx context.Context, rel *Relation, rowid int64) (*HeapTuple, error) {
	q := "SELECT * FROM " + pq.QuoteIdentifier(rel.Name) + " WHERE rowid = ?"
	rows, err := s.conn.QueryContext(ctx, q, rowid)
	if err != nil {
		return nil, s.sqlError(err, q)
	}
	raw, err := scanRaw(rows, rel.Desc.NAttrs(), 1)
	rows.Close()
	if err != nil {
		return nil, s.sqlError(err, q)
	}
	if len(raw) == 0 {
		return nil, s.raise(LevelError, nil, "row %d of %q vanished during update", rowid, rel.Name)
	}
	tuples, err := s.convertRows(rel.Desc, raw)
	if err != nil {
		return nil, err
	}
	tuples[0].rowid = rowid
	return tuples[0], nil
}

func (s *Session) applyChange(ctx context.Context, kind stmtKind, rel *Relation, conflict string, ch *rowChange) error {
	table := pq.QuoteIdentifier(rel.Name)
	var q string
	var args []any
	if kind != kindDelete {
		for i, a := range rel.Desc.Attrs {
			var v any
			if !ch.new.Nulls[i] {
				sv, err := s.storageValue(a.Type, ch.new.Values[i])
				if err != nil {
					return s.raise(LevelError, err, "%s", err.Error())
				}
				v = sv
			}
			args = append(args, v)
		}
	}
	switch kind {
	case kindInsert:
		cols := make([]string, len(rel.Desc.Attrs))
		marks := make([]string, len(rel.Desc.Attrs))
		for i, a := range rel.Desc.Attrs {
			cols[i] = pq.QuoteIdentifier(a.Name)
			marks[i] = "?"
		}
		verb := "INSERT"
		if conflict != "" {
			verb += " OR " + conflict
		}
		q = fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	case kindUpdate:
		sets := make([]string, len(rel.Desc.Attrs))
		for i, a := range rel.Desc.Attrs {
			sets[i] = pq.QuoteIdentifier(a.Name) + " = ?"
		}
		verb := "UPDATE"
		if conflict != "" {
			verb += " OR " + conflict
		}
		q = fmt.Sprintf("%s %s SET %s WHERE rowid = ?", verb, table, strings.Join(sets, ", "))
		args = append(args, ch.rowid)
	case kindDelete:
		q = "DELETE FROM " + table + " WHERE rowid = ?"
		args = append(args, ch.rowid)
	}
	r, err := s.conn.ExecContext(ctx, q, args...)
	if err != nil {
		return s.sqlError(err, q)
	}
	if kind == kindInsert {
		if id, err := r.LastInsertId(); err == nil {
			ch.rowid = id
			ch.new.rowid = id
		}
	}
	return nil
}

// fireTrigger calls the trigger's procedure. A nil row means the handler asked to skip
// the operation.
func (s *Session) fireTrigger(ctx context.Context, trig *catalog.Trigger, rel *Relation, event TriggerEvent,
	trigTuple, newTuple *HeapTuple) (*HeapTuple, error) {
	proc, err := s.store.GetProcByOID(ctx, trig.ProcOID)
	if err != nil {
		return nil, s.raise(LevelError, err, "cache lookup failed for function %d", trig.ProcOID)
	}
	fc := &FunctionCallInfo{
		FnOID: proc.OID,
		Trigger: &TriggerData{
			Event:     event,
			Relation:  rel,
			TrigTuple: trigTuple,
			NewTuple:  newTuple,
			Trigger:   TriggerInfo{OID: trig.OID, Name: trig.Name, Args: trig.Args},
		},
	}
	d, err := s.callFunction(ctx, proc, fc)
	if err != nil {
		return nil, err
	}
	if fc.IsNull || d == nil {
		return nil, nil
	}
	t, ok := d.(*HeapTuple)
	if !ok {
		return nil, s.raise(LevelError, nil, "trigger procedure %s did not return a row", proc.Name)
	}
	if t == nil {
		return nil, nil
	}
	if t.Desc.NAttrs() != rel.Desc.NAttrs() {
		return nil, s.raise(LevelError, nil, "returned row structure does not match the structure of the triggering table")
	}
	return t, nil
}
