package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/markb/pljs/internal/db"
)

// ErrNotFound is wrapped by lookups that find no matching definition.
var ErrNotFound = fmt.Errorf("not found")

// Store provides CRUD operations for procedure and trigger definitions. It runs on
// whatever connection or transaction it is given and never opens its own.
type Store struct {
	q db.Querier
}

// NewStore creates a new Store.
func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

// CreateProc stores a new procedure and assigns its OID.
func (s *Store) CreateProc(ctx context.Context, p *Proc) error {
	if p.OID == 0 {
		var next int64
		err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(oid), ?) + 1 FROM _pl_proc`, FirstUserOID-1).Scan(&next)
		if err != nil {
			return fmt.Errorf("allocate oid: %w", err)
		}
		p.OID = uint32(next)
	}
	if p.Volatility == "" {
		p.Volatility = "VOLATILE"
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO _pl_proc (oid, name, language, return_type, returns_set, volatility, strict, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.OID, p.Name, p.Language, p.ReturnType, boolToInt(p.ReturnsSet), p.Volatility, boolToInt(p.Strict), p.Source, now, now)
	if err != nil {
		return fmt.Errorf("insert procedure: %w", err)
	}
	return s.insertArgs(ctx, p)
}

func (s *Store) insertArgs(ctx context.Context, p *Proc) error {
	for _, arg := range p.Args {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO _pl_proc_args (proc_oid, name, type, position)
			VALUES (?, ?, ?, ?)
		`, p.OID, arg.Name, arg.Type, arg.Position)
		if err != nil {
			return fmt.Errorf("insert arg %d: %w", arg.Position, err)
		}
	}
	return nil
}

// ReplaceProc updates an existing procedure in place, keeping its OID so that triggers
// referencing it stay attached.
func (s *Store) ReplaceProc(ctx context.Context, p *Proc) error {
	existing, err := s.GetProc(ctx, p.Name)
	if err != nil {
		return s.CreateProc(ctx, p)
	}
	p.OID = existing.OID
	if p.Volatility == "" {
		p.Volatility = "VOLATILE"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.q.ExecContext(ctx, `
		UPDATE _pl_proc SET language = ?, return_type = ?, returns_set = ?, volatility = ?, strict = ?, source = ?, updated_at = ?
		WHERE oid = ?
	`, p.Language, p.ReturnType, boolToInt(p.ReturnsSet), p.Volatility, boolToInt(p.Strict), p.Source, now, p.OID)
	if err != nil {
		return fmt.Errorf("update procedure: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM _pl_proc_args WHERE proc_oid = ?`, p.OID); err != nil {
		return fmt.Errorf("delete args: %w", err)
	}
	return s.insertArgs(ctx, p)
}

// GetProc retrieves a procedure by name.
func (s *Store) GetProc(ctx context.Context, name string) (*Proc, error) {
	return s.getProc(ctx, `WHERE name = ?`, name)
}

// GetProcByOID retrieves a procedure by OID.
func (s *Store) GetProcByOID(ctx context.Context, oid uint32) (*Proc, error) {
	return s.getProc(ctx, `WHERE oid = ?`, oid)
}

func (s *Store) getProc(ctx context.Context, where string, key any) (*Proc, error) {
	var p Proc
	var returnsSet, strict int
	var createdAt, updatedAt string

	err := s.q.QueryRowContext(ctx, `
		SELECT oid, name, language, return_type, returns_set, volatility, strict, source, created_at, updated_at
		FROM _pl_proc `+where, key).Scan(&p.OID, &p.Name, &p.Language, &p.ReturnType, &returnsSet, &p.Volatility, &strict, &p.Source, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("function %v: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query procedure: %w", err)
	}
	p.ReturnsSet = returnsSet == 1
	p.Strict = strict == 1
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	rows, err := s.q.QueryContext(ctx, `
		SELECT name, type, position FROM _pl_proc_args WHERE proc_oid = ? ORDER BY position
	`, p.OID)
	if err != nil {
		return nil, fmt.Errorf("query args: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var arg ProcArg
		if err := rows.Scan(&arg.Name, &arg.Type, &arg.Position); err != nil {
			return nil, fmt.Errorf("scan arg: %w", err)
		}
		p.Args = append(p.Args, arg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate args: %w", err)
	}
	return &p, nil
}

// ListProcs returns all procedures ordered by name.
func (s *Store) ListProcs(ctx context.Context) ([]*Proc, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT name FROM _pl_proc ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query procedures: %w", err)
	}

	// Collect names first so the rows are closed before the nested lookups
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan name: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate procedures: %w", err)
	}

	var procs []*Proc
	for _, name := range names {
		p, err := s.GetProc(ctx, name)
		if err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, nil
}

// DeleteProc removes a procedure by name. Its triggers go with it.
func (s *Store) DeleteProc(ctx context.Context, name string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM _pl_proc WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete function: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("function %q: %w", name, ErrNotFound)
	}
	return nil
}

// ProcExists checks if a procedure exists.
func (s *Store) ProcExists(ctx context.Context, name string) bool {
	var count int
	s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM _pl_proc WHERE name = ?`, name).Scan(&count)
	return count > 0
}

// CreateTrigger stores a trigger definition.
func (s *Store) CreateTrigger(ctx context.Context, t *Trigger) error {
	args, err := json.Marshal(t.Args)
	if err != nil {
		return fmt.Errorf("encode trigger args: %w", err)
	}
	if t.Args == nil {
		args = []byte("[]")
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO _pl_trigger (name, table_name, proc_oid, timing, level, events, args, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Name, t.Table, t.ProcOID, t.Timing, t.Level, int(t.Events), string(args), boolToInt(t.Enabled))
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	id, _ := res.LastInsertId()
	t.OID = uint32(id)
	return nil
}

// TriggersFor returns the enabled triggers on a table in name order, which is the
// order they fire in.
func (s *Store) TriggersFor(ctx context.Context, table string) ([]*Trigger, error) {
	return s.queryTriggers(ctx, `WHERE table_name = ? AND enabled = 1 ORDER BY name`, table)
}

// ListTriggers returns every trigger.
func (s *Store) ListTriggers(ctx context.Context) ([]*Trigger, error) {
	return s.queryTriggers(ctx, `ORDER BY table_name, name`)
}

func (s *Store) queryTriggers(ctx context.Context, tail string, args ...any) ([]*Trigger, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT oid, name, table_name, proc_oid, timing, level, events, args, enabled
		FROM _pl_trigger `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		var t Trigger
		var events, enabled int
		var rawArgs string
		if err := rows.Scan(&t.OID, &t.Name, &t.Table, &t.ProcOID, &t.Timing, &t.Level, &events, &rawArgs, &enabled); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		t.Events = Event(events)
		t.Enabled = enabled == 1
		if err := json.Unmarshal([]byte(rawArgs), &t.Args); err != nil {
			return nil, fmt.Errorf("decode trigger args: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteTrigger removes a trigger from a table.
func (s *Store) DeleteTrigger(ctx context.Context, table, name string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM _pl_trigger WHERE table_name = ? AND name = ?`, table, name)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("trigger %q on %q: %w", name, table, ErrNotFound)
	}
	return nil
}

// TableExists reports whether a user table exists.
func (s *Store) TableExists(ctx context.Context, table string) bool {
	var count int
	s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_schema WHERE type = 'table' AND name = ?`, table).Scan(&count)
	return count > 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
