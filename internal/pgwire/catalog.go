package pgwire

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	wire "github.com/jeroenrinzema/psql-wire"

	"github.com/markb/pljs/internal/catalog"
)

var (
	versionRe   = regexp.MustCompile(`^\s*SELECT\s+VERSION\s*\(\s*\)`)
	currentDBRe = regexp.MustCompile(`CURRENT_DATABASE\s*\(\s*\)`)
	currentUser = regexp.MustCompile(`CURRENT_USER|CURRENT_SCHEMA`)
	fromPgRe    = regexp.MustCompile(`FROM\s+PG_`)
)

// catalogHandler answers the metadata queries clients such as psql send on their own.
// It returns nil for everything else.
func (s *Server) catalogHandler(query string) wire.PreparedStatements {
	upper := strings.ToUpper(strings.TrimSpace(query))

	switch {
	case versionRe.MatchString(upper):
		return textRows("version", []string{"pljs 0.1.0, compatible with PostgreSQL 15.0"})
	case currentDBRe.MatchString(upper):
		return textRows("current_database", []string{s.config.Database})
	case currentUser.MatchString(upper):
		return textRows("current_user", []string{"pljs"})
	case strings.Contains(upper, "PG_PROC"):
		return s.procsQuery()
	case strings.Contains(upper, "PG_CATALOG"), fromPgRe.MatchString(upper):
		return emptyResult()
	case strings.Contains(upper, "INFORMATION_SCHEMA"):
		if strings.Contains(upper, "INFORMATION_SCHEMA.TABLES") {
			return s.tablesQuery()
		}
		return emptyResult()
	case strings.HasPrefix(upper, "SET "):
		// Session settings are acknowledged and ignored.
		return emptyResult()
	case strings.HasPrefix(upper, "SHOW "):
		return showQuery(upper)
	}
	return nil
}

func textRows(column string, values []string) wire.PreparedStatements {
	return wire.Prepared(
		wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, params []wire.Parameter) error {
				for _, v := range values {
					if err := writer.Row([]any{v}); err != nil {
						return err
					}
				}
				return writer.Complete("SELECT " + strconv.Itoa(len(values)))
			},
			wire.WithColumns(wire.Columns{
				{Name: column, Oid: pgtype.TextOID},
			}),
		),
	)
}

func emptyResult() wire.PreparedStatements {
	return wire.Prepared(
		wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, params []wire.Parameter) error {
				return writer.Complete("OK")
			},
		),
	)
}

// showSettings are the values reported by SHOW.
var showSettings = []struct{ key, name, value string }{
	{"SERVER_VERSION", "server_version", "15.0"},
	{"SERVER_ENCODING", "server_encoding", "UTF8"},
	{"CLIENT_ENCODING", "client_encoding", "UTF8"},
	{"STANDARD_CONFORMING_STRINGS", "standard_conforming_strings", "on"},
	{"DATESTYLE", "DateStyle", "ISO, MDY"},
	{"TIMEZONE", "TimeZone", "UTC"},
	{"TRANSACTION ISOLATION LEVEL", "transaction_isolation", "serializable"},
}

func showQuery(upper string) wire.PreparedStatements {
	name, value := "setting", "unknown"
	for _, s := range showSettings {
		if strings.Contains(upper, s.key) {
			name, value = s.name, s.value
			break
		}
	}
	return textRows(name, []string{value})
}

// tablesQuery lists user tables. The engine's own catalog tables are hidden.
func (s *Server) tablesQuery() wire.PreparedStatements {
	return wire.Prepared(
		wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, params []wire.Parameter) error {
				rows, err := s.db.QueryContext(ctx, `
					SELECT
						'public' as table_schema,
						name as table_name,
						CASE type WHEN 'table' THEN 'BASE TABLE' ELSE 'VIEW' END as table_type
					FROM sqlite_master
					WHERE type IN ('table', 'view')
					AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
					AND name NOT LIKE '\_%' ESCAPE '\'
					ORDER BY name
				`)
				if err != nil {
					return err
				}
				defer rows.Close()

				n := 0
				for rows.Next() {
					var schema, name, tableType string
					if err := rows.Scan(&schema, &name, &tableType); err != nil {
						return err
					}
					if err := writer.Row([]any{schema, name, tableType}); err != nil {
						return err
					}
					n++
				}
				if err := rows.Err(); err != nil {
					return err
				}
				return writer.Complete("SELECT " + strconv.Itoa(n))
			},
			wire.WithColumns(wire.Columns{
				{Name: "table_schema", Oid: pgtype.TextOID},
				{Name: "table_name", Oid: pgtype.TextOID},
				{Name: "table_type", Oid: pgtype.TextOID},
			}),
		),
	)
}

// procsQuery answers pg_proc lookups from the procedure catalog.
func (s *Server) procsQuery() wire.PreparedStatements {
	return wire.Prepared(
		wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, params []wire.Parameter) error {
				procs, err := catalog.NewStore(s.db).ListProcs(ctx)
				if err != nil {
					return err
				}
				for _, p := range procs {
					args := make([]string, len(p.Args))
					for i, a := range p.Args {
						args[i] = strings.TrimSpace(a.Name + " " + a.Type)
					}
					ret := p.ReturnType
					if p.ReturnsSet && !strings.HasPrefix(strings.ToUpper(ret), "TABLE") {
						ret = "SETOF " + ret
					}
					if err := writer.Row([]any{p.Name, strings.Join(args, ", "), ret, p.Language}); err != nil {
						return err
					}
				}
				return writer.Complete("SELECT " + strconv.Itoa(len(procs)))
			},
			wire.WithColumns(wire.Columns{
				{Name: "proname", Oid: pgtype.NameOID},
				{Name: "arguments", Oid: pgtype.TextOID},
				{Name: "result", Oid: pgtype.TextOID},
				{Name: "language", Oid: pgtype.NameOID},
			}),
		),
	)
}
