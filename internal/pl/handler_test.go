package pl

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/pljs/internal/catalog"
	"github.com/markb/pljs/internal/db"
	"github.com/markb/pljs/internal/engine"
)

// recorder is an Observer that counts events. TimedOut arrives from the watchdog
// goroutine, so everything is atomic.
type recorder struct {
	calls, failures, hits, misses, portals, timeouts atomic.Int32
}

func (r *recorder) CallFinished(_ context.Context, _ string, _ bool, _ time.Duration, err error) {
	r.calls.Add(1)
	if err != nil {
		r.failures.Add(1)
	}
}

func (r *recorder) CacheLookup(_ context.Context, hit bool) {
	if hit {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
}

func (r *recorder) PortalOpened(context.Context) { r.portals.Add(1) }
func (r *recorder) TimedOut(context.Context)     { r.timeouts.Add(1) }

func setupHandler(t *testing.T, cfg Config) (*engine.Session, *Handler) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations())
	t.Cleanup(func() { database.Close() })

	s, err := engine.Open(context.Background(), database, engine.DefaultConfig())
	require.NoError(t, err)
	h := Install(s, cfg)
	t.Cleanup(func() {
		h.Close()
		s.Close()
	})
	return s, h
}

func mustExec(t *testing.T, s *engine.Session, query string) *engine.Result {
	t.Helper()
	res, err := s.Exec(context.Background(), query)
	require.NoError(t, err, query)
	return res
}

func textRows(t *testing.T, res *engine.Result) [][]string {
	t.Helper()
	rows, err := res.TextRows()
	require.NoError(t, err)
	out := make([][]string, len(rows))
	for i, r := range rows {
		for _, v := range r {
			if v == nil {
				out[i] = append(out[i], "<null>")
			} else {
				out[i] = append(out[i], *v)
			}
		}
	}
	return out
}

// scalar runs query and returns the text of its single value.
func scalar(t *testing.T, s *engine.Session, query string) string {
	t.Helper()
	rows := textRows(t, mustExec(t, s, query))
	require.Len(t, rows, 1, query)
	require.Len(t, rows[0], 1, query)
	return rows[0][0]
}

func TestScalarFunctions(t *testing.T) {
	s, _ := setupHandler(t, DefaultConfig())
	mustExec(t, s, "CREATE FUNCTION add_one(n integer) RETURNS integer LANGUAGE pljs AS $$ return parseInt(n, 10) + 1; $$")
	mustExec(t, s, "CREATE FUNCTION greet(who text) RETURNS text LANGUAGE pljs AS $$ return 'hello ' + $1 + ' / ' + who; $$")
	mustExec(t, s, "CREATE FUNCTION nothing() RETURNS integer LANGUAGE pljs AS $$ return null; $$")

	assert.Equal(t, "5", scalar(t, s, "SELECT add_one(4)"))
	assert.Equal(t, "hello world / world", scalar(t, s, "SELECT greet('world')"))
	assert.Equal(t, "<null>", scalar(t, s, "SELECT nothing()"))

	four := "4"
	res, err := s.Call(context.Background(), "add_one", []*string{&four})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"5"}}, textRows(t, res))
}

func TestNullArgumentsAreNull(t *testing.T) {
	s, _ := setupHandler(t, DefaultConfig())
	mustExec(t, s, "CREATE FUNCTION what(v text) RETURNS text LANGUAGE pljs AS $$ return v === null ? 'null' : typeof v; $$")

	assert.Equal(t, "null", scalar(t, s, "SELECT what(NULL)"))
	assert.Equal(t, "string", scalar(t, s, "SELECT what('x')"))
}

func TestProcedureCache(t *testing.T) {
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.Observer = rec
	s, h := setupHandler(t, cfg)
	mustExec(t, s, "CREATE FUNCTION add_one(n integer) RETURNS integer LANGUAGE pljs AS $$ return parseInt(n, 10) + 1; $$")

	assert.Equal(t, "2", scalar(t, s, "SELECT add_one(1)"))
	require.Len(t, h.st.procs, 1)
	var first *procDesc
	for _, pd := range h.st.procs {
		first = pd
	}

	assert.Equal(t, "3", scalar(t, s, "SELECT add_one(2)"))
	require.Len(t, h.st.procs, 1)
	assert.Same(t, first, h.st.procs[first.key])
	assert.Equal(t, int32(1), rec.misses.Load())
	assert.Equal(t, int32(1), rec.hits.Load())
	assert.Equal(t, int32(2), rec.calls.Load())
}

func TestCompileError(t *testing.T) {
	s, _ := setupHandler(t, DefaultConfig())
	mustExec(t, s, "CREATE FUNCTION broken() RETURNS integer LANGUAGE pljs AS $$ return (; $$")

	_, err := s.Exec(context.Background(), "SELECT broken()")
	require.Error(t, err)
	assert.True(t, engine.IsAbort(err))
	assert.Contains(t, err.Error(), "cannot create internal procedure")
	assert.Contains(t, err.Error(), "<<===")
}

func TestUnsupportedTypes(t *testing.T) {
	s, h := setupHandler(t, DefaultConfig())
	mustExec(t, s, "CREATE FUNCTION bad_arg(a void) RETURNS integer LANGUAGE pljs AS $$ return 1; $$")

	_, err := s.Exec(context.Background(), "SELECT bad_arg('x')")
	require.Error(t, err)
	assert.Equal(t, "argument can't have the type void", err.Error())

	tests := []struct {
		proc catalog.Proc
		want string
	}{
		{catalog.Proc{Name: "f", ReturnType: "trigger"}, "functions cannot return type trigger"},
		{catalog.Proc{Name: "f", ReturnType: "void", ReturnsSet: true}, "Invalid kind of return type"},
		{catalog.Proc{Name: "f", ReturnType: "nosuchtype"}, "cache lookup for return type failed"},
		{catalog.Proc{Name: "f", ReturnType: "integer", Args: []catalog.ProcArg{{Name: "a", Type: "nosuchtype"}}}, "cache lookup for argument type failed"},
	}
	for _, tt := range tests {
		err := h.describeCall(context.Background(), &procDesc{proc: &tt.proc})
		require.Error(t, err, tt.want)
		assert.Equal(t, tt.want, err.Error())
	}

	pd := &procDesc{proc: &catalog.Proc{Name: "f", ReturnType: "TABLE(a integer, b text)", ReturnsSet: true}}
	require.NoError(t, h.describeCall(context.Background(), pd))
	assert.Equal(t, "record", pd.retType.Name)
	assert.True(t, pd.retSet)
}

func TestCompositeReturn(t *testing.T) {
	s, _ := setupHandler(t, DefaultConfig())
	mustExec(t, s, "CREATE TABLE pair (a INTEGER, b TEXT)")
	mustExec(t, s, "CREATE FUNCTION mk() RETURNS pair LANGUAGE pljs AS $$ return {a: 1, b: 'x y'}; $$")
	mustExec(t, s, "CREATE FUNCTION mk_array() RETURNS pair LANGUAGE pljs AS $$ return [2, 'z']; $$")
	mustExec(t, s, "CREATE FUNCTION mk_short() RETURNS pair LANGUAGE pljs AS $$ return [2]; $$")

	res := mustExec(t, s, "SELECT * FROM mk()")
	assert.Equal(t, []string{"a", "b"}, res.Desc.Names())
	assert.Equal(t, [][]string{{"1", "x y"}}, textRows(t, res))
	assert.Equal(t, [][]string{{"2", "z"}}, textRows(t, mustExec(t, s, "SELECT * FROM mk_array()")))

	_, err := s.Exec(context.Background(), "SELECT * FROM mk_short()")
	require.Error(t, err)
	assert.Equal(t, "Invalid number of columns (1 expected 2)", err.Error())
}

func TestRowArgumentIsMapping(t *testing.T) {
	s, _ := setupHandler(t, DefaultConfig())
	mustExec(t, s, "CREATE TABLE pair (a INTEGER, b TEXT)")
	mustExec(t, s, "CREATE FUNCTION mk() RETURNS pair LANGUAGE pljs AS $$ return {a: 7, b: 'seven'}; $$")
	mustExec(t, s, "CREATE FUNCTION show(p pair) RETURNS text LANGUAGE pljs AS $$ return p.b + '=' + p.a; $$")

	assert.Equal(t, "seven=7", scalar(t, s, "SELECT show('(7,seven)')"))
}

func TestUncaughtErrorAborts(t *testing.T) {
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.Observer = rec
	s, _ := setupHandler(t, cfg)
	mustExec(t, s, "CREATE FUNCTION fail() RETURNS integer LANGUAGE pljs AS $$ throw new Error('it broke'); $$")
	mustExec(t, s, "CREATE FUNCTION fail_plain() RETURNS integer LANGUAGE pljs AS $$ throw 'just text'; $$")
	mustExec(t, s, "CREATE FUNCTION fail_null() RETURNS integer LANGUAGE pljs AS $$ throw null; $$")

	tests := []struct {
		query, want string
	}{
		{"SELECT fail()", "it broke"},
		{"SELECT fail_plain()", "just text"},
		{"SELECT fail_null()", "Unknown Error"},
	}
	for _, tt := range tests {
		_, err := s.Exec(context.Background(), tt.query)
		require.Error(t, err, tt.query)
		assert.True(t, engine.IsAbort(err), tt.query)
		assert.Equal(t, tt.want, err.Error(), tt.query)
	}
	assert.Equal(t, int32(3), rec.failures.Load())
}

func TestNestedErrorIsRecoverable(t *testing.T) {
	s, _ := setupHandler(t, DefaultConfig())
	mustExec(t, s, "CREATE FUNCTION inner_fail() RETURNS integer LANGUAGE pljs AS $$ throw new Error('inner broke'); $$")
	mustExec(t, s, `CREATE FUNCTION outer_catch() RETURNS text LANGUAGE pljs AS $$
		try {
			pl.exec("SELECT inner_fail()");
		} catch (e) {
			return (e instanceof PLError) + ":" + e.message;
		}
		return "not reached";
	$$`)

	assert.Equal(t, "true:inner broke", scalar(t, s, "SELECT outer_catch()"))
}

func TestEngineAbortCannotBeSwallowed(t *testing.T) {
	s, _ := setupHandler(t, DefaultConfig())
	mustExec(t, s, "CREATE TABLE log (v TEXT)")
	mustExec(t, s, `CREATE FUNCTION swallow() RETURNS text LANGUAGE pljs AS $$
		pl.exec("INSERT INTO log VALUES ('written')");
		try {
			pl.exec("SELECT * FROM missing_table");
		} catch (e) {
			return String(e instanceof PLCatch);
		}
		return "not reached";
	$$`)
	mustExec(t, s, `CREATE FUNCTION rethrow() RETURNS text LANGUAGE pljs AS $$
		pl.exec("SELECT * FROM missing_table");
	$$`)

	for _, q := range []string{"SELECT swallow()", "SELECT rethrow()"} {
		_, err := s.Exec(context.Background(), q)
		require.Error(t, err, q)
		assert.True(t, engine.IsAbort(err), q)
		assert.Contains(t, err.Error(), "no such table", q)
	}
	assert.Equal(t, "0", scalar(t, s, "SELECT count(*) FROM log"))
}

func TestNestedCalls(t *testing.T) {
	s, h := setupHandler(t, DefaultConfig())
	mustExec(t, s, "CREATE FUNCTION add_one(n integer) RETURNS integer LANGUAGE pljs AS $$ return parseInt(n, 10) + 1; $$")
	mustExec(t, s, `CREATE FUNCTION add_two(n integer) RETURNS integer LANGUAGE pljs AS $$
		var once = pl.exec("SELECT add_one(" + n + ") AS v", 1).v;
		return pl.exec("SELECT add_one(" + once + ") AS v", 1).v;
	$$`)

	assert.Equal(t, "12", scalar(t, s, "SELECT add_two(10)"))
	assert.Equal(t, 0, h.st.level)
	assert.Empty(t, h.st.streams)
}

func TestTimeout(t *testing.T) {
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.Timeout = 100 * time.Millisecond
	cfg.Observer = rec
	s, h := setupHandler(t, cfg)
	mustExec(t, s, "CREATE FUNCTION spin() RETURNS integer LANGUAGE pljs AS $$ while (true) {} $$")
	mustExec(t, s, "CREATE FUNCTION quick() RETURNS integer LANGUAGE pljs AS $$ return 1; $$")

	_, err := s.Exec(context.Background(), "SELECT spin()")
	require.Error(t, err)
	assert.Equal(t, "timeout", err.Error())
	assert.Equal(t, int32(1), rec.timeouts.Load())
	assert.False(t, h.st.interrupted.Load())

	assert.Equal(t, "1", scalar(t, s, "SELECT quick()"))
}

func TestCancelledContextInterrupts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Minute
	s, _ := setupHandler(t, cfg)
	mustExec(t, s, "CREATE FUNCTION spin() RETURNS integer LANGUAGE pljs AS $$ while (true) {} $$")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := s.Exec(ctx, "SELECT spin()")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}
