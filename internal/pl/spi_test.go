package pl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/pljs/internal/engine"
)

// defineText creates a text function named name with body.
func defineText(t *testing.T, s *engine.Session, name, body string) {
	t.Helper()
	mustExec(t, s, "CREATE FUNCTION "+name+"() RETURNS text LANGUAGE pljs AS $$\n"+body+"\n$$")
}

func setupNumbers(t *testing.T) (*engine.Session, *Handler) {
	t.Helper()
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.Observer = rec
	s, h := setupHandler(t, cfg)
	mustExec(t, s, "CREATE TABLE n (v INTEGER, label TEXT)")
	mustExec(t, s, "INSERT INTO n VALUES (1, 'one'), (2, 'two'), (3, 'three'), (4, NULL), (5, 'five')")
	return s, h
}

func TestExecShapes(t *testing.T) {
	s, _ := setupNumbers(t)
	tests := []struct {
		name, body, want string
	}{
		{"all_rows", `return JSON.stringify(pl.exec("SELECT 1 AS a"));`, `[{"a":"1"}]`},
		{"one_row", `return JSON.stringify(pl.exec("SELECT 1 AS a, 'x' AS b", 1));`, `{"a":"1","b":"x"}`},
		{"values", `return JSON.stringify(pl.exec("SELECT v, label FROM n WHERE v = 4", 0, "value"));`, `[["4",null]]`},
		{"no_rows", `return JSON.stringify(pl.exec("SELECT v FROM n WHERE v > 10"));`, `[]`},
		{"no_row", `return JSON.stringify(pl.exec("SELECT v FROM n WHERE v > 10", 1));`, `false`},
		{"limited", `return pl.exec("SELECT v FROM n ORDER BY v", 2).length + "";`, `2`},
		{"dml", `return pl.exec("UPDATE n SET label = label WHERE v < 3") + "";`, `2`},
		{"hash", `var c = pl.exec("SELECT label FROM n WHERE v = 1", 1, "hash")[0]; return c.name + ":" + c.value + ":" + c.type;`, `label:one:text`},
		{"array", `var c = pl.exec("SELECT label FROM n WHERE v = 1", 1, "array")[0]; return c[0] + ":" + c[1] + ":" + c[3];`, `label:one:-1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defineText(t, s, tt.name, tt.body)
			assert.Equal(t, tt.want, scalar(t, s, "SELECT "+tt.name+"()"))
		})
	}
}

func TestExecCallbacks(t *testing.T) {
	s, _ := setupNumbers(t)
	defineText(t, s, "rows_cb", `
		var seen = [];
		var ok = pl.exec("SELECT v FROM n ORDER BY v", function(row) { seen.push(row.v); });
		return ok + ":" + seen.join(",");`)
	defineText(t, s, "cols_cb", `
		var seen = [];
		pl.exec("SELECT v, label FROM n WHERE v = 2", 1, function(name, value) { seen.push(name + "=" + value); });
		return seen.join(",");`)
	defineText(t, s, "empty_cb", `
		return String(pl.exec("SELECT v FROM n WHERE v > 10", function(row) { throw new Error("called"); }));`)

	assert.Equal(t, "true:1,2,3,4,5", scalar(t, s, "SELECT rows_cb()"))
	assert.Equal(t, "v=2,label=two", scalar(t, s, "SELECT cols_cb()"))
	assert.Equal(t, "false", scalar(t, s, "SELECT empty_cb()"))
}

func TestExecArgumentErrors(t *testing.T) {
	s, _ := setupNumbers(t)
	tests := []struct {
		name, call, want string
	}{
		{"not_string", `pl.exec(42)`, "exec: first argument must be a string"},
		{"bad_output", `pl.exec("SELECT 1", 0, 5)`, "string expected for optional output"},
		{"no_args", `pl.exec()`, "exec: invalid number of arguments"},
		{"bad_sql", `pl.exec("BEGIN")`, "SPI_exec() failed - SPI_ERROR_TRANSACTION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defineText(t, s, tt.name, "try { "+tt.call+"; } catch (e) { return e.message; } return 'no error';")
			assert.Equal(t, tt.want, scalar(t, s, "SELECT "+tt.name+"()"))
		})
	}
}

func TestPreparedPlans(t *testing.T) {
	s, _ := setupNumbers(t)
	defineText(t, s, "by_value", `
		var p = pl.prepare("SELECT label FROM n WHERE v = $1", ["integer"]);
		var a = p.exec([2], 1).label;
		var b = p.execp({values: [3], count: 1}).label;
		var c = p.exec([5], 0, "value")[0][0];
		p.release();
		return [a, b, c, p.nargs].join(",");`)
	defineText(t, s, "defaults", `
		var p = pl.prepare("SELECT label FROM n WHERE v = $1", {types: ["integer"], values: [1], count: 1});
		return p.exec().label + "," + p.exec([3]).label;`)
	defineText(t, s, "released", `
		var p = pl.prepare("SELECT 1 AS a");
		p.release();
		try { p.exec(); } catch (e) { return e.message; }
		return "still usable";`)

	assert.Equal(t, "two,three,five,1", scalar(t, s, "SELECT by_value()"))
	assert.Equal(t, "one,three", scalar(t, s, "SELECT defaults()"))
	assert.Equal(t, "plan was dropped during the session", scalar(t, s, "SELECT released()"))
}

func TestPlanArgumentMismatchRunsNothing(t *testing.T) {
	s, _ := setupNumbers(t)
	defineText(t, s, "mismatch", `
		var p = pl.prepare("INSERT INTO n VALUES ($1, $2)", ["integer", "text"]);
		var out = [];
		try { p.exec([6]); } catch (e) { out.push(e.message); }
		try { p.exec("six"); } catch (e) { out.push(e.message); }
		return out.join("|");`)
	defineText(t, s, "bad_prepare", `
		var out = [];
		try { pl.prepare(1); } catch (e) { out.push(e.message); }
		try { pl.prepare("SELECT $1", "integer"); } catch (e) { out.push(e.message); }
		return out.join("|");`)

	assert.Equal(t, "length of arguments doesn't match # of arguments|array expected for arguments", scalar(t, s, "SELECT mismatch()"))
	assert.Equal(t, "first argument must be a STRING|second argument must be an ARRAY", scalar(t, s, "SELECT bad_prepare()"))
	assert.Equal(t, "5", scalar(t, s, "SELECT count(*) FROM n"))
}

func TestSavedAndTemporaryPlans(t *testing.T) {
	s, h := setupNumbers(t)
	defineText(t, s, "make_plans", `
		keep = pl.prepare("SELECT 'kept' AS a");
		scratch = pl.prepare("SELECT 'scratch' AS a", {tmp: true});
		return scratch.exec(null, 1).a;`)
	defineText(t, s, "use_kept", `return keep.exec(null, 1).a;`)
	defineText(t, s, "use_scratch", `try { scratch.exec(); } catch (e) { return e.message; } return "alive";`)

	assert.Equal(t, "scratch", scalar(t, s, "SELECT make_plans()"))
	assert.Equal(t, 1, h.st.handles.len(), "only the saved plan survives the call")
	assert.Equal(t, "kept", scalar(t, s, "SELECT use_kept()"))
	assert.Equal(t, "plan was dropped during the session", scalar(t, s, "SELECT use_scratch()"))
}

func TestEachStreamsRows(t *testing.T) {
	s, _ := setupNumbers(t)
	defineText(t, s, "each_all", `
		var p = pl.prepare("SELECT v FROM n ORDER BY v", {block: 1});
		var seen = [];
		p.each(function(row) { seen.push(row.v); });
		return seen.join(",");`)
	defineText(t, s, "each_count", `
		var p = pl.prepare("SELECT v FROM n WHERE v > $1 ORDER BY v", ["integer"]);
		var seen = [];
		p.each([1], 2, "value", function(row) { seen.push(row[0]); });
		return seen.join(",");`)
	defineText(t, s, "each_no_block", `
		var p = pl.prepare("SELECT v FROM n");
		try { p.each(); } catch (e) { return e.message; }
		return "no error";`)

	assert.Equal(t, "1,2,3,4,5", scalar(t, s, "SELECT each_all()"))
	assert.Equal(t, "2,3", scalar(t, s, "SELECT each_count()"))
	assert.Equal(t, "a block must be given", scalar(t, s, "SELECT each_no_block()"))
}

func TestEachClosesCursorWhenCallbackThrows(t *testing.T) {
	s, h := setupNumbers(t)
	s.RegisterLanguage("go", engine.CallHandlerFunc(func(context.Context, *engine.FunctionCallInfo) (engine.Datum, error) {
		return int32(s.OpenCursors()), nil
	}))
	mustExec(t, s, "CREATE FUNCTION open_cursors() RETURNS integer LANGUAGE go AS $$ $$")
	defineText(t, s, "each_throw", `
		var p = pl.prepare("SELECT v FROM n ORDER BY v");
		var seen = 0;
		try {
			p.each(function(row) { seen++; if (row.v === "2") throw new Error("stop"); });
		} catch (e) {
			return e.message + ":" + seen + ":" + pl.exec("SELECT open_cursors() AS c", 1).c;
		}
		return "no error";`)

	assert.Equal(t, "stop:2:0", scalar(t, s, "SELECT each_throw()"))
	assert.Empty(t, h.st.portals)
	assert.Equal(t, int32(1), h.obs.(*recorder).portals.Load())
}

func TestTypelessColumns(t *testing.T) {
	s, _ := setupHandler(t, DefaultConfig())
	mustExec(t, s, "CREATE TABLE kv (k, v)")
	mustExec(t, s, "INSERT INTO kv VALUES (1, 1), (2, 'hello')")
	defineText(t, s, "kv_exec", `
		return pl.exec("SELECT v FROM kv ORDER BY k").map(function(r) { return r.v; }).join(",");`)
	defineText(t, s, "kv_each", `
		var seen = [];
		pl.prepare("SELECT v FROM kv ORDER BY k", {block: 1}).each(function(r) { seen.push(r.v); });
		return seen.join(",");`)

	assert.Equal(t, "1,hello", scalar(t, s, "SELECT kv_exec()"))
	assert.Equal(t, "1,hello", scalar(t, s, "SELECT kv_each()"))
}

func TestColumnNamesAndTypes(t *testing.T) {
	s, _ := setupNumbers(t)
	defineText(t, s, "cols", `return pl.column_name("n").join(",") + "|" + pl.column_type("n").join(",");`)
	defineText(t, s, "cols_bad", `try { pl.column_name(1); } catch (e) { return e.message; } return "no error";`)

	assert.Equal(t, "v,label|INTEGER,TEXT", scalar(t, s, "SELECT cols()"))
	assert.Equal(t, "column_name: expected a String", scalar(t, s, "SELECT cols_bad()"))
}

func TestSetReturningFunctions(t *testing.T) {
	s, _ := setupNumbers(t)
	mustExec(t, s, "CREATE TABLE pair (a INTEGER, b TEXT)")
	mustExec(t, s, "CREATE FUNCTION gen(k integer) RETURNS SETOF integer LANGUAGE pljs AS $$ for (var i = 1; i <= k; i++) pl.push(i); $$")
	mustExec(t, s, "CREATE FUNCTION gen_array() RETURNS SETOF integer LANGUAGE pljs AS $$ return [7, 8]; $$")
	mustExec(t, s, "CREATE FUNCTION gen_query() RETURNS SETOF integer LANGUAGE pljs AS $$ return 'SELECT v FROM n WHERE v > 3 ORDER BY v'; $$")
	mustExec(t, s, "CREATE FUNCTION gen_pairs() RETURNS SETOF pair LANGUAGE pljs AS $$ pl.push({a: 1, b: 'x'}); pl.push([2, 'y']); $$")
	mustExec(t, s, "CREATE FUNCTION gen_info() RETURNS SETOF pair LANGUAGE pljs AS $$ pl.push([pl.result_size(), pl.result_name().join(',') + ':' + pl.result_type().join(',')]); $$")
	mustExec(t, s, "CREATE FUNCTION gen_bad() RETURNS SETOF pair LANGUAGE pljs AS $$ return 'SELECT 1'; $$")
	mustExec(t, s, "CREATE FUNCTION gen_table() RETURNS TABLE(x integer, y text) LANGUAGE pljs AS $$ pl.push({x: 9, y: 'nine'}); $$")

	assert.Equal(t, [][]string{{"1"}, {"2"}, {"3"}}, textRows(t, mustExec(t, s, "SELECT * FROM gen(3)")))
	assert.Equal(t, [][]string{{"7"}, {"8"}}, textRows(t, mustExec(t, s, "SELECT * FROM gen_array()")))
	assert.Equal(t, [][]string{{"4"}, {"5"}}, textRows(t, mustExec(t, s, "SELECT * FROM gen_query()")))
	assert.Equal(t, [][]string{{"1", "x"}, {"2", "y"}}, textRows(t, mustExec(t, s, "SELECT * FROM gen_pairs()")))
	assert.Equal(t, [][]string{{"2", "a,b:int8,text"}}, textRows(t, mustExec(t, s, "SELECT * FROM gen_info()")))
	assert.Equal(t, [][]string{{"9", "nine"}}, textRows(t, mustExec(t, s, "SELECT * FROM gen_table()")))

	_, err := s.Exec(context.Background(), "SELECT * FROM gen_bad()")
	require.Error(t, err)
	assert.Equal(t, "invalid return type for a SET", err.Error())
}

func TestPushOutsideSetCall(t *testing.T) {
	s, _ := setupNumbers(t)
	defineText(t, s, "stray_push", `try { pl.push(1); } catch (e) { return e.message; } return "no error";`)

	assert.Equal(t, "push: no set returning call in progress", scalar(t, s, "SELECT stray_push()"))
}
