package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/pljs/internal/catalog"
	"github.com/markb/pljs/internal/db"
	"github.com/markb/pljs/internal/engine"
	"github.com/markb/pljs/internal/pl"
)

func setupPool(t *testing.T, ddl ...string) *Pool {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "rpc.db"))
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations())
	t.Cleanup(func() { database.Close() })

	pool := NewPool(database, 2, engine.DefaultConfig(), pl.DefaultConfig())
	t.Cleanup(func() { pool.Close() })

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	for _, stmt := range ddl {
		_, err := s.Exec(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
	pool.Release(s)
	return pool
}

func post(t *testing.T, router http.Handler, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

var fixtures = []string{
	"CREATE TABLE items (id INTEGER, name TEXT)",
	"INSERT INTO items VALUES (1, 'apple'), (2, 'pear')",
	"CREATE FUNCTION add(a integer, b integer) RETURNS integer LANGUAGE pljs AS $$ return parseInt(a, 10) + parseInt(b, 10); $$",
	"CREATE FUNCTION shout(s text) RETURNS text LANGUAGE pljs AS $$ warn('shouting'); return s === null ? 'silence' : s.toUpperCase(); $$",
	"CREATE FUNCTION listing() RETURNS TABLE(id integer, name text) LANGUAGE pljs AS $$ pl.exec('SELECT id, name FROM items ORDER BY id').forEach(function (r) { pl.push(r); }); $$",
	"CREATE FUNCTION boom() RETURNS integer LANGUAGE pljs AS $$ throw new Error('no luck'); $$",
	"CREATE FUNCTION is_even(n integer) RETURNS boolean LANGUAGE pljs AS $$ return n % 2 === 0; $$",
}

func TestRPC_ScalarCalls(t *testing.T) {
	router := NewRouter(NewHandler(NewExecutor(setupPool(t, fixtures...))), Options{})

	rec := post(t, router, "/rpc/add", `{"a": 2, "b": 40}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `42`, rec.Body.String())

	rec = post(t, router, "/rpc/add", `[1, 2]`)
	assert.JSONEq(t, `3`, rec.Body.String())

	rec = post(t, router, "/rpc/add", `{"$1": 5, "$2": 5}`)
	assert.JSONEq(t, `10`, rec.Body.String())

	rec = post(t, router, "/rpc/shout", `{"s": "hey"}`)
	assert.JSONEq(t, `"HEY"`, rec.Body.String())
	assert.Equal(t, "NOTICE:  shouting", rec.Header().Get("X-Notice"))

	rec = post(t, router, "/rpc/shout", `{"s": null}`)
	assert.JSONEq(t, `"silence"`, rec.Body.String())

	rec = post(t, router, "/rpc/is_even", `[4]`)
	assert.JSONEq(t, `true`, rec.Body.String())
}

func TestRPC_SetCalls(t *testing.T) {
	router := NewRouter(NewHandler(NewExecutor(setupPool(t, fixtures...))), Options{})

	rec := post(t, router, "/rpc/listing", ``)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `[{"id":1,"name":"apple"},{"id":2,"name":"pear"}]`, rec.Body.String())

	rec = post(t, router, "/rpc/listing", ``, "Accept", "application/vnd.pgrst.object+json")
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)

	rec = post(t, router, "/rpc/listing", ``, "Prefer", "return=minimal")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRPC_Errors(t *testing.T) {
	router := NewRouter(NewHandler(NewExecutor(setupPool(t, fixtures...))), Options{})

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown function", "/rpc/nope", ``, http.StatusNotFound, "PGRST202"},
		{"missing argument", "/rpc/add", `{"a": 1}`, http.StatusBadRequest, "42883"},
		{"raised by the procedure", "/rpc/boom", ``, http.StatusBadRequest, "P0001"},
		{"bad json", "/rpc/add", `{"a":`, http.StatusBadRequest, "PGRST000"},
		{"wrong arity", "/rpc/add", `[1]`, http.StatusBadRequest, "PGRST000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, router, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["code"])
		})
	}

	rec := post(t, router, "/rpc/boom", ``)
	assert.Contains(t, rec.Body.String(), "no luck")
}

func TestRPC_List(t *testing.T) {
	router := NewRouter(NewHandler(NewExecutor(setupPool(t, fixtures...))), Options{})

	req := httptest.NewRequest("GET", "/rpc/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var procs []ProcInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &procs))
	names := make([]string, len(procs))
	for i, p := range procs {
		names[i] = p.Name
	}
	assert.Contains(t, names, "add")
	assert.Contains(t, names, "listing")
}

func TestRPC_JWTGuard(t *testing.T) {
	const secret = "test-secret"
	router := NewRouter(NewHandler(NewExecutor(setupPool(t, fixtures...))), Options{JWTSecret: secret})

	rec := post(t, router, "/rpc/add", `[1, 1]`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, router, "/rpc/add", `[1, 1]`, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	rec = post(t, router, "/rpc/add", `[1, 1]`, "Authorization", "Bearer "+signed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `2`, rec.Body.String())

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestPool_ReusesSessions(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	a, err := pool.Acquire(ctx)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Release(a)
	c, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID(), c.ID())
	pool.Release(b)
	pool.Release(c)
}

func TestBindArguments(t *testing.T) {
	args, err := bindArguments(procWith("a", "b"), json.RawMessage(`{"a": {"k": [1, true]}, "b": false}`))
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Equal(t, `{"k":[1,true]}`, *args[0])
	assert.Equal(t, "false", *args[1])

	_, err = bindArguments(procWith("a"), json.RawMessage(`[1, 2]`))
	assert.True(t, errors.Is(err, ErrBadArguments), "%v", err)

	_, err = bindArguments(procWith("a"), nil)
	assert.ErrorIs(t, err, ErrMissingArgument)

	args, err = bindArguments(procWith(), nil)
	require.NoError(t, err)
	assert.Empty(t, args)
}

func procWith(names ...string) *catalog.Proc {
	p := &catalog.Proc{Name: "f"}
	for i, n := range names {
		p.Args = append(p.Args, catalog.ProcArg{Name: n, Type: "text", Position: i + 1})
	}
	return p
}
