package pl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/pljs/internal/engine"
)

func setupItems(t *testing.T) *engine.Session {
	t.Helper()
	s, _ := setupHandler(t, DefaultConfig())
	mustExec(t, s, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	return s
}

func defineTrigger(t *testing.T, s *engine.Session, name, body string) {
	t.Helper()
	mustExec(t, s, "CREATE FUNCTION "+name+"() RETURNS trigger LANGUAGE pljs AS $$\n"+body+"\n$$")
}

func TestTriggerContext(t *testing.T) {
	s := setupItems(t)
	defineTrigger(t, s, "watch", `
		warn(JSON.stringify([tg.name, tg.relname, tg.relatts, tg.op, tg.when, tg.level, tg_new, tg_old, args]));
		return pl.OK;`)
	mustExec(t, s, "CREATE TRIGGER audit AFTER INSERT OR UPDATE OR DELETE ON items FOR EACH ROW EXECUTE PROCEDURE watch('x', 'y')")

	res := mustExec(t, s, "INSERT INTO items (name) VALUES ('a')")
	require.Len(t, res.Notices, 1)
	assert.Equal(t, engine.LevelNotice, res.Notices[0].Level)
	assert.Equal(t, `["audit","items",["id","name"],4,1,2,{"id":"1","name":"a"},[],["x","y"]]`, res.Notices[0].Message)

	res = mustExec(t, s, "UPDATE items SET name = 'b'")
	require.Len(t, res.Notices, 1)
	assert.Equal(t, `["audit","items",["id","name"],6,1,2,{"id":"1","name":"b"},{"id":"1","name":"a"},["x","y"]]`, res.Notices[0].Message)

	res = mustExec(t, s, "DELETE FROM items")
	require.Len(t, res.Notices, 1)
	assert.Equal(t, `["audit","items",["id","name"],5,1,2,[],{"id":"1","name":"b"},["x","y"]]`, res.Notices[0].Message)
}

func TestTriggerContextIsFrozen(t *testing.T) {
	s := setupItems(t)
	defineTrigger(t, s, "tamper", `
		"use strict";
		try { tg.name = "other"; } catch (e) { warn("tg"); }
		try { args.push("z"); } catch (e) { warn("args"); }
		return pl.OK;`)
	mustExec(t, s, "CREATE TRIGGER t BEFORE INSERT ON items FOR EACH ROW EXECUTE PROCEDURE tamper('x')")

	res := mustExec(t, s, "INSERT INTO items (name) VALUES ('a')")
	require.Len(t, res.Notices, 2)
	assert.Equal(t, "tg", res.Notices[0].Message)
	assert.Equal(t, "args", res.Notices[1].Message)
}

func TestTriggerSkip(t *testing.T) {
	for _, ret := range []string{"pl.SKIP", `"SKIP"`, "false", "1"} {
		t.Run(ret, func(t *testing.T) {
			s := setupItems(t)
			defineTrigger(t, s, "skipper", "return "+ret+";")
			mustExec(t, s, "CREATE TRIGGER skip BEFORE INSERT ON items FOR EACH ROW EXECUTE PROCEDURE skipper()")

			res := mustExec(t, s, "INSERT INTO items (name) VALUES ('a'), ('b')")
			assert.Equal(t, int64(0), res.Processed)
			assert.Equal(t, "0", scalar(t, s, "SELECT count(*) FROM items"))
		})
	}
}

func TestTriggerOK(t *testing.T) {
	for _, ret := range []string{"pl.OK", `"OK"`, "true", "0"} {
		t.Run(ret, func(t *testing.T) {
			s := setupItems(t)
			defineTrigger(t, s, "passer", "return "+ret+";")
			mustExec(t, s, "CREATE TRIGGER pass BEFORE INSERT ON items FOR EACH ROW EXECUTE PROCEDURE passer()")

			mustExec(t, s, "INSERT INTO items (name) VALUES ('a')")
			assert.Equal(t, "a", scalar(t, s, "SELECT name FROM items"))
		})
	}
}

func TestTriggerModifiesRow(t *testing.T) {
	s := setupItems(t)
	defineTrigger(t, s, "shout", `return {name: tg_new.name.toUpperCase(), ".note": "ignored", id: null};`)
	mustExec(t, s, "CREATE TRIGGER shout BEFORE INSERT OR UPDATE ON items FOR EACH ROW EXECUTE PROCEDURE shout()")

	mustExec(t, s, "INSERT INTO items (name) VALUES ('quiet')")
	mustExec(t, s, "INSERT INTO items (name) VALUES ('other')")
	mustExec(t, s, "UPDATE items SET name = 'hush' WHERE id = 2")

	res := mustExec(t, s, "SELECT id, name FROM items ORDER BY id")
	assert.Equal(t, [][]string{{"1", "QUIET"}, {"2", "HUSH"}}, textRows(t, res))
}

func TestTriggerErrors(t *testing.T) {
	tests := []struct {
		name, timing, body, want string
	}{
		{"undefined_before_row", "BEFORE", "", "Invalid return value"},
		{"bad_column", "BEFORE", "return {nope: 1};", "invalid attribute 'nope'"},
		{"bad_code", "BEFORE", "return 9;", "Invalid return code"},
		{"bad_word", "BEFORE", `return "MAYBE";`, "unknown response MAYBE"},
		{"bad_kind", "BEFORE", "return [1, 2];", "Invalid return value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupItems(t)
			defineTrigger(t, s, tt.name, tt.body)
			mustExec(t, s, "CREATE TRIGGER t "+tt.timing+" INSERT ON items FOR EACH ROW EXECUTE PROCEDURE "+tt.name+"()")

			_, err := s.Exec(context.Background(), "INSERT INTO items (name) VALUES ('a')")
			require.Error(t, err)
			assert.True(t, engine.IsAbort(err))
			assert.Equal(t, tt.want, err.Error())
			assert.Equal(t, "0", scalar(t, s, "SELECT count(*) FROM items"))
		})
	}
}

func TestTriggerWithoutResultFails(t *testing.T) {
	tests := []struct {
		name, when string
	}{
		{"after_row", "AFTER INSERT ON items FOR EACH ROW"},
		{"before_statement", "BEFORE INSERT ON items"},
		{"after_statement", "AFTER INSERT ON items FOR EACH STATEMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupItems(t)
			defineTrigger(t, s, "quiet", `warn("fired");`)
			mustExec(t, s, "CREATE TRIGGER t "+tt.when+" EXECUTE PROCEDURE quiet()")

			_, err := s.Exec(context.Background(), "INSERT INTO items (name) VALUES ('a')")
			require.Error(t, err)
			assert.True(t, engine.IsAbort(err))
			assert.Equal(t, "Invalid return value", err.Error())
			assert.Equal(t, "0", scalar(t, s, "SELECT count(*) FROM items"))
		})
	}
}

func TestAfterTriggerResultIgnored(t *testing.T) {
	s := setupItems(t)
	defineTrigger(t, s, "after_skip", "return pl.SKIP;")
	mustExec(t, s, "CREATE TRIGGER t AFTER INSERT ON items FOR EACH ROW EXECUTE PROCEDURE after_skip()")

	mustExec(t, s, "INSERT INTO items (name) VALUES ('a')")
	assert.Equal(t, "1", scalar(t, s, "SELECT count(*) FROM items"))
}

func TestStatementTrigger(t *testing.T) {
	s := setupItems(t)
	defineTrigger(t, s, "once", `warn(JSON.stringify([tg.level, tg_new, tg_old])); return pl.OK;`)
	defineTrigger(t, s, "meddle", `return {name: "x"};`)
	mustExec(t, s, "CREATE TRIGGER once BEFORE INSERT ON items EXECUTE PROCEDURE once()")

	res := mustExec(t, s, "INSERT INTO items (name) VALUES ('a'), ('b')")
	require.Len(t, res.Notices, 1)
	assert.Equal(t, `[3,[],[]]`, res.Notices[0].Message)

	mustExec(t, s, "CREATE TRIGGER meddle BEFORE DELETE ON items EXECUTE PROCEDURE meddle()")
	_, err := s.Exec(context.Background(), "DELETE FROM items")
	require.Error(t, err)
	assert.Equal(t, "statement level triggers cannot modify rows", err.Error())
}
