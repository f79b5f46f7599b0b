package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Interceptor handles the DDL that manages procedures and triggers so that it never
// reaches SQLite.
type Interceptor struct {
	store *Store
}

// NewInterceptor creates a new Interceptor.
func NewInterceptor(store *Store) *Interceptor {
	return &Interceptor{store: store}
}

// ProcessSQL processes a SQL statement, handling CREATE/DROP FUNCTION and
// CREATE/DROP TRIGGER. Returns (command tag, handled, error). If handled is true, the
// caller should not execute the SQL normally.
func (i *Interceptor) ProcessSQL(ctx context.Context, sql string) (string, bool, error) {
	switch {
	case IsCreateFunction(sql):
		return i.handleCreateFunction(ctx, sql)
	case IsDropFunction(sql):
		return i.handleDropFunction(ctx, sql)
	case IsCreateTrigger(sql):
		return i.handleCreateTrigger(ctx, sql)
	case IsDropTrigger(sql):
		return i.handleDropTrigger(ctx, sql)
	}
	return "", false, nil
}

func (i *Interceptor) handleCreateFunction(ctx context.Context, sql string) (string, bool, error) {
	parsed, err := ParseCreateFunction(sql)
	if err != nil {
		return "", true, fmt.Errorf("parse CREATE FUNCTION: %w", err)
	}

	p := &Proc{
		Name:       parsed.Name,
		Language:   parsed.Language,
		ReturnType: parsed.ReturnType,
		ReturnsSet: parsed.ReturnsSet,
		Volatility: parsed.Volatility,
		Strict:     parsed.Strict,
		Source:     parsed.Body,
		Args:       parsed.Args,
	}

	var storeErr error
	if parsed.OrReplace {
		storeErr = i.store.ReplaceProc(ctx, p)
	} else {
		if i.store.ProcExists(ctx, parsed.Name) {
			return "", true, fmt.Errorf("function %q already exists", parsed.Name)
		}
		storeErr = i.store.CreateProc(ctx, p)
	}
	if storeErr != nil {
		return "", true, fmt.Errorf("store function: %w", storeErr)
	}

	return "CREATE FUNCTION", true, nil
}

func (i *Interceptor) handleDropFunction(ctx context.Context, sql string) (string, bool, error) {
	name, ifExists, err := ParseDropFunction(sql)
	if err != nil {
		return "", true, err
	}

	if err := i.store.DeleteProc(ctx, name); err != nil {
		if ifExists && errors.Is(err, ErrNotFound) {
			return "DROP FUNCTION", true, nil
		}
		return "", true, fmt.Errorf("drop function: %w", err)
	}
	return "DROP FUNCTION", true, nil
}

func (i *Interceptor) handleCreateTrigger(ctx context.Context, sql string) (string, bool, error) {
	parsed, err := ParseCreateTrigger(sql)
	if err != nil {
		return "", true, fmt.Errorf("parse CREATE TRIGGER: %w", err)
	}

	if !i.store.TableExists(ctx, parsed.Table) {
		return "", true, fmt.Errorf("relation %q does not exist", parsed.Table)
	}
	proc, err := i.store.GetProc(ctx, parsed.Function)
	if err != nil {
		return "", true, fmt.Errorf("function %s() does not exist", parsed.Function)
	}
	if !strings.EqualFold(proc.ReturnType, "trigger") {
		return "", true, fmt.Errorf("function %s must return type trigger", parsed.Function)
	}

	t := &Trigger{
		Name:    parsed.Name,
		Table:   parsed.Table,
		ProcOID: proc.OID,
		Timing:  parsed.Timing,
		Level:   parsed.Level,
		Events:  parsed.Events,
		Args:    parsed.Args,
		Enabled: true,
	}
	if err := i.store.CreateTrigger(ctx, t); err != nil {
		return "", true, fmt.Errorf("store trigger: %w", err)
	}
	return "CREATE TRIGGER", true, nil
}

func (i *Interceptor) handleDropTrigger(ctx context.Context, sql string) (string, bool, error) {
	name, table, ifExists, err := ParseDropTrigger(sql)
	if err != nil {
		return "", true, err
	}
	if err := i.store.DeleteTrigger(ctx, table, name); err != nil {
		if ifExists && errors.Is(err, ErrNotFound) {
			return "DROP TRIGGER", true, nil
		}
		return "", true, fmt.Errorf("drop trigger: %w", err)
	}
	return "DROP TRIGGER", true, nil
}
