// Package catalog stores procedure and trigger definitions and parses the DDL that
// creates them.
package catalog

import (
	"strings"
	"time"
)

// FirstUserOID is the first OID handed out to stored procedures.
const FirstUserOID = 16384

// Proc is a stored procedure definition.
type Proc struct {
	OID        uint32
	Name       string
	Language   string
	ReturnType string // type name; "TABLE(...)" for RETURNS TABLE
	ReturnsSet bool
	Volatility string
	Strict     bool
	Source     string
	Args       []ProcArg
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProcArg is one declared parameter of a procedure.
type ProcArg struct {
	Name     string
	Type     string
	Position int
}

// ArgTypes returns the declared argument type names in order.
func (p *Proc) ArgTypes() []string {
	out := make([]string, len(p.Args))
	for i, a := range p.Args {
		out[i] = a.Type
	}
	return out
}

// TableColumns returns the column definitions of a RETURNS TABLE procedure, or nil.
func (p *Proc) TableColumns() []ColumnDef {
	if !strings.HasPrefix(strings.ToUpper(p.ReturnType), "TABLE") {
		return nil
	}
	open := strings.Index(p.ReturnType, "(")
	closing := strings.LastIndex(p.ReturnType, ")")
	if open < 0 || closing < open {
		return nil
	}
	cols, err := ParseColumnDefs(p.ReturnType[open+1 : closing])
	if err != nil {
		return nil
	}
	return cols
}

// ColumnDef is a "name type" pair from a column definition list.
type ColumnDef struct {
	Name string
	Type string
}

// Event is a bitmask of the operations a trigger fires on.
type Event int

const (
	EventInsert Event = 1 << iota
	EventDelete
	EventUpdate
)

func (e Event) String() string {
	var parts []string
	if e&EventInsert != 0 {
		parts = append(parts, "INSERT")
	}
	if e&EventDelete != 0 {
		parts = append(parts, "DELETE")
	}
	if e&EventUpdate != 0 {
		parts = append(parts, "UPDATE")
	}
	return strings.Join(parts, " OR ")
}

// Trigger is a stored trigger definition.
type Trigger struct {
	OID     uint32
	Name    string
	Table   string
	ProcOID uint32
	Timing  string // BEFORE or AFTER
	Level   string // ROW or STATEMENT
	Events  Event
	Args    []string
	Enabled bool
}

// ParsedFunction is the result of parsing a CREATE FUNCTION statement.
type ParsedFunction struct {
	Name       string
	Args       []ProcArg
	ReturnType string
	ReturnsSet bool
	Language   string
	Volatility string
	Strict     bool
	Body       string
	OrReplace  bool
}

// ParsedTrigger is the result of parsing a CREATE TRIGGER statement.
type ParsedTrigger struct {
	Name     string
	Table    string
	Timing   string
	Level    string
	Events   Event
	Function string
	Args     []string
}
