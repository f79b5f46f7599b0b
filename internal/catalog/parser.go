package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

// IsCreateFunction checks if SQL is a CREATE FUNCTION statement.
func IsCreateFunction(sql string) bool {
	normalized := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(normalized, "CREATE FUNCTION") ||
		strings.HasPrefix(normalized, "CREATE OR REPLACE FUNCTION")
}

// IsDropFunction checks if SQL is a DROP FUNCTION statement.
func IsDropFunction(sql string) bool {
	return hasPrefixFold(sql, "DROP FUNCTION")
}

// IsCreateTrigger checks if SQL is a CREATE TRIGGER statement bound to a procedure.
// SQLite's own trigger syntax (BEGIN ... END bodies) is left alone.
func IsCreateTrigger(sql string) bool {
	return hasPrefixFold(sql, "CREATE TRIGGER") && executePattern.MatchString(sql)
}

// IsDropTrigger checks if SQL is DROP TRIGGER ... ON table.
func IsDropTrigger(sql string) bool {
	return hasPrefixFold(sql, "DROP TRIGGER") && dropTriggerPattern.MatchString(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
}

func hasPrefixFold(sql, prefix string) bool {
	fields := strings.Fields(strings.ToUpper(sql))
	want := strings.Fields(prefix)
	if len(fields) < len(want) {
		return false
	}
	for i := range want {
		if fields[i] != want[i] {
			return false
		}
	}
	return true
}

var (
	namePattern    = regexp.MustCompile(`(?is)CREATE\s+(?:OR\s+REPLACE\s+)?FUNCTION\s+(\w+)\s*\(`)
	returnsPattern = regexp.MustCompile(`(?is)RETURNS\s+(TABLE\s*\([^)]+\)|SETOF\s+\w+(?:\s*\[\])?|\w+(?:\s+\w+)?\s*(?:\(\s*\d+\s*(?:,\s*\d+\s*)?\))?(?:\s*\[\])?)`)
	langPattern    = regexp.MustCompile(`(?i)LANGUAGE\s+'?(\w+)'?`)
	strictPattern  = regexp.MustCompile(`(?i)\bSTRICT\b|RETURNS\s+NULL\s+ON\s+NULL\s+INPUT`)
)

// typeWords are the second words allowed in a two-word return type.
var typeWords = map[string]bool{"PRECISION": true, "VARYING": true}

// ParseCreateFunction parses a CREATE FUNCTION statement. The body must be dollar quoted.
func ParseCreateFunction(sql string) (*ParsedFunction, error) {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")

	fn := &ParsedFunction{
		Language:   "pljs",
		Volatility: "VOLATILE",
	}

	// The body is cut out first so that keywords inside it are not matched
	body, head, err := extractDollarQuotedBody(sql)
	if err != nil {
		return nil, fmt.Errorf("extract body: %w", err)
	}
	fn.Body = strings.TrimSpace(body)

	upperHead := strings.ToUpper(head)
	if strings.HasPrefix(upperHead, "CREATE OR REPLACE FUNCTION") {
		fn.OrReplace = true
	}

	loc := namePattern.FindStringSubmatchIndex(head)
	if loc == nil {
		return nil, fmt.Errorf("invalid CREATE FUNCTION syntax")
	}
	fn.Name = head[loc[2]:loc[3]]
	argsEnd := matchingParen(head, loc[1]-1)
	if argsEnd < 0 {
		return nil, fmt.Errorf("unbalanced parentheses in argument list")
	}
	if args := strings.TrimSpace(head[loc[1]:argsEnd]); args != "" {
		parsed, err := parseArguments(args)
		if err != nil {
			return nil, fmt.Errorf("parse arguments: %w", err)
		}
		fn.Args = parsed
	}

	returnsMatch := returnsPattern.FindStringSubmatch(head[argsEnd+1:])
	if returnsMatch == nil {
		return nil, fmt.Errorf("missing RETURNS clause")
	}
	returnType := strings.TrimSpace(returnsMatch[1])
	if fields := strings.Fields(returnType); len(fields) == 2 && !strings.EqualFold(fields[0], "SETOF") {
		word, _, _ := strings.Cut(strings.ToUpper(fields[1]), "(")
		if !typeWords[word] {
			returnType = fields[0]
		}
	}

	upperReturn := strings.ToUpper(returnType)
	switch {
	case strings.HasPrefix(upperReturn, "SETOF "):
		fn.ReturnsSet = true
		fn.ReturnType = strings.TrimSpace(returnType[6:])
	case strings.HasPrefix(upperReturn, "TABLE"):
		fn.ReturnsSet = true
		fn.ReturnType = returnType
	default:
		fn.ReturnType = returnType
	}

	if langMatch := langPattern.FindStringSubmatch(head); langMatch != nil {
		fn.Language = strings.ToLower(langMatch[1])
	}

	if strings.Contains(upperHead, "IMMUTABLE") {
		fn.Volatility = "IMMUTABLE"
	} else if strings.Contains(upperHead, "STABLE") {
		fn.Volatility = "STABLE"
	}

	if strictPattern.MatchString(head) {
		fn.Strict = true
	}

	return fn, nil
}

// matchingParen returns the index of the parenthesis closing the one at open, or -1.
func matchingParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseArguments parses "name type, name type" argument lists. A lone type is an
// unnamed argument.
func parseArguments(argsStr string) ([]ProcArg, error) {
	var args []ProcArg
	for i, part := range splitArgs(argsStr) {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty argument at position %d", i)
		}
		tokens := strings.Fields(part)
		if len(tokens) > 0 && strings.EqualFold(tokens[0], "IN") {
			tokens = tokens[1:]
		}
		if len(tokens) == 0 {
			return nil, fmt.Errorf("invalid argument: %q", part)
		}

		arg := ProcArg{Position: i}
		if len(tokens) == 1 || typeWords[strings.ToUpper(tokens[1])] || strings.HasPrefix(tokens[1], "(") {
			arg.Type = strings.Join(tokens, " ")
		} else {
			arg.Name = tokens[0]
			arg.Type = strings.Join(tokens[1:], " ")
		}
		args = append(args, arg)
	}
	return args, nil
}

// ParseColumnDefs parses "a int4, b text" as used by RETURNS TABLE and AS (...) clauses.
func ParseColumnDefs(s string) ([]ColumnDef, error) {
	var cols []ColumnDef
	for _, part := range splitArgs(s) {
		tokens := strings.Fields(strings.TrimSpace(part))
		if len(tokens) < 2 {
			return nil, fmt.Errorf("invalid column definition: %q", strings.TrimSpace(part))
		}
		cols = append(cols, ColumnDef{Name: tokens[0], Type: strings.Join(tokens[1:], " ")})
	}
	return cols, nil
}

// splitArgs splits arguments respecting parentheses (for types like numeric(10,2)).
func splitArgs(s string) []string {
	var result []string
	var current strings.Builder
	depth := 0

	for _, ch := range s {
		switch ch {
		case '(':
			depth++
			current.WriteRune(ch)
		case ')':
			depth--
			current.WriteRune(ch)
		case ',':
			if depth == 0 {
				result = append(result, current.String())
				current.Reset()
			} else {
				current.WriteRune(ch)
			}
		default:
			current.WriteRune(ch)
		}
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}

var dollarPattern = regexp.MustCompile(`\$(\w*)\$`)

// extractDollarQuotedBody extracts the body from $$ ... $$ or $tag$ ... $tag$ and
// returns the statement with the body removed.
func extractDollarQuotedBody(sql string) (body, rest string, err error) {
	loc := dollarPattern.FindStringSubmatchIndex(sql)
	if loc == nil {
		return "", "", fmt.Errorf("missing dollar-quoted body")
	}
	openDelim := sql[loc[0]:loc[1]]
	openIdx := loc[1]

	closeIdx := strings.Index(sql[openIdx:], openDelim)
	if closeIdx < 0 {
		return "", "", fmt.Errorf("unclosed dollar quote")
	}

	body = sql[openIdx : openIdx+closeIdx]
	rest = sql[:loc[0]] + " " + sql[openIdx+closeIdx+len(openDelim):]
	return body, rest, nil
}

// ParseDropFunction parses DROP FUNCTION [IF EXISTS] name[(args)].
func ParseDropFunction(sql string) (name string, ifExists bool, err error) {
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")

	pattern := regexp.MustCompile(`(?i)DROP\s+FUNCTION\s+(IF\s+EXISTS\s+)?(\w+)`)
	matches := pattern.FindStringSubmatch(sql)
	if matches == nil {
		return "", false, fmt.Errorf("invalid DROP FUNCTION syntax")
	}

	return matches[2], matches[1] != "", nil
}

var (
	executePattern = regexp.MustCompile(`(?is)EXECUTE\s+(?:PROCEDURE|FUNCTION)\s+\w+\s*\(`)
	triggerPattern = regexp.MustCompile(`(?is)^CREATE\s+TRIGGER\s+(\w+)\s+(BEFORE|AFTER)\s+(.+?)\s+ON\s+(\w+)` +
		`(?:\s+FOR\s+(?:EACH\s+)?(ROW|STATEMENT))?\s+EXECUTE\s+(?:PROCEDURE|FUNCTION)\s+(\w+)\s*\((.*)\)$`)
	dropTriggerPattern = regexp.MustCompile(`(?is)^DROP\s+TRIGGER\s+(IF\s+EXISTS\s+)?(\w+)\s+ON\s+(\w+)$`)
)

// ParseCreateTrigger parses
// CREATE TRIGGER name {BEFORE|AFTER} ev [OR ev] ON table [FOR [EACH] {ROW|STATEMENT}]
// EXECUTE {PROCEDURE|FUNCTION} fn(args).
func ParseCreateTrigger(sql string) (*ParsedTrigger, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")
	m := triggerPattern.FindStringSubmatch(sql)
	if m == nil {
		return nil, fmt.Errorf("invalid CREATE TRIGGER syntax")
	}

	t := &ParsedTrigger{
		Name:     m[1],
		Timing:   strings.ToUpper(m[2]),
		Table:    m[4],
		Level:    "STATEMENT",
		Function: m[6],
	}
	if m[5] != "" {
		t.Level = strings.ToUpper(m[5])
	}

	for _, ev := range regexp.MustCompile(`(?i)\s+OR\s+`).Split(m[3], -1) {
		word := strings.ToUpper(strings.Fields(ev)[0])
		switch word {
		case "INSERT":
			t.Events |= EventInsert
		case "DELETE":
			t.Events |= EventDelete
		case "UPDATE":
			t.Events |= EventUpdate
		default:
			return nil, fmt.Errorf("unsupported trigger event %q", word)
		}
	}

	args, err := parseTriggerArgs(m[7])
	if err != nil {
		return nil, err
	}
	t.Args = args
	return t, nil
}

// parseTriggerArgs splits the literal argument list of a trigger. Quoted strings lose
// their quotes; other literals are kept as written.
func parseTriggerArgs(s string) ([]string, error) {
	var args []string
	s = strings.TrimSpace(s)
	for s != "" {
		var arg string
		if s[0] == '\'' {
			var b strings.Builder
			i := 1
			for ; i < len(s); i++ {
				if s[i] == '\'' {
					if i+1 < len(s) && s[i+1] == '\'' {
						b.WriteByte('\'')
						i++
						continue
					}
					break
				}
				b.WriteByte(s[i])
			}
			if i >= len(s) {
				return nil, fmt.Errorf("unterminated trigger argument")
			}
			arg = b.String()
			s = strings.TrimSpace(s[i+1:])
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			arg = strings.TrimSpace(s[:end])
			s = strings.TrimSpace(s[end:])
		}
		args = append(args, arg)
		if s == "" {
			break
		}
		if s[0] != ',' {
			return nil, fmt.Errorf("invalid trigger arguments near %q", s)
		}
		s = strings.TrimSpace(s[1:])
	}
	return args, nil
}

// ParseDropTrigger parses DROP TRIGGER [IF EXISTS] name ON table.
func ParseDropTrigger(sql string) (name, table string, ifExists bool, err error) {
	m := dropTriggerPattern.FindStringSubmatch(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if m == nil {
		return "", "", false, fmt.Errorf("invalid DROP TRIGGER syntax")
	}
	return m[2], m[3], m[1] != "", nil
}
