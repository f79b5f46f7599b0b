package engine

import (
	"strconv"
	"strings"
	"unicode"
)

type stmtKind int

const (
	kindEmpty stmtKind = iota
	kindSelect
	kindInsert
	kindUpdate
	kindDelete
	kindUtility
	kindTransaction
	kindCopy
	kindCursor
	kindUnknown
)

var leadingKinds = map[string]stmtKind{
	"SELECT":    kindSelect,
	"VALUES":    kindSelect,
	"WITH":      kindSelect,
	"EXPLAIN":   kindSelect,
	"PRAGMA":    kindSelect,
	"INSERT":    kindInsert,
	"REPLACE":   kindInsert,
	"UPDATE":    kindUpdate,
	"DELETE":    kindDelete,
	"CREATE":    kindUtility,
	"DROP":      kindUtility,
	"ALTER":     kindUtility,
	"ANALYZE":   kindUtility,
	"VACUUM":    kindUtility,
	"REINDEX":   kindUtility,
	"ATTACH":    kindUtility,
	"DETACH":    kindUtility,
	"BEGIN":     kindTransaction,
	"COMMIT":    kindTransaction,
	"END":       kindTransaction,
	"ROLLBACK":  kindTransaction,
	"SAVEPOINT": kindTransaction,
	"RELEASE":   kindTransaction,
	"START":     kindTransaction,
	"COPY":      kindCopy,
	"DECLARE":   kindCursor,
	"FETCH":     kindCursor,
	"CLOSE":     kindCursor,
	"MOVE":      kindCursor,
}

// classify returns the kind of the statement from its leading keyword.
func classify(query string) stmtKind {
	word := firstWord(query)
	if word == "" {
		return kindEmpty
	}
	if k, ok := leadingKinds[word]; ok {
		return k
	}
	return kindUnknown
}

// firstWord returns the upper-cased leading keyword, skipping whitespace and comments.
func firstWord(query string) string {
	q := skipSpaceAndComments(query)
	end := strings.IndexFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_'
	})
	if end < 0 {
		end = len(q)
	}
	return strings.ToUpper(q[:end])
}

func skipSpaceAndComments(q string) string {
	for {
		q = strings.TrimLeftFunc(q, unicode.IsSpace)
		switch {
		case strings.HasPrefix(q, "--"):
			nl := strings.IndexByte(q, '\n')
			if nl < 0 {
				return ""
			}
			q = q[nl+1:]
		case strings.HasPrefix(q, "/*"):
			end := strings.Index(q, "*/")
			if end < 0 {
				return ""
			}
			q = q[end+2:]
		default:
			return q
		}
	}
}

func commandTag(kind stmtKind, query string, n int64) string {
	switch kind {
	case kindSelect:
		return "SELECT " + itoa(n)
	case kindInsert:
		return "INSERT 0 " + itoa(n)
	case kindUpdate:
		return "UPDATE " + itoa(n)
	case kindDelete:
		return "DELETE " + itoa(n)
	}
	fields := strings.Fields(strings.ToUpper(skipSpaceAndComments(query)))
	switch {
	case len(fields) == 0:
		return ""
	case len(fields) > 2 && (fields[1] == "UNIQUE" || fields[1] == "TEMP" || fields[1] == "TEMPORARY" || fields[1] == "VIRTUAL"):
		return fields[0] + " " + fields[2]
	case len(fields) > 1 && (fields[0] == "CREATE" || fields[0] == "DROP" || fields[0] == "ALTER"):
		return fields[0] + " " + fields[1]
	}
	return fields[0]
}

// rewriteParams turns $n placeholders into SQLite's ?n form. Quoted text is left alone.
func rewriteParams(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch c {
		case '\'', '"', '`':
			end := closingQuote(query, i)
			b.WriteString(query[i:end])
			i = end - 1
		case '$':
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if j > i+1 {
				b.WriteByte('?')
				b.WriteString(query[i+1 : j])
				i = j - 1
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// closingQuote returns the index just past the quoted run starting at i. Doubled quote
// characters are escapes.
func closingQuote(s string, i int) int {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		if s[j] == q {
			if j+1 < len(s) && s[j+1] == q {
				j++
				continue
			}
			return j + 1
		}
	}
	return len(s)
}

// dollarTag returns the "$tag$" opener at i, or "".
func dollarTag(s string, i int) string {
	if s[i] != '$' {
		return ""
	}
	for j := i + 1; j < len(s); j++ {
		c := s[j]
		if c == '$' {
			return s[i : j+1]
		}
		if !(c == '_' || unicode.IsLetter(rune(c)) || (j > i+1 && c >= '0' && c <= '9')) {
			return ""
		}
	}
	return ""
}

// SplitStatements splits a script on semicolons that are outside quotes, dollar quoted
// bodies and comments. Empty statements are dropped.
func SplitStatements(script string) []string {
	var out []string
	start := 0
	emit := func(end int) {
		if stmt := strings.TrimSpace(script[start:end]); stmt != "" {
			out = append(out, stmt)
		}
		start = end + 1
	}
	for i := 0; i < len(script); i++ {
		switch c := script[i]; {
		case c == '\'' || c == '"':
			i = closingQuote(script, i) - 1
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			nl := strings.IndexByte(script[i:], '\n')
			if nl < 0 {
				i = len(script)
			} else {
				i += nl
			}
		case c == '/' && strings.HasPrefix(script[i:], "/*"):
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				i = len(script)
			} else {
				i += end + 3
			}
		case c == '$':
			if tag := dollarTag(script, i); tag != "" {
				end := strings.Index(script[i+len(tag):], tag)
				if end < 0 {
					i = len(script)
				} else {
					i += len(tag) + end + len(tag) - 1
				}
			}
		case c == ';':
			emit(i)
		}
	}
	if start < len(script) {
		emit(len(script))
	}
	return out
}

func trimSemicolon(query string) string {
	return strings.TrimRight(strings.TrimSpace(query), "; \t\r\n")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
