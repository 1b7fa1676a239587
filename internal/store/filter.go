package store

import (
	"fmt"
	"regexp"
	"strings"
)

var fieldName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Filter is a chainable predicate for Select/Update/Delete:
//
//	store.NewFilter().Eq("phase", "completed").OrderBy("created_at", true).Limit(10)
//
// Equality and ordering address document fields; "id" addresses the key
// column directly.
type Filter struct {
	eqs     []eqPredicate
	orderBy string
	desc    bool
	limit   int
}

type eqPredicate struct {
	column string
	value  any
}

// NewFilter returns an empty filter matching every row.
func NewFilter() *Filter {
	return &Filter{}
}

// Eq adds an equality predicate on a document field.
func (f *Filter) Eq(column string, value any) *Filter {
	f.eqs = append(f.eqs, eqPredicate{column: column, value: value})
	return f
}

// OrderBy sorts results by a document field.
func (f *Filter) OrderBy(column string, desc bool) *Filter {
	f.orderBy = column
	f.desc = desc
	return f
}

// Limit caps the number of rows returned.
func (f *Filter) Limit(n int) *Filter {
	f.limit = n
	return f
}

// columnExpr maps a field name to SQL. Field names are restricted to
// identifier characters; anything else degrades to a never-matching NULL
// rather than reaching the SQL text.
func columnExpr(column string) string {
	if column == "id" {
		return "id"
	}
	if !fieldName.MatchString(column) {
		return "NULL"
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", column)
}

func (f *Filter) whereClause() (string, []any) {
	if f == nil || len(f.eqs) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(f.eqs))
	args := make([]any, 0, len(f.eqs))
	for _, p := range f.eqs {
		clauses = append(clauses, columnExpr(p.column)+" = ?")
		args = append(args, p.value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (f *Filter) orderClause() string {
	if f == nil || f.orderBy == "" {
		return ""
	}
	dir := "ASC"
	if f.desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", columnExpr(f.orderBy), dir)
}

func (f *Filter) limitClause() string {
	if f == nil || f.limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", f.limit)
}
