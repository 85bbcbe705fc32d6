package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ColumnType classifies a column for operator and value checks.
type ColumnType int

const (
	Text ColumnType = iota
	Int
	Float
	Bool
	Time
)

// Column maps one API field name to its SQL column and type class.
type Column struct {
	Name string
	SQL  string
	Type ColumnType
}

// Schema is the static column table for one kind. It is built once at
// service bootstrap; lookups never touch reflection.
type Schema struct {
	table   string
	columns []Column
	index   map[string]Column
}

// NewSchema builds a schema for table with the given columns.
func NewSchema(table string, cols ...Column) *Schema {
	idx := make(map[string]Column, len(cols))
	for _, c := range cols {
		idx[c.Name] = c
	}
	return &Schema{table: table, columns: cols, index: idx}
}

// Table returns the SQL table name.
func (s *Schema) Table() string { return s.table }

// Lookup resolves an API field name to its column.
func (s *Schema) Lookup(field string) (Column, bool) {
	c, ok := s.index[field]
	return c, ok
}

// Builder translates queries into SQL fragments for one schema.
type Builder struct {
	schema *Schema
	log    zerolog.Logger
}

// NewBuilder returns a Builder for schema. Dropped unknown fields are
// reported through log as structured warnings.
func NewBuilder(schema *Schema, log zerolog.Logger) *Builder {
	return &Builder{
		schema: schema,
		log:    log.With().Str("component", "filter").Str("table", schema.table).Logger(),
	}
}

// Where renders the condition tree as a boolean SQL expression with $n
// placeholders starting at argOffset+1. An empty string means "match all".
func (b *Builder) Where(q *Query, argOffset int) (string, []any, error) {
	var args []any
	expr, err := b.group(q.Conditions, q.Operator, &args, argOffset)
	if err != nil {
		return "", nil, err
	}
	return expr, args, nil
}

// OrderBy renders the ordering clause, always tie-breaking on id ascending.
func (b *Builder) OrderBy(q *Query) (string, error) {
	if q.OrderBy == "" {
		return "ORDER BY id ASC", nil
	}
	col, ok := b.schema.Lookup(q.OrderBy)
	if !ok {
		b.log.Warn().
			Str("subsystem", "filter").
			Str("field", q.OrderBy).
			Msg("unknown order field dropped")
		return "ORDER BY id ASC", nil
	}
	dir := "ASC"
	if q.OrderDirection == "desc" {
		dir = "DESC"
	}
	if col.SQL == "id" {
		return fmt.Sprintf("ORDER BY id %s", dir), nil
	}
	return fmt.Sprintf("ORDER BY %s %s, id ASC", col.SQL, dir), nil
}

func (b *Builder) group(nodes NodeList, op Logical, args *[]any, argOffset int) (string, error) {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		switch n := n.(type) {
		case *Condition:
			expr, err := b.condition(n, args, argOffset)
			if err != nil {
				return "", err
			}
			if expr != "" {
				parts = append(parts, expr)
			}
		case *Group:
			inner, err := b.group(n.Conditions, n.Operator, args, argOffset)
			if err != nil {
				return "", err
			}
			if inner != "" {
				parts = append(parts, "("+inner+")")
			}
		default:
			return "", fmt.Errorf("%w: unsupported condition node %T", ErrInvalidQuery, n)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	joiner := " AND "
	if op == LogicalOr {
		joiner = " OR "
	}
	return strings.Join(parts, joiner), nil
}

func (b *Builder) condition(c *Condition, args *[]any, argOffset int) (string, error) {
	col, ok := b.schema.Lookup(c.Field)
	if !ok {
		b.log.Warn().
			Str("subsystem", "filter").
			Str("field", c.Field).
			Msg("unknown filter field dropped")
		return "", nil
	}

	place := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", argOffset+len(*args))
	}

	switch c.Operator {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		v, err := coerceScalar(col, c)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", col.SQL, comparators[c.Operator], place(v)), nil

	case OpContains, OpIContains, OpStartsWith, OpEndsWith:
		if col.Type != Text {
			return "", fmt.Errorf("%w: operator %s requires a text field, %q is not", ErrInvalidQuery, c.Operator, c.Field)
		}
		s, ok := c.Value.(string)
		if !ok {
			return "", fmt.Errorf("%w: operator %s on %q requires a string value", ErrInvalidQuery, c.Operator, c.Field)
		}
		pattern := escapeLike(s)
		like := "LIKE"
		switch c.Operator {
		case OpIContains:
			like = "ILIKE"
			pattern = "%" + pattern + "%"
		case OpContains:
			pattern = "%" + pattern + "%"
		case OpStartsWith:
			pattern = pattern + "%"
		case OpEndsWith:
			pattern = "%" + pattern
		}
		return fmt.Sprintf("%s %s %s", col.SQL, like, place(pattern)), nil

	case OpIn, OpNotIn:
		list, ok := c.Value.([]any)
		if !ok {
			return "", fmt.Errorf("%w: operator %s on %q requires a list value", ErrInvalidQuery, c.Operator, c.Field)
		}
		arr, err := coerceList(col, c.Field, list)
		if err != nil {
			return "", err
		}
		if c.Operator == OpIn {
			return fmt.Sprintf("%s = ANY(%s)", col.SQL, place(arr)), nil
		}
		return fmt.Sprintf("%s <> ALL(%s)", col.SQL, place(arr)), nil

	case OpIsNull:
		return fmt.Sprintf("%s IS NULL", col.SQL), nil
	case OpIsNotNull:
		return fmt.Sprintf("%s IS NOT NULL", col.SQL), nil

	default:
		return "", fmt.Errorf("%w: unknown operator %q for field %q", ErrInvalidQuery, c.Operator, c.Field)
	}
}

var comparators = map[Operator]string{
	OpEq:  "=",
	OpNe:  "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

func coerceScalar(col Column, c *Condition) (any, error) {
	switch col.Type {
	case Text:
		s, ok := c.Value.(string)
		if !ok {
			return nil, typeError(c, "string")
		}
		return s, nil
	case Int, Float:
		n, ok := c.Value.(float64)
		if !ok {
			return nil, typeError(c, "number")
		}
		return n, nil
	case Bool:
		if c.Operator != OpEq && c.Operator != OpNe {
			return nil, fmt.Errorf("%w: operator %s is not valid for boolean field %q", ErrInvalidQuery, c.Operator, c.Field)
		}
		v, ok := c.Value.(bool)
		if !ok {
			return nil, typeError(c, "boolean")
		}
		return v, nil
	case Time:
		s, ok := c.Value.(string)
		if !ok {
			return nil, typeError(c, "timestamp string")
		}
		t, err := parseTime(s)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidQuery, c.Field, err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: field %q has an unsupported column type", ErrInvalidQuery, c.Field)
}

func coerceList(col Column, field string, list []any) (any, error) {
	switch col.Type {
	case Text:
		out := make([]string, 0, len(list))
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				return nil, listTypeError(field, "strings")
			}
			out = append(out, s)
		}
		return pq.Array(out), nil
	case Int, Float:
		out := make([]float64, 0, len(list))
		for _, v := range list {
			n, ok := v.(float64)
			if !ok {
				return nil, listTypeError(field, "numbers")
			}
			out = append(out, n)
		}
		return pq.Array(out), nil
	case Bool:
		out := make([]bool, 0, len(list))
		for _, v := range list {
			b, ok := v.(bool)
			if !ok {
				return nil, listTypeError(field, "booleans")
			}
			out = append(out, b)
		}
		return pq.Array(out), nil
	case Time:
		out := make([]time.Time, 0, len(list))
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				return nil, listTypeError(field, "timestamp strings")
			}
			t, err := parseTime(s)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidQuery, field, err)
			}
			out = append(out, t)
		}
		return pq.Array(out), nil
	}
	return nil, fmt.Errorf("%w: field %q has an unsupported column type", ErrInvalidQuery, field)
}

func typeError(c *Condition, want string) error {
	return fmt.Errorf("%w: field %q with operator %s requires a %s value, got %T",
		ErrInvalidQuery, c.Field, c.Operator, want, c.Value)
}

func listTypeError(field, want string) error {
	return fmt.Errorf("%w: field %q requires a list of %s", ErrInvalidQuery, field, want)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a timestamp", s)
}

// escapeLike neutralizes LIKE metacharacters in user input. Postgres treats
// backslash as the default escape character.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
