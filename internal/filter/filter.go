// Package filter implements the advanced query surface shared by every
// resource kind: a recursive condition AST decoded from JSON, validation
// against a per-kind column schema, and translation to parameterized SQL.
//
// A query is a group of nodes combined with "and" or "or"; each node is
// either a leaf condition {field, operator, value} or a nested group. The
// SQL translation is driven entirely by a static column table per kind, so
// no reflection is involved and unknown fields degrade to a logged no-op
// instead of failing the whole query.
package filter

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidQuery marks malformed filter queries: unknown operators, value
// types that do not fit the column, or out-of-range paging. Handlers map it
// to HTTP 422.
var ErrInvalidQuery = errors.New("invalid filter query")

// Operator is a leaf comparison operator.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpIContains  Operator = "icontains"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpIsNull     Operator = "is_null"
	OpIsNotNull  Operator = "is_not_null"
)

// Logical combines sibling conditions inside a group.
type Logical string

const (
	LogicalAnd Logical = "and"
	LogicalOr  Logical = "or"
)

// Pagination bounds. A request may ask for at most MaxLimit rows per page.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Node is one element of a condition tree: *Condition or *Group.
type Node interface {
	node()
}

// Condition is a single field comparison.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

func (*Condition) node() {}

// Group nests conditions under one logical operator. An empty group matches
// everything.
type Group struct {
	Conditions NodeList `json:"conditions"`
	Operator   Logical  `json:"operator"`
}

func (*Group) node() {}

// NodeList decodes a heterogeneous JSON array of conditions and groups. An
// object is a group exactly when it carries a "conditions" key.
type NodeList []Node

// UnmarshalJSON implements polymorphic decoding for condition trees.
func (l *NodeList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(NodeList, 0, len(raw))
	for _, item := range raw {
		n, err := decodeNode(item)
		if err != nil {
			return err
		}
		out = append(out, n)
	}
	*l = out
	return nil
}

func decodeNode(data []byte) (Node, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: condition must be an object", ErrInvalidQuery)
	}
	if _, ok := probe["conditions"]; ok {
		var g Group
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, err
		}
		if g.Operator == "" {
			g.Operator = LogicalAnd
		}
		if g.Operator != LogicalAnd && g.Operator != LogicalOr {
			return nil, fmt.Errorf("%w: unknown logical operator %q", ErrInvalidQuery, g.Operator)
		}
		return &g, nil
	}
	var c Condition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.Field) == "" {
		return nil, fmt.Errorf("%w: condition field must not be empty", ErrInvalidQuery)
	}
	c.Field = strings.TrimSpace(c.Field)
	return &c, nil
}

// Query is the request body accepted by the /filter endpoints: a top-level
// condition group plus ordering and paging.
type Query struct {
	Conditions     NodeList `json:"conditions"`
	Operator       Logical  `json:"operator"`
	OrderBy        string   `json:"order_by"`
	OrderDirection string   `json:"order_direction"`
	Limit          *int     `json:"limit"`
	Offset         *int     `json:"offset"`
}

// Normalize fills defaults and validates paging and ordering inputs.
// It must be called before the query is handed to a Builder.
func (q *Query) Normalize() error {
	if q.Operator == "" {
		q.Operator = LogicalAnd
	}
	if q.Operator != LogicalAnd && q.Operator != LogicalOr {
		return fmt.Errorf("%w: unknown logical operator %q", ErrInvalidQuery, q.Operator)
	}
	switch q.OrderDirection {
	case "":
		q.OrderDirection = "asc"
	case "asc", "desc":
	default:
		return fmt.Errorf("%w: order_direction must be asc or desc, got %q", ErrInvalidQuery, q.OrderDirection)
	}
	if q.Limit != nil && (*q.Limit < 1 || *q.Limit > MaxLimit) {
		return fmt.Errorf("%w: limit must be between 1 and %d, got %d", ErrInvalidQuery, MaxLimit, *q.Limit)
	}
	if q.Offset != nil && *q.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative, got %d", ErrInvalidQuery, *q.Offset)
	}
	return nil
}

// Page returns the effective limit and offset after defaults.
func (q *Query) Page() (limit, offset int) {
	limit, offset = DefaultLimit, 0
	if q.Limit != nil {
		limit = *q.Limit
	}
	if q.Offset != nil {
		offset = *q.Offset
	}
	return limit, offset
}

// Fingerprint returns a short stable digest of the whole query, used as a
// cache key component. json.Marshal sorts map keys, so equal queries always
// produce equal fingerprints.
func (q *Query) Fingerprint() string {
	data, err := json.Marshal(q)
	if err != nil {
		return "unhashable"
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])[:8]
}
