package mysql

import (
	"fmt"
	"strings"
)

// TableName is a table identifier, optionally qualified by its schema (database).
type TableName struct {
	Schema string
	Name   string
}

// ParseTableName parses "name", "schema.name" and their quoted forms
// ("`schema`.`name`", "[schema].[name]").
func ParseTableName(s string) (TableName, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TableName{}, ErrTableNameRequired
	}

	parts, err := splitIdentifier(s)
	if err != nil {
		return TableName{}, err
	}
	for _, part := range parts {
		if err := validateIdentifier(part); err != nil {
			return TableName{}, fmt.Errorf("%w: %s", err, s)
		}
	}

	switch len(parts) {
	case 1:
		return TableName{Name: parts[0]}, nil
	case 2:
		return TableName{Schema: parts[0], Name: parts[1]}, nil
	default:
		return TableName{}, fmt.Errorf("%w: %s", ErrInvalidTableName, s)
	}
}

// MustParseTableName parses s or panics.
func MustParseTableName(s string) TableName {
	name, err := ParseTableName(s)
	if err != nil {
		panic(err)
	}

	return name
}

// Qualified renders the backtick-quoted name for use in SQL.
func (t TableName) Qualified() string {
	if t.Schema == "" {
		return "`" + t.Name + "`"
	}

	return "`" + t.Schema + "`.`" + t.Name + "`"
}

// String renders schema.name without quotes.
func (t TableName) String() string {
	if t.Schema == "" {
		return t.Name
	}

	return t.Schema + "." + t.Name
}

// Key returns a case-insensitive identity for the table.
func (t TableName) Key() string {
	return strings.ToLower(t.String())
}

// Equal reports whether both names denote the same table.
func (t TableName) Equal(other TableName) bool {
	return t.Key() == other.Key()
}

func splitIdentifier(s string) ([]string, error) {
	var (
		parts []string
		cur   strings.Builder
		quote rune
	)

	closing := map[rune]rune{'`': '`', '[': ']', '"': '"'}
	for _, r := range s {
		switch {
		case quote != 0 && r == closing[quote]:
			quote = -1
		case quote != 0 && quote != -1:
			cur.WriteRune(r)
		case r == '.':
			parts = append(parts, cur.String())
			cur.Reset()
			quote = 0
		case quote == -1:
			return nil, fmt.Errorf("%w: %s", ErrInvalidTableName, s)
		case cur.Len() == 0 && (r == '`' || r == '[' || r == '"'):
			quote = r
		default:
			cur.WriteRune(r)
		}
	}
	if quote > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTableName, s)
	}

	return append(parts, cur.String()), nil
}

func validateIdentifier(part string) error {
	if part == "" {
		return ErrInvalidTableName
	}
	for _, r := range part {
		if r == '_' || r == '-' || r == '$' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}

		return ErrInvalidTableName
	}

	return nil
}
