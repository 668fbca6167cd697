package querysql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/selector"
)

// Compiler compiles mutations and lookups against a schema.Table into
// parameterized SQL.
//
// CRITICAL: All values are parameterized (never interpolated).
// CRITICAL: All identifiers are quoted.
//
// Row fields are mapped to column names through the table descriptor, and
// values are encoded per column type by the dialect. Fields the table does
// not declare are rejected.
type Compiler struct {
	Dialect Dialect
}

// NewCompiler creates a Compiler for the given dialect.
func NewCompiler(d Dialect) *Compiler {
	return &Compiler{Dialect: d}
}

// Statement is a compiled SQL statement with its parameters.
type Statement struct {
	SQL    string
	Params []any
}

// params tracks positional parameters while a statement is assembled.
type params struct {
	dialect Dialect
	values  []any
}

func (p *params) add(v any) string {
	p.values = append(p.values, v)
	if p.dialect.Placeholder == Dollar {
		return "$" + strconv.Itoa(len(p.values))
	}
	return "?"
}

// Insert compiles INSERT ... RETURNING * for one or more rows.
//
// The column list is the union of the rows' fields in table column order.
// A row lacking one of those fields inserts NULL for it.
func (c *Compiler) Insert(t *schema.Table, rows ...record.Row) (Statement, error) {
	if len(rows) == 0 {
		return Statement{}, fmt.Errorf("insert %s: no rows", t.QualifiedName())
	}

	present := make(map[string]bool)
	for i, row := range rows {
		for field := range row {
			if _, ok := t.ColumnForField(field); !ok {
				return Statement{}, fmt.Errorf("insert %s: row %d: unknown field %q", t.QualifiedName(), i, field)
			}
			present[field] = true
		}
	}

	var cols []schema.Column
	for _, col := range t.Columns {
		if present[col.FieldName()] {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return Statement{}, fmt.Errorf("insert %s: rows have no fields", t.QualifiedName())
	}

	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = QuoteIdent(col.Name)
	}

	p := &params{dialect: c.Dialect}
	tuples := make([]string, len(rows))
	for i, row := range rows {
		holders := make([]string, len(cols))
		for j, col := range cols {
			v, ok := row[col.FieldName()]
			if !ok {
				v = record.Null{}
			}
			enc, err := c.Dialect.Encode(col, v)
			if err != nil {
				return Statement{}, fmt.Errorf("insert %s: row %d: %w", t.QualifiedName(), i, err)
			}
			holders[j] = p.add(enc)
		}
		tuples[i] = "(" + strings.Join(holders, ", ") + ")"
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s RETURNING *",
		c.Dialect.TableName(t),
		strings.Join(names, ", "),
		strings.Join(tuples, ", "))

	return Statement{SQL: sql, Params: p.values}, nil
}

// Update compiles UPDATE ... SET ... WHERE ... RETURNING *.
// SET columns are emitted in table column order for deterministic output.
func (c *Compiler) Update(t *schema.Table, sel selector.Predicate, patch record.Row) (Statement, error) {
	if len(patch) == 0 {
		return Statement{}, fmt.Errorf("update %s: empty patch", t.QualifiedName())
	}
	for field := range patch {
		if _, ok := t.ColumnForField(field); !ok {
			return Statement{}, fmt.Errorf("update %s: unknown field %q", t.QualifiedName(), field)
		}
	}

	p := &params{dialect: c.Dialect}
	var sets []string
	for _, col := range t.Columns {
		v, ok := patch[col.FieldName()]
		if !ok {
			continue
		}
		enc, err := c.Dialect.Encode(col, v)
		if err != nil {
			return Statement{}, fmt.Errorf("update %s: %w", t.QualifiedName(), err)
		}
		sets = append(sets, fmt.Sprintf("%s = %s", QuoteIdent(col.Name), p.add(enc)))
	}

	where, err := c.compilePredicate(t, sel, p)
	if err != nil {
		return Statement{}, fmt.Errorf("update %s: %w", t.QualifiedName(), err)
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING *",
		c.Dialect.TableName(t),
		strings.Join(sets, ", "),
		where)

	return Statement{SQL: sql, Params: p.values}, nil
}

// Delete compiles DELETE ... WHERE ....
func (c *Compiler) Delete(t *schema.Table, sel selector.Predicate) (Statement, error) {
	p := &params{dialect: c.Dialect}
	where, err := c.compilePredicate(t, sel, p)
	if err != nil {
		return Statement{}, fmt.Errorf("delete %s: %w", t.QualifiedName(), err)
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", c.Dialect.TableName(t), where)
	return Statement{SQL: sql, Params: p.values}, nil
}

// SelectOne compiles SELECT * ... WHERE ... LIMIT 1.
func (c *Compiler) SelectOne(t *schema.Table, sel selector.Predicate) (Statement, error) {
	stmt, err := c.Select(t, sel)
	if err != nil {
		return Statement{}, err
	}
	stmt.SQL += " LIMIT 1"
	return stmt, nil
}

// Select compiles SELECT * ... WHERE ... for every matching row.
func (c *Compiler) Select(t *schema.Table, sel selector.Predicate) (Statement, error) {
	p := &params{dialect: c.Dialect}
	where, err := c.compilePredicate(t, sel, p)
	if err != nil {
		return Statement{}, fmt.Errorf("select %s: %w", t.QualifiedName(), err)
	}
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s", c.Dialect.TableName(t), where)
	return Statement{SQL: sql, Params: p.values}, nil
}

// CreateTable compiles CREATE TABLE IF NOT EXISTS for t.
func (c *Compiler) CreateTable(t *schema.Table) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, col := range t.Columns {
		defs = append(defs, QuoteIdent(col.Name)+" "+c.Dialect.ColumnType(col.Type))
	}
	if len(t.PrimaryKey) > 0 {
		pk := make([]string, len(t.PrimaryKey))
		for i, name := range t.PrimaryKey {
			if _, ok := t.Column(name); !ok {
				return "", fmt.Errorf("table %s: primary key column %q is not declared", t.QualifiedName(), name)
			}
			pk[i] = QuoteIdent(name)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		c.Dialect.TableName(t),
		strings.Join(defs, ", ")), nil
}

// compilePredicate compiles a selector to a WHERE fragment.
// CRITICAL: Values NEVER interpolated - always placeholders.
func (c *Compiler) compilePredicate(t *schema.Table, pred selector.Predicate, p *params) (string, error) {
	switch sel := pred.(type) {
	case nil:
		return "1 = 1", nil
	case selector.Equals:
		return c.compileEquals(t, sel, p)
	case *selector.Equals:
		return c.compileEquals(t, *sel, p)
	case selector.And:
		return c.compileAnd(t, sel, p)
	case *selector.And:
		return c.compileAnd(t, *sel, p)
	default:
		return "", fmt.Errorf("unsupported predicate type: %T", pred)
	}
}

// compileEquals compiles Equals to "col = ?", or "col IS NULL" for a null value.
func (c *Compiler) compileEquals(t *schema.Table, eq selector.Equals, p *params) (string, error) {
	col, ok := t.ColumnForField(eq.Field)
	if !ok {
		return "", fmt.Errorf("unknown field %q", eq.Field)
	}
	if record.IsNull(eq.Value) {
		return QuoteIdent(col.Name) + " IS NULL", nil
	}
	enc, err := c.Dialect.Encode(col, eq.Value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s = %s", QuoteIdent(col.Name), p.add(enc)), nil
}

func (c *Compiler) compileAnd(t *schema.Table, and selector.And, p *params) (string, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil
	}
	parts := make([]string, 0, len(and.Predicates))
	for _, inner := range and.Predicates {
		sql, err := c.compilePredicate(t, inner, p)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	return strings.Join(parts, " AND "), nil
}

// DecodeRow converts a result row into a record.Row keyed by field name.
// Columns the table does not declare keep their column name as field.
func (c *Compiler) DecodeRow(t *schema.Table, columns []string, values []any) (record.Row, error) {
	if len(columns) != len(values) {
		return nil, fmt.Errorf("decode %s: %d columns, %d values", t.QualifiedName(), len(columns), len(values))
	}
	row := make(record.Row, len(columns))
	for i, name := range columns {
		col, ok := t.Column(name)
		if !ok {
			col = schema.Column{Name: name}
		}
		v, err := c.Dialect.Decode(col, values[i])
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", t.QualifiedName(), name, err)
		}
		row[col.FieldName()] = v
	}
	return row, nil
}

// QuoteIdent safely quotes a single identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
