package schema

import (
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/jinzhu/inflection"
)

// FromStruct derives a table descriptor from a tagged struct.
//
// The table name is the pluralized snake_case type name ("OrderItem" becomes
// "order_items"). Each exported field with a `db` tag becomes a column:
//
//	ID    string         `db:"id,pk"`
//	Meta  map[string]any `db:"meta,type=json"`
//	Notes string         `db:"-"`
//
// The row field of a column is its tag name. Untagged fields use the
// snake_case field name. Types are inferred from the Go type unless a
// type= option is given.
func FromStruct(v any) (*Table, error) {
	rt := reflect.TypeOf(v)
	for rt != nil && rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt == nil || rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: FromStruct requires a struct, got %T", v)
	}

	t := &Table{Name: inflection.Plural(toSnakeCase(rt.Name()))}

	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}

		tag := f.Tag.Get("db")
		if tag == "-" {
			continue
		}

		name, opts := parseTag(tag)
		if name == "" {
			name = toSnakeCase(f.Name)
		}

		col := Column{Name: name, Type: inferType(f.Type)}
		for _, opt := range opts {
			switch {
			case opt == "pk":
				t.PrimaryKey = append(t.PrimaryKey, name)
			case strings.HasPrefix(opt, "type="):
				col.Type = ColumnType(strings.TrimPrefix(opt, "type="))
			default:
				return nil, fmt.Errorf("schema: field %s: unknown db tag option %q", f.Name, opt)
			}
		}
		t.Columns = append(t.Columns, col)
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return t, nil
}

func parseTag(tag string) (string, []string) {
	if tag == "" {
		return "", nil
	}
	parts := strings.Split(tag, ",")
	return strings.TrimSpace(parts[0]), parts[1:]
}

var timeType = reflect.TypeOf(time.Time{})

func inferType(rt reflect.Type) ColumnType {
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt == timeType {
		return TypeTimestamp
	}
	switch rt.Kind() {
	case reflect.String:
		return TypeText
	case reflect.Bool:
		return TypeBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeInteger
	case reflect.Float32, reflect.Float64:
		return TypeReal
	case reflect.Slice:
		if rt.Elem().Kind() == reflect.Uint8 {
			return TypeBlob
		}
		return TypeJSON
	default:
		return TypeJSON
	}
}

// toSnakeCase converts CamelCase to snake_case, keeping acronyms together
// ("UserID" becomes "user_id").
func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
