package schema

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ToJSON renders a decoded value against its schema type as indented
// JSON. Structs and enum variants use field names from the type so
// the output reads like the source the contract author wrote.
func ToJSON(t *Type, v Value) ([]byte, error) {
	obj, err := toGo(t, v)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(obj, "", "  ")
}

func toGo(t *Type, v Value) (any, error) {
	if v.Kind != t.Kind {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrValueMismatch, v.Kind, t.Kind)
	}
	switch t.Kind {
	case KindU8, KindU16, KindU32, KindU64:
		return v.U64, nil
	case KindI8, KindI16, KindI32, KindI64:
		return v.I64, nil
	case KindBool:
		return v.Bool, nil
	case KindString:
		return v.Str, nil
	case KindBytes, KindFixedBytes:
		return hex.EncodeToString(v.Bytes), nil
	case KindSeq, KindArray:
		out := make([]any, 0, len(v.Items))
		for _, it := range v.Items {
			g, err := toGo(t.Elem, it)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
		return out, nil
	case KindMap:
		out := make([]any, 0, len(v.Entries))
		for _, e := range v.Entries {
			k, err := toGo(t.Key, e.Key)
			if err != nil {
				return nil, err
			}
			val, err := toGo(t.Elem, e.Val)
			if err != nil {
				return nil, err
			}
			out = append(out, []any{k, val})
		}
		return out, nil
	case KindEnum:
		if int(v.Tag) >= len(t.Variants) {
			return nil, fmt.Errorf("%w: variant %d of %d", ErrValueMismatch, v.Tag, len(t.Variants))
		}
		variant := t.Variants[v.Tag]
		fields, err := fieldMap(variant.Fields, v.Items)
		if err != nil {
			return nil, err
		}
		return map[string]any{variant.Name: fields}, nil
	case KindOption:
		if v.Tag == 0 {
			return nil, nil
		}
		return toGo(t.Elem, v.Items[0])
	case KindStruct:
		return fieldMap(t.Fields, v.Items)
	}
	return nil, fmt.Errorf("%w: kind %d", ErrValueMismatch, t.Kind)
}

func fieldMap(fields []Field, items []Value) (map[string]any, error) {
	if len(items) != len(fields) {
		return nil, fmt.Errorf("%w: %d field values, want %d", ErrValueMismatch, len(items), len(fields))
	}
	out := make(map[string]any, len(fields))
	for i, f := range fields {
		g, err := toGo(f.Type, items[i])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out[f.Name] = g
	}
	return out, nil
}
