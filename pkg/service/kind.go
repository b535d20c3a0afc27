package service

import (
	"strings"
	"time"
)

// Kind is a set of accepted runtime types for a positional argument.
// Kinds combine with |, so KindInt|KindFloat accepts any number.
type Kind uint32

const (
	KindString Kind = 1 << iota
	KindInt
	KindFloat
	KindBool
	KindBytes
	KindList
	KindMap
	KindNil
	KindTime

	KindNumber = KindInt | KindFloat
	KindAny    = KindString | KindInt | KindFloat | KindBool | KindBytes | KindList | KindMap | KindNil | KindTime
)

var kindNames = []struct {
	kind Kind
	name string
}{
	{KindString, "string"},
	{KindInt, "int"},
	{KindFloat, "float"},
	{KindBool, "bool"},
	{KindBytes, "bytes"},
	{KindList, "list"},
	{KindMap, "map"},
	{KindNil, "nil"},
	{KindTime, "time"},
}

// KindOf returns the kind of a decoded wire value, or 0 for values the
// codec never produces.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNil
	case string:
		return KindString
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInt
	case float32, float64:
		return KindFloat
	case bool:
		return KindBool
	case []byte:
		return KindBytes
	case []any:
		return KindList
	case map[string]any, map[any]any:
		return KindMap
	case time.Time:
		return KindTime
	}
	return 0
}

// Accepts reports whether v is of one of the kinds in k.
func (k Kind) Accepts(v any) bool {
	return k&KindOf(v) != 0
}

func (k Kind) String() string {
	if k == KindAny {
		return "any"
	}
	var parts []string
	for _, kn := range kindNames {
		if k&kn.kind != 0 {
			parts = append(parts, kn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
