package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindAccepts(t *testing.T) {
	tests := []struct {
		kind Kind
		v    any
		want bool
	}{
		{KindString, "x", true},
		{KindString, int64(1), false},
		{KindInt, int64(42), true},
		{KindInt, uint64(42), true},
		{KindInt, 1.5, false},
		{KindNumber, 1.5, true},
		{KindNumber, int64(1), true},
		{KindBool, true, true},
		{KindBytes, []byte("a"), true},
		{KindList, []any{1}, true},
		{KindList, map[string]any{}, false},
		{KindMap, map[string]any{}, true},
		{KindNil, nil, true},
		{KindString | KindNil, nil, true},
		{KindTime, time.Now(), true},
		{KindAny, []any{}, true},
		{KindAny, struct{}{}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.Accepts(tt.v), "%s accepts %#v", tt.kind, tt.v)
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "string", KindString.String())
	assert.Equal(t, "int|float", KindNumber.String())
	assert.Equal(t, "any", KindAny.String())
	assert.Equal(t, "none", Kind(0).String())
}
