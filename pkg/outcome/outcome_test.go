package outcome

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	ok := Ok(42)
	assert.True(t, ok.IsOK())
	assert.Equal(t, 42, ok.Value)
	assert.NoError(t, ok.AsError())
	assert.Equal(t, "OK(42)", ok.String())

	failed := Err("Unknown method foo")
	assert.False(t, failed.IsOK())
	assert.Equal(t, "Unknown method foo", failed.Message)
	assert.Equal(t, "Error(Unknown method foo)", failed.String())

	formatted := Errf("Type mismatch in parameter %d", 1)
	assert.Equal(t, "Type mismatch in parameter 1", formatted.Message)

	coded := ErrCode(2, "No such sandbox")
	err := coded.AsError()
	require.Error(t, err)

	var oe *Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, 2, oe.Errno)
	assert.Equal(t, "No such sandbox (errno 2)", err.Error())
}
