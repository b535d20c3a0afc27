package protocol

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Values on the wire are CBOR. CBOR keeps integers, floats, text, byte
// strings, booleans, arrays, maps and null distinct, which is what the
// per-method argument type checks rely on.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Argument maps always have string keys; decode them as
		// map[string]any rather than map[any]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Every integer decodes as int64 into an any target.
		IntDec:           cbor.IntDecConvertSigned,
		MaxNestedLevels:  64,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

type RawMessage = cbor.RawMessage

// Diagnose renders CBOR in extended diagnostic notation, for debug logs.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
