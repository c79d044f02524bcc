// Package codec provides the CBOR encoding used for every durable record:
// executor queues, model store snapshots and anything else written to the
// key/value store.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the same
// logical record always produces identical bytes. Timestamps are written as
// RFC 3339 strings with nanoseconds; the CBOR default (integer seconds)
// would collapse ordering between requests created within the same second.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Values decoded into any must come back as map[string]any so
		// they can be converted into ir values.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for data.
// The queue inspection command uses it to print records whose Go type is
// not known to the caller.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
