package wire

import (
	"github.com/fxamacker/cbor"
	"github.com/pkg/errors"
)

// Encode CBOR-serializes v. Used for every report/control/dispatch payload and for the
// diff blobs the analysis package hands to the audit log.
func Encode(v any) ([]byte, error) {
	b, err := cbor.Marshal(v, cbor.EncOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "cbor encode")
	}
	return b, nil
}

// Decode CBOR-deserializes b into v.
func Decode(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return errors.Wrap(err, "cbor decode")
	}
	return nil
}
