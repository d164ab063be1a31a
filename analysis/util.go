package analysis

import (
	"bytes"
	"encoding/json"
	"io"
)

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
