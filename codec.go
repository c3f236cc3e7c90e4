package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

// Types with invariants that the TLS decoder cannot express implement
// validator; unmarshal runs the check once the whole value has been read.
type validator interface {
	validate() error
}

func marshal(v interface{}) ([]byte, error) {
	data, err := syntax.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mls.codec: encoding %T: %v", v, err)
	}
	return data, nil
}

// decodeTLS is syntax.Unmarshal with runtime panics turned into errors.  The
// decoder indexes past the end of some truncated buffers instead of
// reporting them.
func decodeTLS(data []byte, v interface{}) (read int, err error) {
	defer func() {
		if r := recover(); r != nil {
			read, err = 0, fmt.Errorf("malformed input: %v", r)
		}
	}()

	return syntax.Unmarshal(data, v)
}

// unmarshal decodes exactly one value from data.  Trailing bytes are an
// error, as is any failure reported by the value's validate hook.
func unmarshal(data []byte, v interface{}) error {
	read, err := decodeTLS(data, v)
	if err != nil {
		return fmt.Errorf("mls.codec: decoding %T: %v: %w", v, err, ErrDecode)
	}

	if read != len(data) {
		return fmt.Errorf("mls.codec: decoding %T: %d trailing bytes: %w", v, len(data)-read, ErrDecode)
	}

	if val, ok := v.(validator); ok {
		if err := val.validate(); err != nil {
			return fmt.Errorf("mls.codec: decoding %T: %v: %w", v, err, ErrDecode)
		}
	}

	return nil
}

// marshalAll concatenates the encodings of several values
func marshalAll(vals ...interface{}) ([]byte, error) {
	s := syntax.NewWriteStream()
	if err := s.WriteAll(vals...); err != nil {
		return nil, fmt.Errorf("mls.codec: encoding: %v", err)
	}
	return s.Data(), nil
}
