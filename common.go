package mls

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode marks a message that could not be parsed.  The message is
	// rejected and group state is untouched.
	ErrDecode = errors.New("decode error")

	// ErrVerification marks a failed signature, MAC, tree hash or parent
	// hash check.
	ErrVerification = errors.New("verification failed")

	// ErrKeyAgreement marks an operation in which this member could not
	// recover the secrets it was supposed to receive.
	ErrKeyAgreement = errors.New("key agreement failed")

	// ErrProtocolState marks a call that is not valid in the current state
	// of the group.
	ErrProtocolState = errors.New("invalid protocol state")
)

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}

	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return fmt.Errorf("Unknown enum value: %v", v)
}
