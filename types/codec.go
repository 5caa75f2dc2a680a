package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: sign bytes and hashes must be identical on
	// every node.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("types: cannot create cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("types: cannot create cbor decoder: %v", err))
	}
}

// Marshal encodes v with the canonical CBOR encoding used for wire payloads,
// sign bytes and WAL records.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// mustMarshal is used for sign bytes of well-formed in-memory values, where
// an encoding failure is a programming error.
func mustMarshal(v interface{}) []byte {
	data, err := encMode.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to encode %T: %v", v, err))
	}
	return data
}
