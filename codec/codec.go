// Package codec serializes request and broadcast payloads to and from the
// server's schema. The rest of the client treats encoded payloads as opaque
// byte transforms — nothing outside this package inspects encoded bytes.
package codec

import "errors"

// ErrDecode reports malformed input handed to Decode. A decode failure on a
// broadcast or response payload indicates desynchronization with the server,
// not a recoverable per-message error.
var ErrDecode = errors.New("malformed payload")

// Codec is the opaque schema transform.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Default returns the codec the server speaks.
func Default() Codec {
	return &JSONCodec{}
}
