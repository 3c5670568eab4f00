package types

import "errors"

var (
	// ErrDecode is returned (possibly wrapped) for any malformed binary or text input.
	ErrDecode = errors.New("decode error")
	// ErrEncode is returned when a value cannot be represented in its wire form.
	ErrEncode = errors.New("encode error")
	// ErrInvalidIdentity is returned when an identity fails its address derivation check.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrNoSecret is returned when an operation needs an identity's secret keys.
	ErrNoSecret = errors.New("identity has no secret keys")
	// ErrBadSignature is returned when a signature does not verify.
	ErrBadSignature = errors.New("bad signature")
)
