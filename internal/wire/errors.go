package wire

import "errors"

var (
	// ErrNoPayload is returned when an Envelope carries no payload variant.
	ErrNoPayload = errors.New("no payload")
	// ErrMultiplePayloads is returned when a frame sets more than one payload field.
	ErrMultiplePayloads = errors.New("multiple payloads")
	// ErrMissingMeta is returned when a frame has no metadata header.
	ErrMissingMeta = errors.New("missing meta header")
)

// DecodeError reports a frame that could not be decoded into an Envelope.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "wire: decode: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(err error) error {
	return &DecodeError{Err: err}
}

// IsDecodeError reports whether err is, or wraps, a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
