package safety

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const DefaultMaxBodyBytes = 16 << 20

// BodyTooLargeError reports a response that exceeded its cap.
type BodyTooLargeError struct {
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("response exceeds maximum size %d bytes", e.Limit)
}

func ReadBodyLimited(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("response body is empty")
	}
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	b, err := io.ReadAll(&io.LimitedReader{R: r, N: limit + 1})
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, &BodyTooLargeError{Limit: limit}
	}
	return b, nil
}

// DecodeJSONLimited decodes exactly one JSON value from r.
func DecodeJSONLimited(r io.Reader, limit int64, out any) error {
	b, err := ReadBodyLimited(r, limit)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return fmt.Errorf("invalid json payload: trailing data")
	}
	return nil
}
