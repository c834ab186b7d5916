package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ByteArray is binary data on the wire. It decodes from either a base64 string
// or a JSON array of byte values and encodes as a JSON array of numbers.
type ByteArray []byte

// MarshalJSON encodes b as [n, n, ...].
func (b ByteArray) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%d", v)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts a base64 string (standard or URL alphabet) or an array
// of integers in 0..255.
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := decodeBase64(s)
		if err != nil {
			return NewError(ErrCodeValidation, "value is not valid base64").WithCause(err)
		}
		*b = decoded
		return nil
	}

	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return NewError(ErrCodeValidation, "value must be a base64 string or an array of bytes").WithCause(err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return NewErrorf(ErrCodeValidation, "value[%d] = %d is outside 0..255", i, n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("illegal base64 data")
}
