// Package codec implements the compact template share format: a magic tag,
// uvarint dimensions and a run-length encoded row-major pixel stream, all
// wrapped in unpadded base64url.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	models "canvasfleet/internal/models"
	palette "canvasfleet/internal/palette"
)

var magic = [3]byte{0x57, 0x54, 0x01}

const (
	eraseByte = 255

	// MaxPixels bounds decoded templates so a hostile header cannot force a
	// huge allocation.
	MaxPixels = 64 << 20
)

var (
	ErrBadMagic     = errors.New("bad magic/version")
	ErrTruncated    = errors.New("truncated data")
	ErrDimensions   = errors.New("invalid dimensions")
	ErrSizeMismatch = errors.New("run lengths do not match width*height")
	ErrPixelRange   = errors.New("pixel value out of range")
)

type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string { return "codec " + e.Op + ": " + e.Err.Error() }
func (e *CodecError) Unwrap() error { return e.Err }

func encodeErr(err error) error { return &CodecError{Op: "encode", Err: err} }
func decodeErr(err error) error { return &CodecError{Op: "decode", Err: err} }

// Encode returns the base64url form of t.
func Encode(t models.Template) (string, error) {
	raw, err := EncodeBytes(t)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a base64url share code. Trailing padding is tolerated.
func Decode(s string) (models.Template, error) {
	raw, err := base64.RawURLEncoding.DecodeString(trimPadding(s))
	if err != nil {
		return models.Template{}, decodeErr(fmt.Errorf("base64: %w", err))
	}
	return DecodeBytes(raw)
}

func EncodeBytes(t models.Template) ([]byte, error) {
	if t.Width <= 0 || t.Height <= 0 {
		return nil, encodeErr(ErrDimensions)
	}
	if len(t.Data) != t.Width {
		return nil, encodeErr(fmt.Errorf("%w: %d columns for width %d", ErrDimensions, len(t.Data), t.Width))
	}

	var runs []byte
	runCount := 0
	prev, count := 0, 0
	flush := func() {
		if count == 0 {
			return
		}
		runs = append(runs, byte(prev))
		runs = binary.AppendUvarint(runs, uint64(count))
		runCount++
	}

	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			col := t.Data[x]
			if len(col) != t.Height {
				return nil, encodeErr(fmt.Errorf("%w: column %d has %d rows", ErrDimensions, x, len(col)))
			}
			v, err := storedByte(col[y])
			if err != nil {
				return nil, encodeErr(err)
			}
			if count > 0 && v == prev {
				count++
				continue
			}
			flush()
			prev, count = v, 1
		}
	}
	flush()

	out := make([]byte, 0, len(magic)+3*binary.MaxVarintLen64+len(runs))
	out = append(out, magic[:]...)
	out = binary.AppendUvarint(out, uint64(t.Width))
	out = binary.AppendUvarint(out, uint64(t.Height))
	out = binary.AppendUvarint(out, uint64(runCount))
	return append(out, runs...), nil
}

func DecodeBytes(raw []byte) (models.Template, error) {
	if len(raw) < len(magic) || raw[0] != magic[0] || raw[1] != magic[1] || raw[2] != magic[2] {
		return models.Template{}, decodeErr(ErrBadMagic)
	}
	r := reader{buf: raw, pos: len(magic)}

	w, err := r.uvarint()
	if err != nil {
		return models.Template{}, decodeErr(err)
	}
	h, err := r.uvarint()
	if err != nil {
		return models.Template{}, decodeErr(err)
	}
	if w == 0 || h == 0 || w > MaxPixels || h > MaxPixels || w*h > MaxPixels {
		return models.Template{}, decodeErr(fmt.Errorf("%w: %dx%d", ErrDimensions, w, h))
	}
	runCount, err := r.uvarint()
	if err != nil {
		return models.Template{}, decodeErr(err)
	}

	total := w * h
	flat := make([]int, 0, total)
	for i := uint64(0); i < runCount; i++ {
		b, err := r.byte()
		if err != nil {
			return models.Template{}, decodeErr(err)
		}
		n, err := r.uvarint()
		if err != nil {
			return models.Template{}, decodeErr(err)
		}
		if n > total-uint64(len(flat)) {
			return models.Template{}, decodeErr(fmt.Errorf("%w: runs exceed %d", ErrSizeMismatch, total))
		}
		v := sanitize(b)
		for j := uint64(0); j < n; j++ {
			flat = append(flat, v)
		}
	}
	if uint64(len(flat)) != total {
		return models.Template{}, decodeErr(fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, len(flat), total))
	}

	t := models.NewTemplate(int(w), int(h))
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			t.Data[x][y] = flat[y*t.Width+x]
		}
	}
	return t, nil
}

// Sanitize forces every value outside the valid id set to transparent.
func Sanitize(t models.Template) models.Template {
	for x := range t.Data {
		for y, v := range t.Data[x] {
			if !palette.Valid(v) {
				t.Data[x][y] = palette.Transparent
			}
		}
	}
	return t
}

func storedByte(v int) (int, error) {
	switch {
	case v == palette.EraseMarker:
		return eraseByte, nil
	case v < 0 || v > 255:
		return 0, fmt.Errorf("%w: %d", ErrPixelRange, v)
	}
	return v, nil
}

func sanitize(b byte) int {
	if b == eraseByte {
		return palette.EraseMarker
	}
	if !palette.Valid(int(b)) {
		return palette.Transparent
	}
	return int(b)
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, ErrTruncated
	}
	r.pos += n
	return v, nil
}
