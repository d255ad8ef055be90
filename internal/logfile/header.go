// Package logfile reads and writes capture logs.
//
// A log is a fixed-length text header followed by an append-only body of
// fixed-size frame records. The header holds key=value lines padded with NUL
// bytes to Format.HeaderSize; n_markers is always the first line.
package logfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrHeaderParse is returned when a required header key is missing or malformed.
	ErrHeaderParse = errors.New("header parse error")
	// ErrHeaderTooLarge is returned when the encoded header does not fit Format.HeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds fixed header size")
	// ErrFileNotFound is returned when the log path does not exist.
	ErrFileNotFound = errors.New("log file not found")
	// ErrReservedKey is returned when extra metadata uses a key the header
	// itself writes, or a key that cannot be encoded.
	ErrReservedKey = errors.New("invalid extra header key")
)

// Header keys.
const (
	KeyNMarkers        = "n_markers"
	KeyVersion         = "version"
	KeyRecordSize      = "record_size"
	KeySessionID       = "session_id"
	KeyCreated         = "created"
	KeyFramesAcquired  = "frames_acquired"
	KeyFirstFrameIndex = "first_frame_index"
)

var reservedKeys = map[string]bool{
	KeyNMarkers:        true,
	KeyVersion:         true,
	KeyRecordSize:      true,
	KeySessionID:       true,
	KeyCreated:         true,
	KeyFramesAcquired:  true,
	KeyFirstFrameIndex: true,
}

// ValidateExtra checks that extra can be stored in a header next to the
// fixed keys.
func ValidateExtra(extra map[string]string) error {
	for k, v := range extra {
		switch {
		case reservedKeys[k]:
			return fmt.Errorf("%w: %q is written by the header", ErrReservedKey, k)
		case k == "" || strings.ContainsAny(k, "=\r\n\x00"):
			return fmt.Errorf("%w: %q", ErrReservedKey, k)
		case strings.ContainsAny(v, "\r\n\x00"):
			return fmt.Errorf("%w: value of %q spans lines", ErrReservedKey, k)
		}
	}
	return nil
}

// Format is the shared framing contract between writer and reader.
type Format struct {
	HeaderSize     int
	LineTerminator string
}

// DefaultFormat is used when a zero Format is supplied.
var DefaultFormat = Format{HeaderSize: 512, LineTerminator: "\r\n"}

func (f Format) orDefault() Format {
	if f.HeaderSize <= 0 {
		f.HeaderSize = DefaultFormat.HeaderSize
	}
	if f.LineTerminator == "" {
		f.LineTerminator = DefaultFormat.LineTerminator
	}
	return f
}

// Header is the metadata block at the start of a log.
type Header struct {
	NMarkers        int
	Version         int
	RecordSize      int
	SessionID       string
	CreatedAt       time.Time
	FramesAcquired  int64
	FirstFrameIndex *int32
	// Extra carries keys this package does not interpret.
	Extra map[string]string
}

// Encode renders h into exactly format.HeaderSize bytes.
func (h Header) Encode(format Format) ([]byte, error) {
	format = format.orDefault()

	var b bytes.Buffer
	line := func(k, v string) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteString(format.LineTerminator)
	}

	line(KeyNMarkers, strconv.Itoa(h.NMarkers))
	line(KeyVersion, strconv.Itoa(h.Version))
	line(KeyRecordSize, strconv.Itoa(h.RecordSize))
	if h.SessionID != "" {
		line(KeySessionID, h.SessionID)
	}
	if !h.CreatedAt.IsZero() {
		line(KeyCreated, h.CreatedAt.UTC().Format(time.RFC3339Nano))
	}
	line(KeyFramesAcquired, strconv.FormatInt(h.FramesAcquired, 10))
	if h.FirstFrameIndex != nil {
		line(KeyFirstFrameIndex, strconv.FormatInt(int64(*h.FirstFrameIndex), 10))
	}

	if err := ValidateExtra(h.Extra); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(h.Extra))
	for k := range h.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line(k, h.Extra[k])
	}

	if b.Len() > format.HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrHeaderTooLarge, b.Len(), format.HeaderSize)
	}

	out := make([]byte, format.HeaderSize)
	copy(out, b.Bytes())
	return out, nil
}

// ReadHeader reads exactly format.HeaderSize bytes from r and parses them.
func ReadHeader(r io.Reader, format Format) (Header, error) {
	format = format.orDefault()

	raw := make([]byte, format.HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, fmt.Errorf("%w: reading %d byte header: %v", ErrHeaderParse, format.HeaderSize, err)
	}
	return ParseHeader(raw)
}

// ParseHeader parses a raw header block. Lines may end in \r\n or \n and the
// block ends at the first NUL byte.
func ParseHeader(raw []byte) (Header, error) {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}

	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		k, v, ok := strings.Cut(text, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrHeaderParse, err)
	}

	var h Header
	nm, ok := values[KeyNMarkers]
	if !ok {
		return Header{}, fmt.Errorf("%w: missing key %q", ErrHeaderParse, KeyNMarkers)
	}
	n, err := strconv.Atoi(nm)
	if err != nil || n < 0 {
		return Header{}, fmt.Errorf("%w: key %q has invalid value %q", ErrHeaderParse, KeyNMarkers, nm)
	}
	h.NMarkers = n
	delete(values, KeyNMarkers)

	intKey := func(key string, dst *int) error {
		v, ok := values[key]
		if !ok {
			return nil
		}
		delete(values, key)
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: key %q has invalid value %q", ErrHeaderParse, key, v)
		}
		*dst = parsed
		return nil
	}
	if err := intKey(KeyVersion, &h.Version); err != nil {
		return Header{}, err
	}
	if err := intKey(KeyRecordSize, &h.RecordSize); err != nil {
		return Header{}, err
	}

	if v, ok := values[KeyFramesAcquired]; ok {
		delete(values, KeyFramesAcquired)
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Header{}, fmt.Errorf("%w: key %q has invalid value %q", ErrHeaderParse, KeyFramesAcquired, v)
		}
		h.FramesAcquired = parsed
	}
	if v, ok := values[KeyFirstFrameIndex]; ok {
		delete(values, KeyFirstFrameIndex)
		parsed, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return Header{}, fmt.Errorf("%w: key %q has invalid value %q", ErrHeaderParse, KeyFirstFrameIndex, v)
		}
		idx := int32(parsed)
		h.FirstFrameIndex = &idx
	}
	if v, ok := values[KeyCreated]; ok {
		delete(values, KeyCreated)
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Header{}, fmt.Errorf("%w: key %q has invalid value %q", ErrHeaderParse, KeyCreated, v)
		}
		h.CreatedAt = ts
	}
	if v, ok := values[KeySessionID]; ok {
		delete(values, KeySessionID)
		h.SessionID = v
	}

	if len(values) > 0 {
		h.Extra = values
	}
	return h, nil
}
