package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single wire line.
const MaxLineSize = 1 << 20

// Decoder reads one JSON object per line.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxLineSize)
	return &Decoder{sc: sc}
}

// Decode reads the next non-empty line into v. It returns io.EOF at a clean
// end of stream and an error matching ErrProtocol for oversized or
// malformed lines. Transport errors are returned unchanged.
func (d *Decoder) Decode(v any) error {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return Errorf(KindProtocolError, "malformed line: %v", err)
		}
		return nil
	}
	if err := d.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Errorf(KindProtocolError, "line exceeds %d bytes", MaxLineSize)
		}
		return err
	}
	return io.EOF
}

// Encoder writes one JSON object per line. It is safe for concurrent use;
// each value is written with a single Write call.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it followed by a newline.
func (e *Encoder) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	b = append(b, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(b)
	return err
}
