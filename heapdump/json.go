// ABOUTME: JSON snapshot codec
// ABOUTME: A JSON document whose top level is an object with an "objects" key

package heapdump

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"unicode"
)

// JSON reads and writes JSON snapshots
type JSON struct{}

// Name returns "json"
func (JSON) Name() string { return "json" }

// CanParse checks that the first non-space byte opens a JSON object
func (JSON) CanParse(r io.Reader) bool {
	br := bufio.NewReader(r)
	for {
		c, _, err := br.ReadRune()
		if err != nil {
			return false
		}
		if unicode.IsSpace(c) {
			continue
		}
		return c == '{'
	}
}

// Parse decodes a JSON snapshot, rejecting unknown keys
func (JSON) Parse(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return &s, nil
}

// Write encodes s as indented JSON
func (JSON) Write(w io.Writer, s *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func init() {
	Register(JSON{})
}
