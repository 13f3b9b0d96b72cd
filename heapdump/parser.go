// ABOUTME: Parser and writer interfaces for heap snapshot formats
// ABOUTME: Defines the contract for pluggable snapshot codecs

package heapdump

import "io"

// Parser is the interface for snapshot parsers
type Parser interface {
	// Name identifies the format, e.g. "json"
	Name() string

	// CanParse checks if this parser can handle the given snapshot format.
	// The reader is a preview: implementations read a small amount to
	// detect the format and must not rely on seeing the entire stream.
	CanParse(r io.Reader) bool

	// Parse reads the snapshot from a reader positioned at the start
	Parse(r io.Reader) (*Snapshot, error)
}

// Writer is implemented by formats that can also encode snapshots
type Writer interface {
	Write(w io.Writer, s *Snapshot) error
}
