// ABOUTME: Registry for heap snapshot formats
// ABOUTME: Detects the format of a stream and picks the matching parser or writer

package heapdump

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrNoParser is returned when no parser can handle the snapshot format
	ErrNoParser = errors.New("no parser found for dump format")
	// ErrNoWriter is returned when no registered format can write snapshots
	// under the requested name
	ErrNoWriter = errors.New("no writer found for dump format")
)

// previewSize is how much of a stream format detection may look at
const previewSize = 4096

// parserRegistry holds registered parsers
type parserRegistry struct {
	mu      sync.RWMutex
	parsers []Parser
}

var registry = &parserRegistry{}

// Register adds a parser to the registry. Earlier registrations are tried
// first.
func Register(p Parser) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.parsers = append(registry.parsers, p)
}

// Formats returns the names of the registered formats
func Formats() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.parsers))
	for _, p := range registry.parsers {
		names = append(names, p.Name())
	}
	return names
}

// Open reads a snapshot in any registered format. The parsed snapshot is
// validated before it is returned.
func Open(r io.Reader) (*Snapshot, error) {
	preview := make([]byte, previewSize)
	n, err := io.ReadFull(r, preview)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	preview = preview[:n]

	registry.mu.RLock()
	parsers := append([]Parser(nil), registry.parsers...)
	registry.mu.RUnlock()

	for _, p := range parsers {
		if !p.CanParse(bytes.NewReader(preview)) {
			continue
		}
		s, err := p.Parse(io.MultiReader(bytes.NewReader(preview), r))
		if err != nil {
			return nil, fmt.Errorf("parse %s snapshot: %w", p.Name(), err)
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, ErrNoParser
}

// Encode writes s in the named format
func Encode(w io.Writer, format string, s *Snapshot) error {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, p := range registry.parsers {
		if p.Name() != format {
			continue
		}
		if wr, ok := p.(Writer); ok {
			return wr.Write(w, s)
		}
	}
	return fmt.Errorf("%w: %q", ErrNoWriter, format)
}
