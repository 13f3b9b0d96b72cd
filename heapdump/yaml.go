// ABOUTME: YAML snapshot codec built on gopkg.in/yaml.v2
// ABOUTME: Same schema as the JSON codec, friendlier for hand-written fixtures

package heapdump

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v2"
)

// YAML reads and writes YAML snapshots
type YAML struct{}

// Name returns "yaml"
func (YAML) Name() string { return "yaml" }

// CanParse looks for a top-level snapshot key within the preview
func (YAML) CanParse(r io.Reader) bool {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		for _, key := range []string{"objects:", "types:", "roots:", "weak_roots:", "frames:", "interned:"} {
			if strings.HasPrefix(line, key) {
				return true
			}
		}
	}
	return false
}

// Parse decodes a YAML snapshot, rejecting unknown keys
func (YAML) Parse(r io.Reader) (*Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode YAML: %w", err)
	}
	return &s, nil
}

// Write encodes s as YAML
func (YAML) Write(w io.Writer, s *Snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func init() {
	Register(YAML{})
}
