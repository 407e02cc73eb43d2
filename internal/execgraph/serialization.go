package execgraph

import (
	"encoding/json"
	"fmt"
	"io"
)

// LoadJSON decodes a JSON-encoded workflow graph from the reader and
// validates it. Strict parsing: an unrecognized field is a submission
// error, not something to silently ignore.
func LoadJSON(r io.Reader) (*Graph, error) {
	if r == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}

	var g Graph
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("failed to decode graph JSON: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("decoded graph is invalid: %w", err)
	}

	return &g, nil
}

// WriteJSON encodes the graph to the writer in JSON format, validating
// first so only well-formed graphs are ever persisted.
func WriteJSON(w io.Writer, g *Graph) error {
	if w == nil {
		return fmt.Errorf("writer cannot be nil")
	}
	if g == nil {
		return fmt.Errorf("graph cannot be nil")
	}

	if err := g.Validate(); err != nil {
		return fmt.Errorf("cannot serialize invalid graph: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(g); err != nil {
		return fmt.Errorf("failed to encode graph to JSON: %w", err)
	}

	return nil
}
