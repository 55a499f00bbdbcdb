// Package catalog implements the Config Store (SPEC_FULL.md §4.A): load,
// validate, and atomically persist the ordered Stream catalogue as a
// single YAML document. Round-tripping preserves unknown top-level keys
// on each record via gopkg.in/yaml.v3's yaml.Node tree, so a field this
// binary doesn't know about yet survives a load/save cycle untouched.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"rtsp-gateway/models"
)

// IOError wraps a filesystem failure encountered while loading or saving
// the catalogue (SPEC_FULL.md §4.A: ConfigIOErr).
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("catalog: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// SchemaError wraps a §3 invariant violation found while loading a record
// (SPEC_FULL.md §4.A: SchemaErr).
type SchemaError struct {
	Index int
	ID    string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("catalog: record %d (id=%q) failed validation: %v", e.Index, e.ID, e.Err)
}
func (e *SchemaError) Unwrap() error { return e.Err }

// Store loads and atomically persists the catalogue at Path. A single
// Store should be shared by every writer in the process; its mutex is the
// "process-wide lock" the spec requires to serialize writes.
type Store struct {
	path string

	mu sync.Mutex
	// rawNodes retains the last-decoded yaml.Node for each known record id
	// so Save can merge known-field changes into it without clobbering
	// unknown keys a newer version of this binary's schema doesn't have.
	rawNodes map[string]*yaml.Node
}

// New creates a Store backed by the YAML file at path. The file need not
// exist yet; Load treats a missing file as an empty catalogue.
func New(path string) *Store {
	return &Store{path: path, rawNodes: make(map[string]*yaml.Node)}
}

// Load reads and validates the catalogue. A missing file is not an error:
// it is treated as an empty catalogue (the process creates it on first
// Save), matching the "catalogue has been loaded (or created empty)"
// health condition in SPEC_FULL.md §6.
func (s *Store) Load() ([]models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.rawNodes = make(map[string]*yaml.Node)
			return nil, nil
		}
		return nil, &IOError{Op: "read", Err: err}
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &IOError{Op: "parse", Err: err}
		}
	}

	items := sequenceItems(&doc)
	streams := make([]models.Stream, 0, len(items))
	rawNodes := make(map[string]*yaml.Node, len(items))

	for i, item := range items {
		var stream models.Stream
		if err := item.Decode(&stream); err != nil {
			return nil, &SchemaError{Index: i, Err: err}
		}
		if err := stream.Validate(); err != nil {
			return nil, &SchemaError{Index: i, ID: stream.ID, Err: err}
		}
		streams = append(streams, stream)
		rawNodes[stream.ID] = item
	}

	s.rawNodes = rawNodes
	return streams, nil
}

// sequenceItems returns the mapping nodes of the document's top-level
// sequence, or nil if the document is empty or not a sequence.
func sequenceItems(doc *yaml.Node) []*yaml.Node {
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.SequenceNode {
		return nil
	}
	items := make([]*yaml.Node, len(root.Content))
	copy(items, root.Content)
	return items
}

// Save validates every record, then atomically persists the catalogue:
// it encodes to a temp file in the same directory as Path, fsyncs it, and
// renames it over Path. A crash at any point before the rename leaves the
// previous file intact; a crash after leaves the new one intact — never a
// partial file (SPEC_FULL.md §8 property 5).
func (s *Store) Save(streams []models.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, stream := range streams {
		if err := stream.Validate(); err != nil {
			return &SchemaError{Index: i, ID: stream.ID, Err: err}
		}
	}

	root := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	newRawNodes := make(map[string]*yaml.Node, len(streams))
	for _, stream := range streams {
		node := s.mergedNode(stream)
		root.Content = append(root.Content, node)
		newRawNodes[stream.ID] = node
	}
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return &IOError{Op: "encode", Err: err}
	}

	if err := s.writeAtomic(out); err != nil {
		return err
	}
	s.rawNodes = newRawNodes
	return nil
}

// mergedNode returns the yaml.Node to serialize for stream: the
// previously-loaded node for its id with known fields overwritten in
// place (preserving any unknown sibling keys), or a fresh node encoded
// straight from the struct if this id has never been loaded before.
func (s *Store) mergedNode(stream models.Stream) *yaml.Node {
	fresh := &yaml.Node{}
	if err := fresh.Encode(stream); err != nil {
		// Encode only fails on unsupported types; stream is a plain
		// struct of primitives, so this is unreachable in practice.
		return fresh
	}

	prev, ok := s.rawNodes[stream.ID]
	if !ok || prev.Kind != yaml.MappingNode {
		return fresh
	}

	known := make(map[string]bool, len(fresh.Content)/2)
	for i := 0; i+1 < len(fresh.Content); i += 2 {
		known[fresh.Content[i].Value] = true
	}
	// Schema keys tagged omitempty are absent from fresh once cleared; they
	// must be dropped from prev rather than kept as if unknown.
	omitEmptyKeys := map[string]bool{"ffmpeg_params": true, "zones": true, "location": true}

	merged := &yaml.Node{Kind: yaml.MappingNode, Tag: prev.Tag, Style: prev.Style}
	// Start from the previously-loaded key order so unknown keys keep
	// their original position, then overwrite known keys' values.
	for i := 0; i+1 < len(prev.Content); i += 2 {
		key, val := prev.Content[i], prev.Content[i+1]
		if known[key.Value] {
			merged.Content = append(merged.Content, key, freshValue(fresh, key.Value))
		} else if !omitEmptyKeys[key.Value] {
			merged.Content = append(merged.Content, key, val)
		}
		delete(known, key.Value)
	}
	// Append any known key that wasn't present on the previous node at all
	// (a field added to the schema since this record was last loaded).
	for i := 0; i+1 < len(fresh.Content); i += 2 {
		key := fresh.Content[i]
		if known[key.Value] {
			merged.Content = append(merged.Content, key, fresh.Content[i+1])
		}
	}
	return merged
}

func freshValue(fresh *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(fresh.Content); i += 2 {
		if fresh.Content[i].Value == key {
			return fresh.Content[i+1]
		}
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
}

// writeAtomic writes data to a temp file beside s.path, fsyncs it, and
// renames it over s.path.
func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".catalog-*.yml.tmp")
	if err != nil {
		return &IOError{Op: "create-temp", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &IOError{Op: "write-temp", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &IOError{Op: "fsync-temp", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "close-temp", Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return &IOError{Op: "rename", Err: err}
	}
	return nil
}
