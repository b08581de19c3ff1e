package siteconfig

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a YAML mapping addressed by dotted key paths. Key order and
// comments of the source document survive a round trip.
type Document struct {
	doc  *yaml.Node
	root *yaml.Node // mapping node below doc
}

// NewDocument returns an empty document
func NewDocument() *Document {
	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	return &Document{
		doc:  &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}},
		root: root,
	}
}

// Parse decodes YAML into a document. Empty input yields an empty document.
func Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewDocument(), nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return NewDocument(), nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("config must be a YAML mapping")
	}
	return &Document{doc: &doc, root: root}, nil
}

// Marshal encodes the document with two space indentation, keeping key order
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Get returns the decoded value at a dotted path
func (d *Document) Get(path string) (any, bool) {
	n := d.lookup(path)
	if n == nil {
		return nil, false
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// Set stores value at a dotted path, creating intermediate mappings.
// Existing keys keep their position; new keys are appended.
func (d *Document) Set(path string, value any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}

	var valueNode yaml.Node
	if err := valueNode.Encode(value); err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", path, err)
	}

	cur := d.root
	for i, key := range parts {
		last := i == len(parts)-1
		idx := mappingIndex(cur, key)

		if last {
			if idx >= 0 {
				// Keep comments attached to the old value
				valueNode.HeadComment = cur.Content[idx+1].HeadComment
				valueNode.LineComment = cur.Content[idx+1].LineComment
				cur.Content[idx+1] = &valueNode
			} else {
				cur.Content = append(cur.Content, scalarKey(key), &valueNode)
			}
			return nil
		}

		if idx < 0 {
			child := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			cur.Content = append(cur.Content, scalarKey(key), child)
			cur = child
			continue
		}
		next := cur.Content[idx+1]
		if next.Kind != yaml.MappingNode {
			return fmt.Errorf("cannot set %s: %s is not a mapping", path, strings.Join(parts[:i+1], "."))
		}
		cur = next
	}
	return nil
}

// Delete removes the key at a dotted path and reports whether it existed
func (d *Document) Delete(path string) bool {
	parts, err := splitPath(path)
	if err != nil {
		return false
	}
	parent := d.root
	if len(parts) > 1 {
		parent = d.lookup(strings.Join(parts[:len(parts)-1], "."))
		if parent == nil || parent.Kind != yaml.MappingNode {
			return false
		}
	}
	idx := mappingIndex(parent, parts[len(parts)-1])
	if idx < 0 {
		return false
	}
	parent.Content = append(parent.Content[:idx], parent.Content[idx+2:]...)
	return true
}

// Leaves returns every scalar or sequence value keyed by its dotted path, in
// document order
func (d *Document) Leaves() []Leaf {
	var out []Leaf
	var walk func(prefix string, n *yaml.Node)
	walk = func(prefix string, n *yaml.Node) {
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if prefix != "" {
				key = prefix + "." + key
			}
			v := n.Content[i+1]
			if v.Kind == yaml.MappingNode {
				walk(key, v)
				continue
			}
			data, _ := yaml.Marshal(v)
			out = append(out, Leaf{Path: key, Value: strings.TrimSpace(string(data))})
		}
	}
	walk("", d.root)
	return out
}

// Leaf is one flattened value of a document
type Leaf struct {
	Path  string
	Value string
}

func (d *Document) lookup(path string) *yaml.Node {
	parts, err := splitPath(path)
	if err != nil {
		return nil
	}
	cur := d.root
	for _, key := range parts {
		if cur.Kind != yaml.MappingNode {
			return nil
		}
		idx := mappingIndex(cur, key)
		if idx < 0 {
			return nil
		}
		cur = cur.Content[idx+1]
	}
	return cur
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, errors.New("empty key")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid key %q", path)
		}
	}
	return parts, nil
}

func mappingIndex(n *yaml.Node, key string) int {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func scalarKey(key string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
}
