package configstore

import (
	"encoding/json"
	"io"

	"github.com/giantswarm/nucleus/internal/errs"
	"gopkg.in/yaml.v3"
)

// wireTree is the on-disk shape for dump/load: the tree snapshot plus a
// sibling map of path -> timestampMillis, so both JSON and YAML codecs
// round-trip per-node timestamps without polluting the value tree itself.
type wireTree struct {
	Data any              `json:"data" yaml:"data"`
	Meta map[string]int64 `json:"__meta" yaml:"__meta"`
}

func (s *Store) snapshot() wireTree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta := make(map[string]int64)
	collectTimestamps(Path{}, s.root, meta)
	return wireTree{Data: s.root.snapshotValue(), Meta: meta}
}

func collectTimestamps(path Path, n *node, meta map[string]int64) {
	meta[path.String()] = n.timestamp
	if n.isContainer() {
		for _, name := range n.order {
			collectTimestamps(path.Child(name), n.children[name], meta)
		}
	}
}

// Dump serializes the whole tree to w in the given format ("json" or
// "yaml"), including the sibling timestamp metadata map.
func (s *Store) Dump(w io.Writer, format string) error {
	tree := s.snapshot()
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		if err := enc.Encode(tree); err != nil {
			return errs.Wrap(errs.IOError, "encoding config as yaml", err)
		}
		return nil
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(tree); err != nil {
			return errs.Wrap(errs.IOError, "encoding config as json", err)
		}
		return nil
	}
}

// Load replaces the tree's contents from r in the given format. On
// malformed input it fails with MALFORMED_CONFIG and leaves the existing
// tree untouched.
func (s *Store) Load(r io.Reader, format string) error {
	var tree wireTree
	var err error
	switch format {
	case "yaml":
		err = yaml.NewDecoder(r).Decode(&tree)
	default:
		err = json.NewDecoder(r).Decode(&tree)
	}
	if err != nil {
		return errs.Wrap(errs.MalformedConfig, "parsing config document", err)
	}

	data, ok := tree.Data.(map[string]any)
	if tree.Data != nil && !ok {
		return errs.New(errs.MalformedConfig, "config document root must be a container")
	}

	newRoot := newContainer("")
	if err := buildTree(Path{}, newRoot, data, tree.Meta); err != nil {
		return errs.Wrap(errs.MalformedConfig, "building config tree", err)
	}

	s.mu.Lock()
	s.root = newRoot
	s.mu.Unlock()
	return nil
}

func buildTree(path Path, n *node, data map[string]any, meta map[string]int64) error {
	n.timestamp = meta[path.String()]
	for name, raw := range data {
		childPath := path.Child(name)
		switch v := raw.(type) {
		case map[string]any:
			child := newContainer(name)
			if err := buildTree(childPath, child, v, meta); err != nil {
				return err
			}
			n.setChild(name, child)
		default:
			child := newLeaf(name, raw, meta[childPath.String()])
			n.setChild(name, child)
		}
	}
	return nil
}
