package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/g8r/g8r/pkg/engine"
)

// SnapshotLoader decodes roster and duty declarations from YAML or JSON
// documents and validates them.
type SnapshotLoader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewSnapshotLoader creates a loader with the built-in snapshot schema.
func NewSnapshotLoader() *SnapshotLoader {
	return &SnapshotLoader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Load reads every .yaml, .yml and .json file below root in lexical order and
// merges them into one snapshot. Hidden directories are skipped.
func (l *SnapshotLoader) Load(fsys fs.FS, root string) (*engine.Snapshot, error) {
	root = cleanRoot(root)
	docs := make(map[string][]byte)

	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !isSnapshotFile(p) {
			return nil
		}

		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		docs[p] = data
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, engine.NewConfigurationError(fmt.Sprintf("config path %s does not exist", root), err)
	}
	if err != nil {
		return nil, err
	}

	return l.LoadDocuments(docs, root)
}

// LoadDocuments decodes the snapshot files among docs (keyed by slash-separated
// path) that live below root, in lexical order, and merges them.
func (l *SnapshotLoader) LoadDocuments(docs map[string][]byte, root string) (*engine.Snapshot, error) {
	root = cleanRoot(root)

	names := make([]string, 0, len(docs))
	for name := range docs {
		if !isSnapshotFile(name) || !underRoot(name, root) || inHiddenDir(name, root) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, engine.NewConfigurationError(fmt.Sprintf("no configuration files found under %s", root), nil)
	}
	sort.Strings(names)

	snapshot := &engine.Snapshot{}
	for _, name := range names {
		part, err := l.Decode(name, docs[name])
		if err != nil {
			return nil, err
		}
		snapshot.Rosters = append(snapshot.Rosters, part.Rosters...)
		snapshot.Duties = append(snapshot.Duties, part.Duties...)
	}

	if err := l.Check(snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Decode parses one document stream. YAML streams may contain several documents.
func (l *SnapshotLoader) Decode(name string, data []byte) (*engine.Snapshot, error) {
	docs, err := decodeDocuments(name, data)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to parse %s", name), err).WithResource(name)
	}

	snapshot := &engine.Snapshot{}
	for _, doc := range docs {
		if err := l.schemas.Validate(SnapshotSchemaName, "#Snapshot", doc); err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("%s does not match the snapshot schema", name), err).
				WithResource(name)
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("failed to normalize %s", name), err).WithResource(name)
		}
		var part engine.Snapshot
		if err := json.Unmarshal(raw, &part); err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("failed to decode %s", name), err).WithResource(name)
		}
		snapshot.Rosters = append(snapshot.Rosters, part.Rosters...)
		snapshot.Duties = append(snapshot.Duties, part.Duties...)
	}
	return snapshot, nil
}

// Check validates struct constraints and name uniqueness across the snapshot.
func (l *SnapshotLoader) Check(snapshot *engine.Snapshot) error {
	if err := l.validator.Struct(snapshot); err != nil {
		return engine.NewConfigurationError("snapshot validation failed", err)
	}

	rosters := make(map[string]bool, len(snapshot.Rosters))
	for _, r := range snapshot.Rosters {
		if rosters[r.Name] {
			return engine.NewConfigurationError(fmt.Sprintf("duplicate roster name %s", r.Name), nil).WithResource(r.Name)
		}
		rosters[r.Name] = true
	}

	duties := make(map[string]bool, len(snapshot.Duties))
	for _, d := range snapshot.Duties {
		if duties[d.Name] {
			return engine.NewConfigurationError(fmt.Sprintf("duplicate duty name %s", d.Name), nil).WithResource(d.Name)
		}
		duties[d.Name] = true
	}
	return nil
}

func cleanRoot(root string) string {
	root = strings.Trim(path.Clean("/"+root), "/")
	if root == "" {
		return "."
	}
	return root
}

func underRoot(name, root string) bool {
	return root == "." || strings.HasPrefix(name, root+"/")
}

func inHiddenDir(name, root string) bool {
	rel := name
	if root != "." {
		rel = strings.TrimPrefix(name, root+"/")
	}
	dirs := strings.Split(path.Dir(rel), "/")
	for _, d := range dirs {
		if strings.HasPrefix(d, ".") && d != "." {
			return true
		}
	}
	return false
}

func isSnapshotFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// decodeDocuments returns the non-empty documents of a YAML or JSON stream as
// generic values.
func decodeDocuments(name string, data []byte) ([]interface{}, error) {
	if strings.EqualFold(path.Ext(name), ".json") {
		var doc interface{}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, nil
		}
		return []interface{}{normalizeNumbers(doc)}, nil
	}

	var docs []interface{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var doc interface{}
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// normalizeNumbers turns json.Number values into int64 or float64.
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}
