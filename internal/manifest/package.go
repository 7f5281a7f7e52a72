// Package manifest reads and writes package.json manifests and discovers the
// packages of a monorepo.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileName is the manifest file looked up in every package directory.
const FileName = "package.json"

// ErrNoManifest is returned when a directory has no package.json.
var ErrNoManifest = errors.New("no package.json found")

// DependencyKey names a dependency collection inside a manifest.
type DependencyKey string

const (
	Dependencies         DependencyKey = "dependencies"
	DevDependencies      DependencyKey = "devDependencies"
	PeerDependencies     DependencyKey = "peerDependencies"
	OptionalDependencies DependencyKey = "optionalDependencies"
)

// AllDependencyKeys is the key set for the "all dependencies" graph. Later keys
// override earlier ones when a name appears in more than one collection.
var AllDependencyKeys = []DependencyKey{OptionalDependencies, PeerDependencies, DevDependencies, Dependencies}

// ProductionDependencyKeys only follows regular dependencies.
var ProductionDependencyKeys = []DependencyKey{Dependencies}

// Package is the manifest data of one package.
type Package struct {
	Name     string
	Version  string
	Private  bool
	Location string // absolute package directory
	RootPath string // absolute repository root

	Deps    map[DependencyKey]map[string]string
	Scripts map[string]string

	// raw keeps every top-level field in file order so Save round-trips
	// fields this package does not model.
	raw  map[string]json.RawMessage
	keys []string
}

// New creates an in-memory package. It is mostly useful for tests and for
// callers that do not read manifests from disk.
func New(name, version, location string) *Package {
	return &Package{
		Name:     name,
		Version:  version,
		Location: location,
		Deps:     make(map[DependencyKey]map[string]string),
		Scripts:  make(map[string]string),
	}
}

// WithDependency adds name@spec under key and returns p for chaining.
func (p *Package) WithDependency(key DependencyKey, name, spec string) *Package {
	if p.Deps == nil {
		p.Deps = make(map[DependencyKey]map[string]string)
	}
	if p.Deps[key] == nil {
		p.Deps[key] = make(map[string]string)
	}
	p.Deps[key][name] = spec
	return p
}

// DependenciesFor merges the collections named by keys. A name declared under
// several keys takes the spec from the last key.
func (p *Package) DependenciesFor(keys []DependencyKey) map[string]string {
	out := make(map[string]string)
	for _, key := range keys {
		for name, spec := range p.Deps[key] {
			out[name] = spec
		}
	}
	return out
}

// SetDependency rewrites the spec of name in every collection that declares it.
func (p *Package) SetDependency(name, spec string) {
	for _, deps := range p.Deps {
		if _, ok := deps[name]; ok {
			deps[name] = spec
		}
	}
}

// ManifestPath returns the path of the package.json file.
func (p *Package) ManifestPath() string {
	return filepath.Join(p.Location, FileName)
}

// RelativeLocation returns Location relative to RootPath using forward slashes.
func (p *Package) RelativeLocation() string {
	if p.RootPath == "" {
		return filepath.ToSlash(p.Location)
	}
	rel, err := filepath.Rel(p.RootPath, p.Location)
	if err != nil {
		return filepath.ToSlash(p.Location)
	}
	return filepath.ToSlash(rel)
}

// HasScript reports whether the manifest defines a non-empty script.
func (p *Package) HasScript(name string) bool {
	return p.Scripts[name] != ""
}

// Clone returns a deep copy of p.
func (p *Package) Clone() *Package {
	c := *p
	c.Deps = make(map[DependencyKey]map[string]string, len(p.Deps))
	for key, deps := range p.Deps {
		m := make(map[string]string, len(deps))
		for name, spec := range deps {
			m[name] = spec
		}
		c.Deps[key] = m
	}
	c.Scripts = make(map[string]string, len(p.Scripts))
	for name, body := range p.Scripts {
		c.Scripts[name] = body
	}
	if p.raw != nil {
		c.raw = make(map[string]json.RawMessage, len(p.raw))
		for k, v := range p.raw {
			c.raw[k] = v
		}
	}
	c.keys = append([]string(nil), p.keys...)
	return &c
}

// Load reads dir/package.json.
func Load(dir, root string) (*Package, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dir, ErrNoManifest)
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	p.Location = dir
	p.RootPath = root
	return p, nil
}

// Parse decodes manifest JSON.
func Parse(data []byte) (*Package, error) {
	keys, err := objectKeys(data)
	if err != nil {
		return nil, err
	}
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	var fields struct {
		Name                 string            `json:"name"`
		Version              string            `json:"version"`
		Private              bool              `json:"private"`
		Dependencies         map[string]string `json:"dependencies"`
		DevDependencies      map[string]string `json:"devDependencies"`
		PeerDependencies     map[string]string `json:"peerDependencies"`
		OptionalDependencies map[string]string `json:"optionalDependencies"`
		Scripts              map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	p := &Package{
		Name:    fields.Name,
		Version: fields.Version,
		Private: fields.Private,
		Deps:    make(map[DependencyKey]map[string]string),
		Scripts: fields.Scripts,
		raw:     raw,
		keys:    keys,
	}
	if p.Scripts == nil {
		p.Scripts = make(map[string]string)
	}
	for key, deps := range map[DependencyKey]map[string]string{
		Dependencies:         fields.Dependencies,
		DevDependencies:      fields.DevDependencies,
		PeerDependencies:     fields.PeerDependencies,
		OptionalDependencies: fields.OptionalDependencies,
	} {
		if deps != nil {
			p.Deps[key] = deps
		}
	}
	return p, nil
}

// objectKeys returns the top-level keys of a JSON object in document order.
func objectKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("manifest is not a JSON object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Marshal encodes p as package.json content: two-space indent, original key
// order, trailing newline.
func (p *Package) Marshal() ([]byte, error) {
	raw := make(map[string]json.RawMessage, len(p.raw)+4)
	for k, v := range p.raw {
		raw[k] = v
	}
	keys := append([]string(nil), p.keys...)

	set := func(key string, v any) error {
		data, err := encodeJSON(v)
		if err != nil {
			return err
		}
		if _, ok := raw[key]; !ok {
			keys = append(keys, key)
		}
		raw[key] = data
		return nil
	}

	if err := set("name", p.Name); err != nil {
		return nil, err
	}
	if p.Version != "" {
		if err := set("version", p.Version); err != nil {
			return nil, err
		}
	}
	depKeys := make([]string, 0, len(p.Deps))
	for key := range p.Deps {
		depKeys = append(depKeys, string(key))
	}
	sort.Strings(depKeys)
	for _, key := range depKeys {
		deps := p.Deps[DependencyKey(key)]
		if len(deps) == 0 {
			if _, ok := raw[key]; !ok {
				continue
			}
		}
		if err := set(key, deps); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, key := range keys {
		k, err := encodeJSON(key)
		if err != nil {
			return nil, err
		}
		var val bytes.Buffer
		if err := json.Indent(&val, raw[key], "  ", "  "); err != nil {
			return nil, fmt.Errorf("formatting %s: %w", key, err)
		}
		buf.WriteString("  ")
		buf.Write(k)
		buf.WriteString(": ")
		buf.Write(val.Bytes())
		if i < len(keys)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// encodeJSON is json.Marshal without HTML escaping, so ranges such as
// ">=1.0.0 <2.0.0" keep their characters.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Save writes p back to its manifest path.
func Save(p *Package) error {
	data, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", p.Name, err)
	}
	if err := os.WriteFile(p.ManifestPath(), data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}
