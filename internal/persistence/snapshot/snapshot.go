package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"chunkanchor.ai/internal/anchor"
)

const Version = 1

// DocumentV1 is the on-disk layout of anchors.yml:
//
//	version: 1
//	players:
//	  <owner>:
//	    <anchor name>: {world, x, z, policy, enabled}
type DocumentV1 struct {
	Version int                            `yaml:"version"`
	Players map[string]map[string]AnchorV1 `yaml:"players"`
}

// AnchorV1 leaves policy and enabled optional: files written before those
// fields existed load as DEFAULT and enabled.
type AnchorV1 struct {
	World   string  `yaml:"world"`
	X       int     `yaml:"x"`
	Z       int     `yaml:"z"`
	Policy  *string `yaml:"policy,omitempty"`
	Enabled *bool   `yaml:"enabled,omitempty"`
}

func Encode(s anchor.Snapshot) ([]byte, error) {
	doc := DocumentV1{Version: Version, Players: make(map[string]map[string]AnchorV1, len(s))}
	for owner, anchors := range s {
		if len(anchors) == 0 {
			continue
		}
		m := make(map[string]AnchorV1, len(anchors))
		for name, a := range anchors {
			policy := string(a.Policy)
			if policy == "" {
				policy = string(anchor.PolicyDefault)
			}
			enabled := a.Enabled
			m[name] = AnchorV1{World: a.World, X: a.X, Z: a.Z, Policy: &policy, Enabled: &enabled}
		}
		doc.Players[owner] = m
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// rawDocument defers decoding of each record so one bad record can be
// skipped on its own.
type rawDocument struct {
	Version int                             `yaml:"version"`
	Players map[string]map[string]yaml.Node `yaml:"players"`
}

// Rejected is a record Decode skipped.
type Rejected struct {
	Owner string
	Name  string
	Err   error
}

// Decode converts raw into a snapshot. A file whose structure is not an
// anchors document fails as a whole; records that fail validation are
// skipped and returned as rejected.
func Decode(raw []byte) (anchor.Snapshot, []Rejected, error) {
	out := anchor.Snapshot{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil, nil
	}
	if err := Validate(raw); err != nil {
		return nil, nil, err
	}
	var doc rawDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("anchors.yml: %w", err)
	}
	if doc.Version > Version {
		return nil, nil, fmt.Errorf("anchors.yml: unsupported version %d", doc.Version)
	}
	var rejected []Rejected
	for owner, records := range doc.Players {
		m := make(map[string]anchor.Anchor, len(records))
		for name, node := range records {
			a, err := decodeRecord(&node)
			if err != nil {
				rejected = append(rejected, Rejected{Owner: owner, Name: name, Err: err})
				continue
			}
			m[name] = a
		}
		if len(m) > 0 {
			out[owner] = m
		}
	}
	sort.Slice(rejected, func(i, j int) bool {
		if rejected[i].Owner != rejected[j].Owner {
			return rejected[i].Owner < rejected[j].Owner
		}
		return rejected[i].Name < rejected[j].Name
	})
	return out, rejected, nil
}

func decodeRecord(node *yaml.Node) (anchor.Anchor, error) {
	if err := validateRecord(node); err != nil {
		return anchor.Anchor{}, err
	}
	var rec AnchorV1
	if err := node.Decode(&rec); err != nil {
		return anchor.Anchor{}, err
	}
	policy := anchor.PolicyDefault
	if rec.Policy != nil {
		policy = anchor.Policy(*rec.Policy)
	}
	enabled := true
	if rec.Enabled != nil {
		enabled = *rec.Enabled
	}
	return anchor.Anchor{World: rec.World, X: rec.X, Z: rec.Z, Policy: policy, Enabled: enabled}, nil
}

// File persists snapshots as a YAML document, replaced atomically on every
// save.
type File struct {
	path    string
	backups int
	log     zerolog.Logger
	now     func() time.Time
}

func NewFile(path string, backups int, log zerolog.Logger) *File {
	return &File{path: path, backups: backups, log: log, now: time.Now}
}

func (f *File) Path() string { return f.path }

// Load returns an empty snapshot when the file does not exist yet.
func (f *File) Load() (anchor.Snapshot, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return anchor.Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}
	snap, rejected, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	for _, r := range rejected {
		f.log.Warn().Err(r.Err).Str("owner", r.Owner).Str("anchor", r.Name).Msg("skipping invalid anchor record")
	}
	return snap, nil
}

func (f *File) Save(s anchor.Snapshot) error {
	b, err := Encode(s)
	if err != nil {
		return fmt.Errorf("encode anchors: %w", err)
	}
	return writeFileAtomic(f.path, b)
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// jsonValue converts a decoded YAML tree into the JSON value model the
// schema validator expects.
func jsonValue(tree any) (any, error) {
	b, err := json.Marshal(stringKeys(tree))
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// stringKeys rewrites non-string map keys (an anchor named 123) as strings.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	}
	return v
}
