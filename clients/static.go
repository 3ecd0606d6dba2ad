package clients

import (
	"context"
	"encoding/json"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaBytes []byte

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, fmt.Errorf("clients: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("clients-schema.json", doc); err != nil {
		return nil, fmt.Errorf("clients: add schema resource: %w", err)
	}
	return c.Compile("clients-schema.json")
})

type (
	// StaticStore serves client records from a JSON or YAML document on
	// disk. The document is validated against the embedded schema and
	// reloaded when its mtime changes, so operators can edit it without
	// restarting the gateway.
	StaticStore struct {
		path     string
		defaults Defaults

		mu      sync.Mutex
		records []*ClientConfig
		mtime   time.Time
	}

	document struct {
		Clients []*ClientConfig `json:"clients" yaml:"clients"`
	}
)

// NewStaticStore loads the document at path. Loading fails when the file is
// missing, malformed, or violates the schema.
func NewStaticStore(path string, defaults Defaults) (*StaticStore, error) {
	s := &StaticStore{path: path, defaults: defaults}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup implements Store. The full record list is scanned with
// constant-time compares and no early exit so lookup cost does not depend on
// which key matched.
func (s *StaticStore) Lookup(ctx context.Context, apiKey string) (*ClientConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadIfChanged(); err != nil {
		return nil, err
	}
	var match *ClientConfig
	for _, c := range s.records {
		if SecureCompare(apiKey, c.APIKey) {
			match = c
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	cp := *match
	return &cp, nil
}

func (s *StaticStore) reloadIfChanged() error {
	info, err := os.Stat(s.path)
	if err != nil {
		// Keep serving the last good document if the file disappears
		// mid-flight.
		if len(s.records) > 0 {
			return nil
		}
		return fmt.Errorf("clients: stat %s: %w", s.path, err)
	}
	if info.ModTime().Equal(s.mtime) && s.records != nil {
		return nil
	}
	return s.reload()
}

func (s *StaticStore) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("clients: read %s: %w", s.path, err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("clients: stat %s: %w", s.path, err)
	}

	var (
		doc     document
		generic any
	)
	switch ext := strings.ToLower(filepath.Ext(s.path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("clients: parse %s: %w", s.path, err)
		}
		// Normalize through JSON so the schema sees the same scalar types
		// either way.
		jb, err := json.Marshal(generic)
		if err != nil {
			return fmt.Errorf("clients: normalize %s: %w", s.path, err)
		}
		if err := json.Unmarshal(jb, &generic); err != nil {
			return fmt.Errorf("clients: normalize %s: %w", s.path, err)
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("clients: parse %s: %w", s.path, err)
		}
	default:
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("clients: parse %s: %w", s.path, err)
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("clients: parse %s: %w", s.path, err)
		}
	}

	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("clients: %s failed schema validation: %w", s.path, err)
	}

	records := make([]*ClientConfig, 0, len(doc.Clients))
	for _, c := range doc.Clients {
		records = append(records, c.ApplyDefaults(s.defaults))
	}
	s.records = records
	s.mtime = info.ModTime()
	return nil
}
