package clients

import (
	"fmt"
	"os"
)

// StoreOptions selects and parameterizes a Store backend.
type StoreOptions struct {
	// Backend is "json" or "dynamodb".
	Backend string
	// Path locates the JSON or YAML client document for the json backend.
	Path string
	// Keys is the flat gateway key list used when no client document
	// exists.
	Keys []string
	// Dynamo and Table configure the dynamodb backend.
	Dynamo QueryAPI
	Table  string
	// Defaults fill unset per-client fields.
	Defaults Defaults
}

// NewStore builds the Store named by opts.Backend. With the json backend a
// missing document falls back to the flat key list, so a bare
// GATEWAY_API_KEYS deployment keeps working.
func NewStore(opts StoreOptions) (Store, error) {
	switch opts.Backend {
	case "dynamodb":
		if opts.Dynamo == nil {
			return nil, fmt.Errorf("clients: dynamodb backend needs a client")
		}
		return NewDynamoStore(opts.Dynamo, opts.Table, opts.Defaults), nil
	case "json":
		if _, err := os.Stat(opts.Path); err != nil {
			if os.IsNotExist(err) {
				return NewLegacyStore(opts.Keys, opts.Defaults)
			}
			return nil, fmt.Errorf("clients: stat %s: %w", opts.Path, err)
		}
		return NewStaticStore(opts.Path, opts.Defaults)
	default:
		return nil, fmt.Errorf("clients: unknown store backend %q", opts.Backend)
	}
}
