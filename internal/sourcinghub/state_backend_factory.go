package sourcinghub

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// InMemoryStateBackend round-trips snapshots through JSON so the stored copy
// is isolated from the store's live maps. Used by tests and the memory
// profile.
type InMemoryStateBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil, nil
	}
	var snapshot persistedState
	if err := json.Unmarshal(b.data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.data = data
	b.mu.Unlock()
	return nil
}

// BuildStateBackendFromDSN maps a DSN to a state backend:
//
//	"" or "none"        no persistence
//	"memory://"         in-memory snapshot
//	"file:///path"      JSON file with atomic rewrite
//	"postgres://..."    single-row JSONB table
//
// Unknown schemes fall through to factories registered with
// RegisterStateBackendFactory.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "none":
		return nil, nil
	case dsn == "memory" || dsn == "memory://":
		return NewInMemoryStateBackend(), nil
	case strings.HasPrefix(dsn, "file:"):
		path := dsnPath(dsn)
		if path == "" {
			return nil, fmt.Errorf("state backend dsn %q has no path", dsn)
		}
		return NewJSONFileStateBackend(path), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStateBackend(dsn)
	}
	if factory, ok := lookupStateBackendFactory(dsnScheme(dsn)); ok {
		return factory(dsn)
	}
	return nil, fmt.Errorf("unsupported state backend dsn %q", dsn)
}

// dsnPath extracts the filesystem path from file:, file:// and file:///
// forms.
func dsnPath(dsn string) string {
	rest := strings.TrimPrefix(dsn, "file:")
	rest = strings.TrimPrefix(rest, "//")
	return strings.TrimSpace(rest)
}

func dsnScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	if i := strings.Index(dsn, ":"); i > 0 {
		return dsn[:i]
	}
	return dsn
}
