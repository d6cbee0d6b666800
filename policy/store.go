package policy

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Store maps views to the accounts they were granted. Grants are keyed by the
// origin a view was registered under; the runtime binding from view identity
// to origin is established when the surface attaches and dropped when it goes
// away. A view bound to an origin with no grant, or not bound at all, sees no
// accounts.
type Store struct {
	mu     sync.RWMutex
	grants map[string][]common.Address
	views  map[uint64]string
}

type grantEntry struct {
	Origin   string   `yaml:"origin"`
	Accounts []string `yaml:"accounts"`
}

type policyFile struct {
	Grants []grantEntry `yaml:"grants"`
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		grants: make(map[string][]common.Address),
		views:  make(map[uint64]string),
	}
}

// LoadStore reads grants from a YAML policy file. An empty path yields an
// empty store.
func LoadStore(path string) (*Store, error) {
	store := NewStore()
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	for i, entry := range file.Grants {
		origin := normalizeOrigin(entry.Origin)
		if origin == "" {
			return nil, fmt.Errorf("policy: grant %d missing origin", i)
		}
		accounts := make([]common.Address, 0, len(entry.Accounts))
		for _, raw := range entry.Accounts {
			trimmed := strings.TrimSpace(raw)
			if !common.IsHexAddress(trimmed) {
				return nil, fmt.Errorf("policy: invalid account %q for origin %s", raw, entry.Origin)
			}
			accounts = append(accounts, common.HexToAddress(trimmed))
		}
		store.grants[origin] = accounts
	}
	return store, nil
}

// Bind associates a live view with the origin its grants are keyed by.
func (s *Store) Bind(viewID uint64, origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[viewID] = normalizeOrigin(origin)
}

// Unbind drops the view's origin association.
func (s *Store) Unbind(viewID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, viewID)
}

// Grant adds accounts to an origin's allowed set, deduplicating.
func (s *Store) Grant(origin string, accounts ...common.Address) {
	key := normalizeOrigin(origin)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.grants[key]
	for _, account := range accounts {
		found := false
		for _, have := range existing {
			if have == account {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, account)
		}
	}
	s.grants[key] = existing
}

// AllowedAccounts implements AccountSource.
func (s *Store) AllowedAccounts(viewID uint64) []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	origin, ok := s.views[viewID]
	if !ok {
		return nil
	}
	granted := s.grants[origin]
	out := make([]common.Address, len(granted))
	copy(out, granted)
	return out
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimSpace(origin))
}
