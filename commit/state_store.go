package commit

import (
	"bytes"
	"log/slog"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/kelpiedb/kelpie/keyval"
)

// System key space boundaries. Keys at or above SystemKeysBegin are
// metadata; mutations touching them are mirrored into every proxy's txn
// state store.
var (
	SystemKeysBegin           = []byte("\xff")
	NonMetadataSystemKeysEnd  = []byte("\xff\x02")
	MetadataVersionKey        = []byte("\xff/metadataVersion")
	systemKeysEnd             = []byte("\xff\xff")
)

// IsMetadataMutation reports whether a mutation touches the system key
// space and therefore affects the replicated txn state.
func IsMetadataMutation(m keyval.Mutation) bool {
	if m.Type == keyval.MutationClearRange {
		return bytes.Compare(m.Param2, SystemKeysBegin) > 0
	}
	return bytes.Compare(m.Param1, SystemKeysBegin) >= 0
}

// StateStore is the proxy's in-memory mirror of the system-key state,
// kept identical across proxies by rebroadcasting metadata mutations
// through resolver zero.
type StateStore struct {
	mu      sync.RWMutex
	tree    *treemap.Map // string key -> []byte
	log     *slog.Logger
	version keyval.Version
	synced  bool
}

func NewStateStore(log *slog.Logger) *StateStore {
	return &StateStore{
		tree: treemap.NewWith(byteKeyComparator),
		log:  log,
	}
}

// Apply applies metadata mutations at the given version. Versions must be
// applied in order; re-applying an older version is ignored.
func (s *StateStore) Apply(version keyval.Version, muts []keyval.Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version < s.version {
		return
	}
	s.version = version
	for _, m := range muts {
		switch m.Type {
		case keyval.MutationSetValue:
			s.tree.Put(string(m.Param1), append([]byte(nil), m.Param2...))
		case keyval.MutationClearRange:
			var doomed []string
			s.tree.Each(func(k interface{}, _ interface{}) {
				kb := []byte(k.(string))
				if bytes.Compare(kb, m.Param1) >= 0 && bytes.Compare(kb, m.Param2) < 0 {
					doomed = append(doomed, k.(string))
				}
			})
			for _, k := range doomed {
				s.tree.Remove(k)
			}
		default:
			// Atomic ops never target replicated metadata.
			s.log.Warn("ignoring non-set metadata mutation",
				slog.Int("type", int(m.Type)),
			)
		}
	}
}

func (s *StateStore) ReadValue(key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tree.Get(string(key))
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (s *StateStore) Version() keyval.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ResyncLog marks the mirror consistent after a proxy's first batch has
// drained the accumulated state mutations.
func (s *StateStore) ResyncLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = true
}

func (s *StateStore) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}
