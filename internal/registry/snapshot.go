package registry

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/fieldvision/plotclip/internal/model"
)

// snapshotDoc is the on-disk layout of a sizes export.
type snapshotDoc struct {
	ExportedAt time.Time                 `yaml:"exported_at"`
	Sizes      map[string]model.GridSize `yaml:"sizes"`
}

// Snapshot serializes every known size to YAML, suitable for moving a
// registry between stores.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.Lock()
	doc := snapshotDoc{
		ExportedAt: time.Now().UTC(),
		Sizes:      make(map[string]model.GridSize, len(r.sizes)),
	}
	for identity, size := range r.sizes {
		doc.Sizes[identity] = size
	}
	r.mu.Unlock()

	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "registry: marshal snapshot")
	}
	return data, nil
}

// WriteSnapshot writes the YAML snapshot to path.
func (r *Registry) WriteSnapshot(path string) error {
	data, err := r.Snapshot()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "registry: write snapshot %s", path)
	}
	return nil
}

// ParseSnapshot decodes a sizes export into its identity map. Zero-size
// entries are dropped.
func ParseSnapshot(data []byte) (map[string]model.GridSize, error) {
	var doc snapshotDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "registry: parse snapshot")
	}
	sizes := make(map[string]model.GridSize, len(doc.Sizes))
	for identity, size := range doc.Sizes {
		if size.IsZero() {
			continue
		}
		sizes[identity] = size
	}
	return sizes, nil
}

// Restore merges a snapshot into the registry. Existing reservations win
// over snapshot entries; the returned count is how many identities were
// newly reserved.
func (r *Registry) Restore(ctx context.Context, data []byte) (int, error) {
	sizes, err := ParseSnapshot(data)
	if err != nil {
		return 0, err
	}

	identities := make([]string, 0, len(sizes))
	for identity := range sizes {
		identities = append(identities, identity)
	}
	sort.Strings(identities)

	added := 0
	for _, identity := range identities {
		_, inserted, err := r.ReserveOrGet(ctx, identity, sizes[identity])
		if err != nil {
			return added, err
		}
		if inserted {
			added++
		}
	}
	return added, nil
}
