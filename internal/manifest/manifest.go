// Package manifest reads the HCL content manifest that groups asset keys by
// category and declares which groups are downloaded or preloaded at startup.
//
//	group "arena" {
//	  category = "arena"
//	  keys     = ["arena/floor.png", "music/arena.ogg"]
//	  priority = 5
//	  download = true
//	  preload  = false
//	}
package manifest

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Group is one group block.
type Group struct {
	Name     string   `hcl:"name,label"`
	Category string   `hcl:"category,optional"`
	Keys     []string `hcl:"keys"`
	Priority int      `hcl:"priority,optional"`
	Download bool     `hcl:"download,optional"`
	Preload  bool     `hcl:"preload,optional"`
}

// Manifest is a decoded manifest file.
type Manifest struct {
	Groups []*Group `hcl:"group,block"`
}

// Parse decodes manifest source. filename is only used in diagnostics.
func Parse(src []byte, filename string) (*Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", filename, diags)
	}

	var m Manifest
	diags = gohcl.DecodeBody(file.Body, nil, &m)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", filename, diags)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", filename, err)
	}
	return &m, nil
}

// Load reads and decodes the manifest at path.
func Load(path string) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(src, path)
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Groups))
	for _, g := range m.Groups {
		if seen[g.Name] {
			return fmt.Errorf("duplicate group %q", g.Name)
		}
		seen[g.Name] = true
		if g.Category == "" {
			g.Category = g.Name
		}
	}
	return nil
}

// Categories maps every category to its keys, merged across groups and
// sorted.
func (m *Manifest) Categories() map[string][]string {
	sets := make(map[string]map[string]struct{})
	for _, g := range m.Groups {
		set, ok := sets[g.Category]
		if !ok {
			set = make(map[string]struct{})
			sets[g.Category] = set
		}
		for _, k := range g.Keys {
			set[k] = struct{}{}
		}
	}

	out := make(map[string][]string, len(sets))
	for c, set := range sets {
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out[c] = keys
	}
	return out
}

// TagSetter receives category tags.
type TagSetter interface {
	SetTags(category string, keys []string)
}

// Target is what Apply drives; *assets.Manager satisfies it.
type Target interface {
	TagSetter
	QueueDownload(key string, priority int, onComplete func(ok bool)) (string, error)
	Load(ctx context.Context, key string) (any, error)
}

// Result summarizes one Apply.
type Result struct {
	Categories int      `json:"categories"`
	Queued     int      `json:"queued"`
	Preloaded  []string `json:"preloaded"`
}

// Apply tags every category, queues downloads of download groups and loads
// the keys of preload groups. Preloaded keys stay referenced for the life of
// the process. Preload failures are combined; the other keys still load.
func Apply(ctx context.Context, m *Manifest, t Target, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var res Result

	ApplyTags(t, nil, m)
	res.Categories = len(m.Categories())

	var err error
	for _, g := range m.Groups {
		if g.Download {
			for _, key := range g.Keys {
				if _, qerr := t.QueueDownload(key, g.Priority, nil); qerr != nil {
					err = multierr.Append(err, qerr)
					continue
				}
				res.Queued++
			}
		}
		if g.Preload {
			for _, key := range g.Keys {
				if _, lerr := t.Load(ctx, key); lerr != nil {
					err = multierr.Append(err, fmt.Errorf("preload %s: %w", key, lerr))
					continue
				}
				res.Preloaded = append(res.Preloaded, key)
			}
		}
	}

	logger.Info("manifest applied",
		zap.Int("groups", len(m.Groups)),
		zap.Int("categories", res.Categories),
		zap.Int("queued", res.Queued),
		zap.Int("preloaded", len(res.Preloaded)),
		zap.Error(err))
	return res, err
}

// ApplyTags sets the categories of next and clears categories that only
// prev had. prev may be nil.
func ApplyTags(t TagSetter, prev, next *Manifest) {
	cats := next.Categories()
	for c, keys := range cats {
		t.SetTags(c, keys)
	}
	if prev == nil {
		return
	}
	for c := range prev.Categories() {
		if _, ok := cats[c]; !ok {
			t.SetTags(c, nil)
		}
	}
}
