// Package registry holds the immutable catalog of camera sources, grouped by
// category in fallback order.
package registry

import (
	"fmt"
	"slices"
	"strings"

	"github.com/morikuni/failure/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/config"
)

// Registry is the read-only source catalog. Safe for concurrent readers.
type Registry struct {
	order    []string
	labels   map[string]string
	sources  map[string][]collector.CameraSource
	rejected []error
}

// New builds a Registry from the declared catalog. Malformed entries are
// logged and skipped; an empty result is a ConfigError.
func New(categories []config.CategoryConfig, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		labels:  make(map[string]string),
		sources: make(map[string][]collector.CameraSource),
	}
	for ci, cat := range categories {
		name := strings.TrimSpace(cat.Name)
		if name == "" {
			r.reject(logger, failure.New(collector.ErrConfig,
				failure.Message("category has no name"),
				failure.Context{"index": fmt.Sprint(ci)},
			))
			continue
		}
		if _, dup := r.labels[name]; dup {
			r.reject(logger, failure.New(collector.ErrConfig,
				failure.Message("duplicate category"),
				failure.Context{"category": name},
			))
			continue
		}
		label := cat.Label
		if label == "" {
			label = name
		}
		r.labels[name] = label
		r.order = append(r.order, name)

		seen := make(map[string]bool)
		for si, sc := range cat.Sources {
			src, err := buildSource(name, cat.Strategy, sc)
			if err == nil && seen[src.ID] {
				err = failure.New(collector.ErrConfig,
					failure.Message("duplicate source id"),
					failure.Context{"category": name, "source": src.ID},
				)
			}
			if err != nil {
				r.reject(logger, failure.Wrap(err, failure.Context{"position": fmt.Sprint(si)}))
				continue
			}
			seen[src.ID] = true
			r.sources[name] = append(r.sources[name], src)
		}
	}
	if r.Len() == 0 {
		return nil, failure.New(collector.ErrConfig, failure.Message("registry has no usable sources"))
	}
	logger.Info("registry loaded",
		zap.Int("categories", len(r.order)),
		zap.Int("sources", r.Len()),
		zap.Int("rejected", len(r.rejected)),
	)
	return r, nil
}

func (r *Registry) reject(logger *zap.Logger, err error) {
	r.rejected = append(r.rejected, err)
	logger.Warn("registry entry rejected", zap.Error(err))
}

func buildSource(category, categoryStrategy string, sc config.SourceConfig) (collector.CameraSource, error) {
	id := strings.TrimSpace(sc.ID)
	locator := strings.TrimSpace(sc.URL)
	if id == "" || locator == "" {
		return collector.CameraSource{}, failure.New(collector.ErrConfig,
			failure.Message("source requires id and url"),
			failure.Context{"category": category, "source": id},
		)
	}
	if !validID(id) {
		return collector.CameraSource{}, failure.New(collector.ErrConfig,
			failure.Message("source id must be a single file-name-safe segment"),
			failure.Context{"category": category, "source": id},
		)
	}
	raw := sc.Strategy
	if raw == "" {
		raw = categoryStrategy
	}
	if raw == "" {
		raw = string(collector.StrategyDirect)
	}
	strategy := collector.Strategy(strings.ToLower(raw))
	if !strategy.Valid() {
		return collector.CameraSource{}, failure.New(collector.ErrConfig,
			failure.Message("unknown strategy"),
			failure.Context{"category": category, "source": id, "strategy": raw},
		)
	}
	src := collector.CameraSource{
		ID:         id,
		Category:   category,
		Locator:    locator,
		Descriptor: sc.Description,
		Strategy:   strategy,
		Render:     sc.Render,
	}
	if strategy == collector.StrategyIndirect {
		src.Discriminator = collector.Discriminator{Attr: sc.DiscriminatorAttr, Value: sc.DiscriminatorValue}
		if src.Discriminator.Attr == "" {
			src.Discriminator = collector.Discriminator{
				Attr:  collector.DefaultDiscriminatorAttr,
				Value: collector.DefaultDiscriminatorValue,
			}
		}
		src.Marker = sc.Marker
		if src.Marker == "" {
			src.Marker = collector.DefaultMarker
		}
	}
	return src, nil
}

// Categories returns category names in declaration order.
func (r *Registry) Categories() []string {
	return slices.Clone(r.order)
}

// SourcesIn returns a category's sources in fallback order.
func (r *Registry) SourcesIn(category string) []collector.CameraSource {
	return slices.Clone(r.sources[category])
}

// Label returns the display label for a category.
func (r *Registry) Label(category string) string {
	if label, ok := r.labels[category]; ok {
		return label
	}
	return category
}

// Has reports whether the category is known.
func (r *Registry) Has(category string) bool {
	_, ok := r.labels[category]
	return ok
}

// Len is the total number of loaded sources.
func (r *Registry) Len() int {
	n := 0
	for _, list := range r.sources {
		n += len(list)
	}
	return n
}

// Rejected returns the ConfigErrors for entries skipped at load time.
func (r *Registry) Rejected() []error {
	return slices.Clone(r.rejected)
}

// Filter returns a registry restricted to the named categories, preserving
// declaration order. Unknown names are a ConfigError.
func (r *Registry) Filter(categories ...string) (*Registry, error) {
	if len(categories) == 0 {
		return r, nil
	}
	want := make(map[string]bool, len(categories))
	for _, c := range categories {
		if !r.Has(c) {
			return nil, failure.New(collector.ErrConfig,
				failure.Message("unknown category"),
				failure.Context{"category": c, "available": strings.Join(r.order, ",")},
			)
		}
		want[c] = true
	}
	out := &Registry{
		labels:  make(map[string]string),
		sources: make(map[string][]collector.CameraSource),
	}
	for _, name := range r.order {
		if !want[name] {
			continue
		}
		out.order = append(out.order, name)
		out.labels[name] = r.labels[name]
		out.sources[name] = r.sources[name]
	}
	return out, nil
}

// validID accepts ids that are safe as one path segment in scratch and record
// names: ASCII letters, digits, '-', '_' and '.', not starting with '.'.
func validID(id string) bool {
	if id == "" || id[0] == '.' {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
