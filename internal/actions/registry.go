package actions

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/chutney/pkg/schema"
)

// Registry is the thread-safe catalog of action templates, keyed by type.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		templates: make(map[string]Template),
	}
}

// Register validates and adds a template. Returns an error on contract
// violations or duplicate type.
func (r *Registry) Register(t Template) error {
	if err := t.check(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[t.Type]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", t.Type)
	}
	r.templates[t.Type] = t
	return nil
}

// Get retrieves a template by action type.
func (r *Registry) Get(actionType string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.templates[actionType]
	if !ok {
		return Template{}, schema.NewErrorf(schema.ErrCodeUnknownAction, "unknown action %q", actionType)
	}
	return t, nil
}

// List returns info for all registered templates, sorted by type.
func (r *Registry) List() []TemplateInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TemplateInfo, 0, len(r.templates))
	for _, t := range r.templates {
		infos = append(infos, TemplateInfo{
			Type:          t.Type,
			Description:   t.Description,
			ExpectsTarget: t.ExpectsTarget(),
			Inputs:        t.Inputs(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Has checks if an action type is registered.
func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[actionType]
	return ok
}

// Count returns the number of registered templates.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// Loader discovers action templates from one source.
type Loader interface {
	Name() string
	Load() ([]Template, error)
}

// StaticLoader serves a fixed list of templates.
type StaticLoader struct {
	LoaderName string
	Templates  []Template
}

func (l StaticLoader) Name() string { return l.LoaderName }

func (l StaticLoader) Load() ([]Template, error) { return l.Templates, nil }

// LoadRegistry builds a registry from every loader. A failing loader or an
// invalid template is logged and skipped, the rest of the catalog still loads.
func LoadRegistry(logger *slog.Logger, loaders ...Loader) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry()
	for _, l := range loaders {
		templates, err := l.Load()
		if err != nil {
			logger.Error("action loader failed", slog.String("loader", l.Name()), slog.Any("error", err))
			continue
		}
		for _, t := range templates {
			if err := reg.Register(t); err != nil {
				logger.Warn("action template skipped",
					slog.String("loader", l.Name()), slog.String("type", t.Type), slog.Any("error", err))
			}
		}
	}
	logger.Debug("action registry loaded", slog.Int("count", reg.Count()))
	return reg
}
