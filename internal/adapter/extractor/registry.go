package extractor

import "github.com/cwygoda/gdownloader/internal/domain"

// Registry holds registered extractors.
type Registry struct {
	extractors []domain.Extractor
}

// NewRegistry creates a new extractor registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an extractor to the registry.
func (r *Registry) Register(e domain.Extractor) {
	r.extractors = append(r.extractors, e)
}

// Match returns the first extractor that handles the platform, or nil.
func (r *Registry) Match(p domain.Platform) domain.Extractor {
	for _, e := range r.extractors {
		if e.CanHandle(p) {
			return e
		}
	}
	return nil
}

// Extractors returns all registered extractors.
func (r *Registry) Extractors() []domain.Extractor {
	return r.extractors
}
