// Package scanner holds the scanners known to a node together with the
// converters and result managers that interpret their output.
package scanner

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

var _ domain.ScannerRegistry = (*Registry)(nil)

// Registry resolves scanners by name. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	scanners map[string]domain.Scanner
	validate *validator.Validate
}

// NewRegistry validates scanners and indexes them by name. Duplicate names are rejected.
func NewRegistry(scanners ...domain.Scanner) (*Registry, error) {
	r := &Registry{
		scanners: make(map[string]domain.Scanner, len(scanners)),
		validate: validator.New(),
	}
	for _, s := range scanners {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a scanner.
func (r *Registry) Register(s domain.Scanner) error {
	if err := r.validate.Struct(s); err != nil {
		return fmt.Errorf("%w: scanner %q: %v", domain.ErrInvalidParameter, s.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scanners[s.Name]; exists {
		return fmt.Errorf("%w: scanner %q registered twice", domain.ErrInvalidParameter, s.Name)
	}
	r.scanners[s.Name] = s
	return nil
}

// Get returns the scanner registered under name.
func (r *Registry) Get(name string) (domain.Scanner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scanners[name]
	if !ok {
		return domain.Scanner{}, fmt.Errorf("%w: %s", domain.ErrScannerNotFound, name)
	}
	return s, nil
}

// Names lists the registered scanners.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scanners))
	for n := range r.scanners {
		names = append(names, n)
	}
	return names
}

// Converters maps scanner types to converters.
type Converters map[string]domain.Converter

// DefaultConverters returns the built-in converters.
func DefaultConverters() Converters {
	return Converters{
		TypeStandard: StandardConverter{},
		TypeOverview: OverviewConverter{},
	}
}

func (c Converters) Converter(scannerType string) (domain.Converter, bool) {
	conv, ok := c[scannerType]
	return conv, ok
}

// ResultManagers maps scanner types to result managers.
type ResultManagers map[string]domain.ResultManager

func (m ResultManagers) ResultManager(scannerType string) (domain.ResultManager, bool) {
	rm, ok := m[scannerType]
	return rm, ok
}
