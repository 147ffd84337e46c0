package pipeline

import (
	"io"
	"sort"
	"sync"

	"github.com/gpuradar/listings-engine/pkg/models"
)

// LoadResult is the output of a source loader: the parsed rows plus any
// batch-level warnings (unknown columns, defaulted fields).
type LoadResult struct {
	Rows     []models.RawListing
	Warnings []models.Warning
}

// Loader reads one vendor format into the canonical RawListing contract.
// Loaders must be finite and in-memory; no network I/O.
type Loader interface {
	Load(r io.Reader) (*LoadResult, error)
}

var (
	loaderMu  sync.Mutex
	loaderTab = make(map[string]Loader)
)

// RegisterLoader installs a loader under a source-type name. Called from
// init functions; duplicate names are a programming error and fail loudly.
func RegisterLoader(name string, l Loader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	if _, dup := loaderTab[name]; dup {
		panic("pipeline: duplicate loader registration: " + name)
	}
	loaderTab[name] = l
}

// LoaderFor returns the loader registered for a source-type name.
func LoaderFor(name string) (Loader, bool) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	l, ok := loaderTab[name]
	return l, ok
}

// Loaders lists registered source types, sorted.
func Loaders() []string {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	names := make([]string, 0, len(loaderTab))
	for name := range loaderTab {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
