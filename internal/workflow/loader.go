package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Loader resolves workflow names to parsed definitions from a directory of
// YAML files (<name>.yaml). Parsed definitions are cached keyed by path and
// mtime, so an edited file reloads on the next run.
type Loader struct {
	dir   string
	cache *lru.Cache[string, *Workflow]
}

// NewLoader creates a loader over a workflow directory.
func NewLoader(dir string) (*Loader, error) {
	cache, err := lru.New[string, *Workflow](32)
	if err != nil {
		return nil, err
	}
	return &Loader{dir: dir, cache: cache}, nil
}

// Load resolves a workflow by name.
func (l *Loader) Load(name string) (*Workflow, error) {
	path := filepath.Join(l.dir, name+".yaml")
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", name, err)
	}
	key := fmt.Sprintf("%s@%d", path, info.ModTime().UnixNano())
	if wf, ok := l.cache.Get(key); ok {
		return wf, nil
	}
	wf, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	l.cache.Add(key, wf)
	return wf, nil
}
