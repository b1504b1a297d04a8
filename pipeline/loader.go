package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/kbukum/flowrun/errors"
)

// Loader loads pipeline definitions by name.
type Loader interface {
	Load(name string) (*Pipeline, error)
}

// FileLoader loads pipelines from YAML files on disk.
type FileLoader struct {
	dirs []string
}

// NewFileLoader creates a loader that searches the given directories for
// {name}.yaml or {name}.yml, one level of subdirectories included.
func NewFileLoader(dirs ...string) *FileLoader {
	return &FileLoader{dirs: dirs}
}

// Load searches the configured directories for a pipeline by name.
func (l *FileLoader) Load(name string) (*Pipeline, error) {
	for _, dir := range l.dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, name+ext)
			if p, err := loadFile(path); err == nil {
				return p, nil
			}

			matches, _ := filepath.Glob(filepath.Join(dir, "*", name+ext))
			for _, match := range matches {
				if p, err := loadFile(match); err == nil {
					return p, nil
				}
			}
		}
	}
	return nil, errors.Configuration(fmt.Sprintf("pipeline %q not found in %v", name, l.dirs))
}

// LoadFile loads a pipeline from an explicit path.
func LoadFile(path string) (*Pipeline, error) {
	return loadFile(path)
}

func loadFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Configuration(fmt.Sprintf("parsing %s: %v", path, err))
	}
	if p.Name == "" {
		base := filepath.Base(path)
		p.Name = base[:len(base)-len(filepath.Ext(base))]
	}
	return &p, nil
}

// Resolve flattens a pipeline's include tree into a single definition.
// Includes resolve depth-first with cycle detection; diamond includes are
// deduplicated, first definition wins.
func Resolve(p *Pipeline, loader Loader) (*Pipeline, error) {
	stack := make(map[string]bool)
	resolved := make(map[string]bool)
	if err := resolve(p, loader, stack, resolved); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func resolve(p *Pipeline, loader Loader, stack, resolved map[string]bool) error {
	if stack[p.Name] {
		return errors.Configuration(fmt.Sprintf("circular include involving pipeline %q", p.Name))
	}
	stack[p.Name] = true
	defer delete(stack, p.Name)

	for _, name := range p.Includes {
		if resolved[name] {
			continue
		}
		sub, err := loader.Load(name)
		if err != nil {
			return errors.Configuration(fmt.Sprintf("loading include %q: %v", name, err))
		}
		if err := resolve(sub, loader, stack, resolved); err != nil {
			return err
		}
		if err := p.merge(sub); err != nil {
			return err
		}
	}

	resolved[p.Name] = true
	return nil
}
