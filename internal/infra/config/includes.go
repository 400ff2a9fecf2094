package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includer overlays the files named by a config's includes list, depth
// first, refusing cycles and paths outside the including file's directory.
type includer struct {
	rootDir string
	visited map[string]bool
}

func newIncluder(rootPath string) *includer {
	return &includer{
		rootDir: filepath.Dir(rootPath),
		visited: map[string]bool{rootPath: true},
	}
}

func (in *includer) apply(cfg *Config) error {
	return in.walk(cfg, cfg.Includes, in.rootDir, 0)
}

func (in *includer) walk(cfg *Config, patterns []string, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	for _, pattern := range patterns {
		paths, err := expandInclude(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if in.visited[abs] {
				return fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			in.visited[abs] = true

			nested, err := overlay(cfg, abs)
			if err != nil {
				return err
			}
			if len(nested) > 0 {
				if err := in.walk(cfg, nested, filepath.Dir(abs), depth+1); err != nil {
					return err
				}
			}
		}
	}
	cfg.Includes = nil
	return nil
}

// expandInclude resolves a possibly-globbed pattern against baseDir.
// A literal path that does not exist is returned as-is so overlay can
// report it; a glob that matches nothing is not an error.
func expandInclude(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	return matches, nil
}

// overlay unmarshals path onto cfg and returns the includes it declared.
func overlay(cfg *Config, path string) ([]string, error) {
	if err := validatePermissions(path); err != nil {
		return nil, fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	cfg.Includes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	nested := cfg.Includes
	cfg.Includes = nil
	return nested, nil
}
