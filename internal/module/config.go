package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSystemDir = "/etc/calamares"
	DefaultDataDir   = "/usr/share/calamares"
)

// ConfigPaths decides where the configuration file of a module instance
// is searched for.
type ConfigPaths struct {
	// Override replaces every other location when set.
	Override string
	// Debug adds the source tree layout relative to WorkDir.
	Debug     bool
	WorkDir   string
	ExtraDirs []string
	SystemDir string
	DataDir   string
}

// Candidates returns the ordered list of paths for a configuration file.
// The first one which exists and can be read wins.
func (p ConfigPaths) Candidates(moduleName, fileName string) []string {
	if p.Override != "" {
		return []string{filepath.Join(p.Override, "modules", fileName)}
	}

	var paths []string
	if p.Debug {
		workDir := p.WorkDir
		if workDir == "" {
			workDir, _ = os.Getwd()
		}
		if strings.HasPrefix(fileName, "/") {
			paths = append(paths, fileName)
		}
		paths = append(paths, filepath.Join(workDir, "src", "modules", moduleName, fileName))
		if strings.Contains(fileName, "/") && !filepath.IsAbs(fileName) {
			paths = append(paths, filepath.Join(workDir, fileName))
		}
	}

	for _, dir := range p.ExtraDirs {
		paths = append(paths, filepath.Join(dir, "modules", fileName))
	}

	systemDir := p.SystemDir
	if systemDir == "" {
		systemDir = DefaultSystemDir
	}
	dataDir := p.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	paths = append(paths,
		filepath.Join(systemDir, "modules", fileName),
		filepath.Join(dataDir, "modules", fileName),
	)
	return paths
}

// loadConfiguration resolves the configuration of a module instance.
// A missing file, an empty document or a document which is not a mapping
// all result in an empty configuration; only a YAML syntax error fails.
func (p ConfigPaths) loadConfiguration(ctx context.Context, moduleName, fileName string) (map[string]any, error) {
	candidates := p.Candidates(moduleName, fileName)
	for _, path := range candidates {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			_ = f.Close()
			continue
		}
		config, err := decodeConfiguration(ctx, path, f)
		_ = f.Close()
		return config, err
	}
	slog.DebugContext(ctx, "no config file found", "module", moduleName, "candidates", candidates)
	return map[string]any{}, nil
}

func decodeConfiguration(ctx context.Context, path string, r io.Reader) (map[string]any, error) {
	var doc yaml.Node
	err := yaml.NewDecoder(r).Decode(&doc)
	if errors.Is(err, io.EOF) {
		slog.DebugContext(ctx, "found empty module configuration", "path", path)
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBadConfiguration, path, err)
	}

	node := &doc
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		slog.DebugContext(ctx, "found empty module configuration", "path", path)
		return map[string]any{}, nil
	}
	if node.Kind != yaml.MappingNode {
		slog.WarnContext(ctx, "bad module configuration format", "path", path)
		return map[string]any{}, nil
	}

	var config map[string]any
	if err := node.Decode(&config); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBadConfiguration, path, err)
	}
	if config == nil {
		config = map[string]any{}
	}
	slog.DebugContext(ctx, "loaded module configuration", "path", path)
	return config, nil
}
