package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Discover scans the immediate subdirectories of dir for skill manifests.
// Directories without a manifest are skipped silently; manifests that fail
// to parse or validate are skipped with a warning so one broken skill does
// not take down discovery. Results are sorted by skill name, and a duplicate
// skill name is an error.
func Discover(ctx context.Context, dir string, logger *slog.Logger) ([]*Manifest, error) {
	if logger == nil {
		logger = slog.Default().With("component", "skills")
	}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		logger.Debug("skills directory does not exist", "path", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat skills dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	byName := make(map[string]string)
	var manifests []*Manifest
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !entry.IsDir() {
			continue
		}

		skillPath := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(skillPath, ManifestFilename)
		if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
			continue
		}

		manifest, err := ParseManifestFile(manifestPath)
		if err != nil {
			logger.Warn("skipping broken skill", "path", skillPath, "error", err)
			continue
		}
		if prev, dup := byName[manifest.Name]; dup {
			return nil, fmt.Errorf("skill %q declared in both %s and %s", manifest.Name, prev, skillPath)
		}
		byName[manifest.Name] = skillPath
		manifests = append(manifests, manifest)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Name < manifests[j].Name
	})
	logger.Info("skills discovered", "count", len(manifests))
	return manifests, nil
}

// ParseManifestFile reads and validates a single manifest.
func ParseManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	manifest.Path = filepath.Dir(path)
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}
