// Package skills loads reusable instruction bundles from disk. A skill lives in
// <dir>/<id>/skill.yaml and names instruction files relative to that directory.
package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"gopkg.in/yaml.v3"

	"agentd/pkg/logx"
)

// ManifestFilename is the per-skill definition file.
const ManifestFilename = "skill.yaml"

// DefaultCacheMaxCost bounds cached instruction text, in bytes.
const DefaultCacheMaxCost = 16 << 20

// ErrSkillNotFound is returned for an unknown id.
var ErrSkillNotFound = errors.New("skill not found")

// Skill is one loaded skill.
type Skill struct {
	ID               string   `yaml:"-" json:"id"`
	Name             string   `yaml:"name" json:"name"`
	Description      string   `yaml:"description,omitempty" json:"description,omitempty"`
	InstructionFiles []string `yaml:"instruction_files" json:"instruction_files"`
	// Instructions is the concatenated content of InstructionFiles.
	Instructions string `yaml:"-" json:"instructions,omitempty"`
}

// Provider reads skills from a directory and caches them.
type Provider struct {
	dir    string
	cache  *ristretto.Cache[string, Skill]
	logger *logx.Logger
}

// NewProvider creates a provider for dir. maxCost bounds the cache in bytes.
func NewProvider(dir string, maxCost int64) (*Provider, error) {
	if maxCost <= 0 {
		maxCost = DefaultCacheMaxCost
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, Skill]{
		NumCounters: maxCost / 100 * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create skill cache: %w", err)
	}
	return &Provider{dir: dir, cache: c, logger: logx.NewLogger("skills")}, nil
}

// Close releases the cache.
func (p *Provider) Close() {
	p.cache.Close()
}

// GetSkill returns skill id with its instruction text loaded.
func (p *Provider) GetSkill(ctx context.Context, id string) (Skill, error) {
	if s, ok := p.cache.Get(id); ok {
		logx.Debug(ctx, "skills", "cache hit for %s", id)
		return s, nil
	}

	s, err := p.load(id)
	if err != nil {
		return Skill{}, err
	}
	p.cache.Set(id, s, int64(len(s.Instructions))+1)
	p.cache.Wait()
	return s, nil
}

// Invalidate drops id from the cache so the next GetSkill rereads it.
func (p *Provider) Invalidate(id string) {
	p.cache.Del(id)
}

// List returns the ids of every skill directory with a manifest, sorted.
func (p *Provider) List() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(p.dir, e.Name(), ManifestFilename)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Provider) load(id string) (Skill, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return Skill{}, fmt.Errorf("%w: invalid id %q", ErrSkillNotFound, id)
	}
	skillDir := filepath.Join(p.dir, id)

	data, err := os.ReadFile(filepath.Join(skillDir, ManifestFilename))
	if errors.Is(err, fs.ErrNotExist) {
		return Skill{}, fmt.Errorf("%w: %s", ErrSkillNotFound, id)
	}
	if err != nil {
		return Skill{}, fmt.Errorf("read skill %s: %w", id, err)
	}

	var s Skill
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Skill{}, fmt.Errorf("parse skill %s: %w", id, err)
	}
	s.ID = id
	if s.Name == "" {
		s.Name = id
	}

	parts := make([]string, 0, len(s.InstructionFiles))
	for _, rel := range s.InstructionFiles {
		path := filepath.Join(skillDir, filepath.Clean(rel))
		if r, err := filepath.Rel(skillDir, path); err != nil || strings.HasPrefix(r, "..") {
			return Skill{}, fmt.Errorf("skill %s: instruction file %q is outside the skill directory", id, rel)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return Skill{}, fmt.Errorf("skill %s: read %s: %w", id, rel, err)
		}
		parts = append(parts, strings.TrimRight(string(content), "\n"))
	}
	s.Instructions = strings.Join(parts, "\n\n")

	p.logger.Info("📚 Loaded skill %s (%d instruction files)", id, len(s.InstructionFiles))
	return s, nil
}
