package shard

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/gatekeeper/internal/model"
)

// Plan is the shard decomposition of one operation.
type Plan struct {
	ID        string              `yaml:"id" json:"id"`
	Kind      model.OperationKind `yaml:"kind" json:"kind"`
	Repo      string              `yaml:"repo" json:"repo"`
	Shards    []Shard             `yaml:"shards" json:"shards"`
	CreatedAt time.Time           `yaml:"created_at" json:"created_at"`
}

// Discovery is what a checkout walk found.
type Discovery struct {
	Modules   []string `yaml:"modules" json:"modules"`
	Languages []string `yaml:"languages" json:"languages"`
}

// Planner builds sharding plans. It is safe for concurrent use.
type Planner struct {
	maxShards int
	cache     *expirable.LRU[string, Discovery]
	group     singleflight.Group
	now       func() time.Time
}

func NewPlanner(cfg model.ShardingConfig) *Planner {
	maxShards := cfg.MaxShards
	if maxShards <= 0 {
		maxShards = 5
	}
	size := cfg.DiscoveryCacheSize
	if size <= 0 {
		size = 64
	}
	ttl := cfg.DiscoveryTTL()
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Planner{
		maxShards: maxShards,
		cache:     expirable.NewLRU[string, Discovery](size, nil, ttl),
		now:       time.Now,
	}
}

func (p *Planner) MaxShards() int { return p.maxShards }

// CreateShardingPlan selects a strategy by kind and optimizes the result down
// to the concurrency ceiling. Shards are deterministic for equal input; only
// the plan id and timestamp vary.
func (p *Planner) CreateShardingPlan(kind model.OperationKind, scope Scope) (Plan, error) {
	now := p.now()
	id, err := model.GenerateIDAt(model.IDTypePlan, now)
	if err != nil {
		return Plan{}, fmt.Errorf("generate plan id: %w", err)
	}
	shards := OptimizeShards(strategyFor(kind)(scope), p.maxShards)
	return Plan{ID: id, Kind: kind, Repo: scope.Repo, Shards: shards, CreatedAt: now}, nil
}

// PlanFor fills undeclared modules and languages from the checkout at
// scope.Root before planning.
func (p *Planner) PlanFor(ctx context.Context, kind model.OperationKind, scope Scope) (Plan, error) {
	if scope.Root != "" && (len(scope.Modules) == 0 || len(scope.Languages) == 0) {
		d, err := p.Discover(ctx, scope.Root)
		if err != nil {
			return Plan{}, err
		}
		if len(scope.Modules) == 0 {
			scope.Modules = d.Modules
		}
		if len(scope.Languages) == 0 {
			scope.Languages = d.Languages
		}
	}
	return p.CreateShardingPlan(kind, scope)
}

// Discover walks root for manifest files and source extensions. Concurrent
// calls for the same root share one walk and results are cached until the TTL.
func (p *Planner) Discover(ctx context.Context, root string) (Discovery, error) {
	root = filepath.Clean(root)
	if d, ok := p.cache.Get(root); ok {
		return d, nil
	}
	v, err, _ := p.group.Do(root, func() (interface{}, error) {
		d, err := discover(ctx, root)
		if err != nil {
			return nil, err
		}
		p.cache.Add(root, d)
		return d, nil
	})
	if err != nil {
		return Discovery{}, err
	}
	return v.(Discovery), nil
}

var manifests = map[string]bool{
	"go.mod":         true,
	"package.json":   true,
	"pyproject.toml": true,
	"Cargo.toml":     true,
	"pom.xml":        true,
}

var extLanguages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
}

var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
}

func discover(ctx context.Context, root string) (Discovery, error) {
	modules := make(map[string]bool)
	langs := make(map[string]bool)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if manifests[name] {
			rel, relErr := filepath.Rel(root, filepath.Dir(path))
			if relErr == nil && rel != "." {
				modules[filepath.ToSlash(rel)] = true
			}
		}
		if lang, ok := extLanguages[filepath.Ext(name)]; ok {
			langs[lang] = true
		}
		return nil
	})
	if err != nil {
		return Discovery{}, fmt.Errorf("discover %s: %w", root, err)
	}
	return Discovery{Modules: sortedKeys(modules), Languages: sortedKeys(langs)}, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
