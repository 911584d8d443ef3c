package shard

import (
	"strings"

	"github.com/msageha/gatekeeper/internal/model"
)

// Scope describes what an operation covers. Modules, TestSuites and Languages
// may be declared by the caller or filled in by discovery when Root is set.
type Scope struct {
	Repo       string   `yaml:"repo" json:"repo"`
	Root       string   `yaml:"root,omitempty" json:"root,omitempty"`
	Modules    []string `yaml:"modules,omitempty" json:"modules,omitempty"`
	TestSuites []string `yaml:"test_suites,omitempty" json:"test_suites,omitempty"`
	Languages  []string `yaml:"languages,omitempty" json:"languages,omitempty"`
}

type strategy func(Scope) []Shard

var strategies = map[model.OperationKind]strategy{
	model.KindAssessment: pathStrategy,
	model.KindFixPack:    moduleStrategy,
	model.KindValidation: testSuiteStrategy,
	model.KindPattern:    languageStrategy,
	model.KindRecovery:   wholeScope,
}

func strategyFor(kind model.OperationKind) strategy {
	if s, ok := strategies[kind]; ok {
		return s
	}
	return wholeScope
}

type catalogEntry struct {
	dir      string
	size     Size
	priority model.Priority
}

// pathCatalog lists conventional top-level directories; source trees rank
// above tests, tests above docs and tooling.
var pathCatalog = []catalogEntry{
	{"src", SizeLarge, model.PriorityHigh},
	{"lib", SizeMedium, model.PriorityHigh},
	{"app", SizeLarge, model.PriorityHigh},
	{"packages", SizeLarge, model.PriorityNormal},
	{"test", SizeMedium, model.PriorityNormal},
	{"tests", SizeMedium, model.PriorityNormal},
	{"docs", SizeSmall, model.PriorityLow},
	{"scripts", SizeSmall, model.PriorityLow},
	{"config", SizeSmall, model.PriorityNormal},
}

func pathStrategy(Scope) []Shard {
	out := make([]Shard, 0, len(pathCatalog))
	for _, e := range pathCatalog {
		out = append(out, Shard{
			ID:       "path:" + e.dir,
			Axis:     AxisPath,
			Priority: e.priority,
			Size:     e.size,
			Patterns: []string{e.dir + "/**"},
		})
	}
	return out
}

func moduleStrategy(s Scope) []Shard {
	if len(s.Modules) == 0 {
		return wholeScope(s)
	}
	out := make([]Shard, 0, len(s.Modules))
	for _, m := range s.Modules {
		out = append(out, Shard{
			ID:       "module:" + m,
			Axis:     AxisModule,
			Priority: model.PriorityNormal,
			Size:     SizeMedium,
			Patterns: []string{strings.TrimSuffix(m, "/") + "/**"},
		})
	}
	return out
}

var defaultTestSuites = []string{"unit", "integration", "e2e"}

var suiteTraits = map[string]catalogEntry{
	"unit":        {size: SizeSmall, priority: model.PriorityHigh},
	"integration": {size: SizeMedium, priority: model.PriorityNormal},
	"e2e":         {size: SizeLarge, priority: model.PriorityLow},
}

func testSuiteStrategy(s Scope) []Shard {
	suites := s.TestSuites
	if len(suites) == 0 {
		suites = defaultTestSuites
	}
	out := make([]Shard, 0, len(suites))
	for _, name := range suites {
		traits, ok := suiteTraits[name]
		if !ok {
			traits = catalogEntry{size: SizeMedium, priority: model.PriorityNormal}
		}
		out = append(out, Shard{
			ID:       "suite:" + name,
			Axis:     AxisTestSuite,
			Priority: traits.priority,
			Size:     traits.size,
			Patterns: []string{name},
		})
	}
	return out
}

var defaultLanguages = []string{"javascript", "typescript", "python", "go"}

var languageGlobs = map[string][]string{
	"javascript": {"**/*.js", "**/*.jsx", "**/*.mjs"},
	"typescript": {"**/*.ts", "**/*.tsx"},
	"python":     {"**/*.py"},
	"go":         {"**/*.go"},
	"rust":       {"**/*.rs"},
	"java":       {"**/*.java"},
	"ruby":       {"**/*.rb"},
}

func languageStrategy(s Scope) []Shard {
	langs := s.Languages
	if len(langs) == 0 {
		langs = defaultLanguages
	}
	out := make([]Shard, 0, len(langs))
	for _, lang := range langs {
		globs, ok := languageGlobs[lang]
		if !ok {
			globs = []string{"**/*." + lang}
		}
		out = append(out, Shard{
			ID:       "lang:" + lang,
			Axis:     AxisLanguage,
			Priority: model.PriorityNormal,
			Size:     SizeMedium,
			Patterns: append([]string(nil), globs...),
		})
	}
	return out
}

func wholeScope(Scope) []Shard {
	return []Shard{{
		ID:       "scope",
		Axis:     AxisPath,
		Priority: model.PriorityNormal,
		Size:     SizeLarge,
		Patterns: []string{"**"},
	}}
}
