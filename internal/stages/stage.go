package stages

import (
	"fmt"

	"github.com/feichai0017/docflow/internal/models"
)

// Scope says whether a stage operates on one page or on the whole
// document.
type Scope string

const (
	ScopePage     Scope = "page"
	ScopeDocument Scope = "document"
)

// Descriptor declares one stage: its scope, its dependencies and
// whether the current configuration enables it. The stage graph is
// resolved once per document instead of branching ad hoc inside the
// orchestrator.
type Descriptor struct {
	Name      models.StageName
	Scope     Scope
	DependsOn []models.StageName
	Enabled   bool
}

// Graph is the dependency-ordered stage list for one document run.
type Graph struct {
	stages []Descriptor
}

// Resolve builds the stage graph for a configuration and returns it in
// topological order. The consolidator is always present: without a
// consolidated text body there is no meaningful artifact.
func Resolve(cfg models.StageConfig) (*Graph, error) {
	descriptors := []Descriptor{
		{Name: models.StageTextNormalizer, Scope: ScopePage, Enabled: cfg.ProcessText},
		{Name: models.StageVisualAnalyzer, Scope: ScopePage, Enabled: cfg.ProcessImages},
		{Name: models.StageTableExtractor, Scope: ScopePage, Enabled: cfg.ProcessTables},
		{
			Name:    models.StageConsolidator,
			Scope:   ScopeDocument,
			Enabled: true,
			DependsOn: []models.StageName{
				models.StageTextNormalizer,
				models.StageVisualAnalyzer,
				models.StageTableExtractor,
			},
		},
		{
			Name:      models.StageCondenser,
			Scope:     ScopeDocument,
			Enabled:   cfg.GenerateCondensedText,
			DependsOn: []models.StageName{models.StageConsolidator},
		},
		{
			Name:      models.StageTOCBuilder,
			Scope:     ScopeDocument,
			Enabled:   cfg.GenerateTableOfContents,
			DependsOn: []models.StageName{models.StageConsolidator},
		},
	}
	ordered, err := sortStages(descriptors)
	if err != nil {
		return nil, err
	}
	return &Graph{stages: ordered}, nil
}

// sortStages orders descriptors so every stage follows its
// dependencies (Kahn's algorithm). Dependencies on disabled stages are
// satisfied trivially: a disabled stage is terminal by definition.
func sortStages(descriptors []Descriptor) ([]Descriptor, error) {
	byName := make(map[models.StageName]Descriptor, len(descriptors))
	indegree := make(map[models.StageName]int, len(descriptors))
	dependents := make(map[models.StageName][]models.StageName)

	for _, d := range descriptors {
		byName[d.Name] = d
		indegree[d.Name] = 0
	}
	for _, d := range descriptors {
		for _, dep := range d.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("stage %s depends on unknown stage %s", d.Name, dep)
			}
			indegree[d.Name]++
			dependents[dep] = append(dependents[dep], d.Name)
		}
	}

	var ready []models.StageName
	for _, d := range descriptors {
		if indegree[d.Name] == 0 {
			ready = append(ready, d.Name)
		}
	}

	ordered := make([]Descriptor, 0, len(descriptors))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(ordered) != len(descriptors) {
		return nil, fmt.Errorf("stage graph contains a dependency cycle")
	}
	return ordered, nil
}

// PageStages returns the enabled per-page stages in order.
func (g *Graph) PageStages() []Descriptor {
	var out []Descriptor
	for _, d := range g.stages {
		if d.Scope == ScopePage && d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// DisabledPageStages returns per-page stages switched off by
// configuration; the orchestrator records a skipped result for each.
func (g *Graph) DisabledPageStages() []Descriptor {
	var out []Descriptor
	for _, d := range g.stages {
		if d.Scope == ScopePage && !d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// DocumentStages returns the enabled document-level stages in
// dependency order.
func (g *Graph) DocumentStages() []Descriptor {
	var out []Descriptor
	for _, d := range g.stages {
		if d.Scope == ScopeDocument && d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Enabled reports whether a stage is enabled in this graph.
func (g *Graph) Enabled(name models.StageName) bool {
	for _, d := range g.stages {
		if d.Name == name {
			return d.Enabled
		}
	}
	return false
}

// EnabledNames lists every enabled stage in order, for provenance.
func (g *Graph) EnabledNames() []models.StageName {
	var out []models.StageName
	for _, d := range g.stages {
		if d.Enabled {
			out = append(out, d.Name)
		}
	}
	return out
}
