// Package toolselector implements the Tool Selector: a layered filter over a
// tool catalog that narrows an agent's available tools by role, keyword
// relevance, semantic rank, and a per-turn budget, in that order. Catalog
// entries are JSON-Schema validated the same way the teacher repo validates
// registered tool schemas (registry/service.go's validateToolSchemas /
// validatePayloadJSONAgainstSchema), using santhosh-tekuri/jsonschema.
package toolselector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Tool is a single catalog entry.
	Tool struct {
		ID            string          `json:"id"`
		Name          string          `json:"name"`
		Description   string          `json:"description"`
		Tags          []string        `json:"tags"`
		PayloadSchema json.RawMessage `json:"payload_schema"`
		ResultSchema  json.RawMessage `json:"result_schema"`
		// CostWeight estimates this tool's relative contribution to a turn's
		// token/latency budget; used by budget enforcement.
		CostWeight float64 `json:"cost_weight"`
		// Source identifies which catalog (static config, a federated
		// registry) this entry came from.
		Source string `json:"source"`
	}

	// Catalog supplies the full candidate tool set for selection.
	Catalog interface {
		List(ctx context.Context) ([]Tool, error)
	}

	// Ranker scores candidates against a free-text task description; higher
	// is more relevant. The default keywordRanker is a pure lexical-overlap
	// heuristic; a provider-backed Ranker can be substituted for embedding or
	// LLM-judged relevance without changing Select's layering.
	Ranker interface {
		Rank(ctx context.Context, task string, candidates []Tool) ([]ScoredTool, error)
	}

	// ScoredTool pairs a candidate with its relevance score.
	ScoredTool struct {
		Tool  Tool
		Score float64
	}

	// Request parameterizes one Select call.
	Request struct {
		// Role gates which tags are visible at all (RoleAllowedTags).
		Role string
		// Task is the free-text description semantic ranking scores against.
		Task string
		// Tags, when non-empty, further gates the role-filtered candidate set
		// to tools carrying at least one of these tags. This is the workflow
		// template's per-node Node.ToolTags gate (spec.md §4.6 step 1's
		// "role prefilter" applied a second time at node granularity, since a
		// single agent role may service nodes that should each see a
		// narrower slice of its allowed tools).
		Tags []string
		// MaxTools caps the number of tools returned after ranking.
		MaxTools int
		// MaxCost caps the summed CostWeight of returned tools; zero means
		// unbounded.
		MaxCost float64
	}

	// Selector applies the role/keyword/semantic/budget pipeline.
	Selector struct {
		catalog         Catalog
		ranker          Ranker
		roleAllowedTags map[string][]string
	}
)

// New returns a Selector drawing candidates from catalog, ranking with
// ranker (or a lexical-overlap default if nil), and gating tags per
// roleAllowedTags (a role with no entry sees every tag).
func New(catalog Catalog, ranker Ranker, roleAllowedTags map[string][]string) *Selector {
	if ranker == nil {
		ranker = keywordRanker{}
	}
	return &Selector{catalog: catalog, ranker: ranker, roleAllowedTags: roleAllowedTags}
}

// staticCatalog is a fixed, already-validated Tool list — the shape
// spec.md §4.6 describes ("immutable for the life of the process").
type staticCatalog []Tool

func (c staticCatalog) List(context.Context) ([]Tool, error) { return []Tool(c), nil }

// UnionCatalog merges multiple Catalogs (e.g. the static config catalog and
// one or more federation.Client.AsCatalog() peers) into a single Catalog,
// tagging every entry's Source with the index of the catalog that produced
// it when the entry doesn't already carry one, so a Selector's results stay
// traceable back to their origin the way registry/federation's tools arrive
// already Source-tagged by the peer that registered them.
type UnionCatalog []Catalog

// List concatenates every member catalog's List result, failing closed if
// any member errors — a federated peer being unreachable should not silently
// shrink the tool set a task's risk assessment was computed against.
func (u UnionCatalog) List(ctx context.Context) ([]Tool, error) {
	var all []Tool
	for i, c := range u {
		tools, err := c.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("toolselector: union member %d: %w", i, err)
		}
		start := len(all)
		all = append(all, tools...)
		for j := start; j < len(all); j++ {
			if all[j].Source == "" {
				all[j].Source = fmt.Sprintf("%d", i)
			}
		}
	}
	return all, nil
}

// LoadStaticCatalog reads a JSON array of Tool entries from path (the file
// config.Config.ToolCatalogPath names), validates every entry's schemas via
// ValidateCatalog, and returns a Catalog serving that fixed list for the
// life of the process.
func LoadStaticCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("toolselector: read catalog %s: %w", path, err)
	}
	var tools []Tool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("toolselector: parse catalog %s: %w", path, err)
	}
	if err := ValidateCatalog(tools); err != nil {
		return nil, fmt.Errorf("toolselector: catalog %s: %w", path, err)
	}
	return staticCatalog(tools), nil
}

// Select runs the full role -> keyword -> semantic-rank -> budget pipeline
// and returns the final tool list, in descending relevance order.
func (s *Selector) Select(ctx context.Context, req Request) ([]Tool, error) {
	all, err := s.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("toolselector: list catalog: %w", err)
	}

	byRole := s.filterByRole(all, req.Role)
	byTags := filterByTags(byRole, req.Tags)
	byKeyword := filterByKeyword(byTags, req.Task)

	scored, err := s.ranker.Rank(ctx, req.Task, byKeyword)
	if err != nil {
		return nil, fmt.Errorf("toolselector: rank: %w", err)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	return enforceBudget(scored, req.MaxTools, req.MaxCost), nil
}

func (s *Selector) filterByRole(tools []Tool, role string) []Tool {
	allowedTags, restricted := s.roleAllowedTags[role]
	if !restricted {
		return tools
	}
	allowed := make(map[string]struct{}, len(allowedTags))
	for _, t := range allowedTags {
		allowed[t] = struct{}{}
	}
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		for _, tag := range t.Tags {
			if _, ok := allowed[tag]; ok {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// filterByTags keeps only tools carrying at least one of tags. An empty
// tags list is a no-op (the node declared no narrower gate than its role).
func filterByTags(tools []Tool, tags []string) []Tool {
	if len(tags) == 0 {
		return tools
	}
	wanted := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		wanted[tag] = struct{}{}
	}
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		for _, tag := range t.Tags {
			if _, ok := wanted[tag]; ok {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// filterByKeyword drops tools that score zero on lexical overlap with task,
// a cheap prefilter before the (potentially expensive) semantic ranker runs.
// An empty task matches everything.
func filterByKeyword(tools []Tool, task string) []Tool {
	if strings.TrimSpace(task) == "" {
		return tools
	}
	words := tokenize(task)
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if overlapScore(words, t) > 0 {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		// No lexical overlap at all: fall back to the full candidate set
		// rather than returning nothing to rank.
		return tools
	}
	return out
}

func enforceBudget(scored []ScoredTool, maxTools int, maxCost float64) []Tool {
	out := make([]Tool, 0, len(scored))
	var cost float64
	for _, st := range scored {
		if maxTools > 0 && len(out) >= maxTools {
			break
		}
		if maxCost > 0 && cost+st.Tool.CostWeight > maxCost {
			continue
		}
		out = append(out, st.Tool)
		cost += st.Tool.CostWeight
	}
	return out
}

type keywordRanker struct{}

func (keywordRanker) Rank(_ context.Context, task string, candidates []Tool) ([]ScoredTool, error) {
	words := tokenize(task)
	out := make([]ScoredTool, 0, len(candidates))
	for _, t := range candidates {
		out = append(out, ScoredTool{Tool: t, Score: overlapScore(words, t)})
	}
	return out, nil
}

func tokenize(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(w, ".,!?:;\"'()")] = struct{}{}
	}
	return set
}

func overlapScore(words map[string]struct{}, t Tool) float64 {
	haystack := tokenize(t.Name + " " + t.Description + " " + strings.Join(t.Tags, " "))
	var score float64
	for w := range words {
		if _, ok := haystack[w]; ok {
			score++
		}
	}
	return score
}

// ValidateCatalog checks that every tool's PayloadSchema and ResultSchema are
// well-formed JSON Schema documents, compiling each with jsonschema so a
// malformed catalog entry is rejected at load time rather than at first
// invocation.
func ValidateCatalog(tools []Tool) error {
	for _, t := range tools {
		if t.ID == "" {
			return fmt.Errorf("toolselector: tool missing id")
		}
		if len(t.PayloadSchema) == 0 {
			return fmt.Errorf("toolselector: tool %q: payload schema is required", t.ID)
		}
		if err := compileSchema(t.PayloadSchema); err != nil {
			return fmt.Errorf("toolselector: tool %q: invalid payload schema: %w", t.ID, err)
		}
		if len(t.ResultSchema) > 0 {
			if err := compileSchema(t.ResultSchema); err != nil {
				return fmt.Errorf("toolselector: tool %q: invalid result schema: %w", t.ID, err)
			}
		}
	}
	return nil
}

func compileSchema(schemaBytes json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}

// ValidatePayload validates payload against a tool's PayloadSchema.
func ValidatePayload(t Tool, payload json.RawMessage) error {
	if len(t.PayloadSchema) == 0 {
		return nil
	}
	var schemaDoc any
	if err := json.Unmarshal(t.PayloadSchema, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	var payloadDoc any
	if err := json.Unmarshal(payload, &payloadDoc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return schema.Validate(payloadDoc)
}
