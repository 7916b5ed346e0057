// Package resultprocessor clusters and ranks the findings the validator
// persisted per task into the final, deduplicated record set (spec.md
// section 4.I): group by business flow, split oversized groups, run
// iterative LLM clustering rounds per group with bounded parallelism, then
// pick each cluster's representative and severity.
package resultprocessor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cascadehq/auditengine/internal/llm"
	"github.com/cascadehq/auditengine/internal/model"
	"github.com/cascadehq/auditengine/internal/ratelimit"
)

// Config bounds group size, clustering-round count, and worker pool size.
type Config struct {
	MaxGroupSize     int
	ClusteringRounds int
	MaxWorkers       int
	TargetLanguage   string // empty disables the optional translation step
}

func (c Config) withDefaults() Config {
	if c.MaxGroupSize <= 0 {
		c.MaxGroupSize = 8
	}
	if c.ClusteringRounds <= 0 {
		c.ClusteringRounds = 2
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	return c
}

// FindingStore is the subset of internal/store.Store the processor needs.
type FindingStore interface {
	GetFindingsByTask(ctx context.Context, projectID string) ([]model.Finding, error)
	UpdateFindingCluster(ctx context.Context, findingID, clusterID string) error
}

// Processor runs the clustering pipeline for a project's findings.
type Processor struct {
	cfg       Config
	store     FindingStore
	llmClient llm.LLMClient
	newID     func() string
}

// New builds a Processor. newID generates cluster ids; a nil llmClient
// disables clustering rounds and translation (every finding becomes its
// own singleton cluster).
func New(cfg Config, store FindingStore, llmClient llm.LLMClient, newID func() string) *Processor {
	if newID == nil {
		newID = defaultClusterIDGenerator()
	}
	return &Processor{cfg: cfg.withDefaults(), store: store, llmClient: llmClient, newID: newID}
}

// Process loads a project's findings, clusters them, persists the cluster
// assignment on every finding, and returns the final cluster records.
func (p *Processor) Process(ctx context.Context, projectID string) ([]model.Cluster, error) {
	findings, err := p.store.GetFindingsByTask(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("resultprocessor: load findings for %s: %w", projectID, err)
	}
	if len(findings) == 0 {
		return nil, nil
	}

	groups := p.groupByFlow(findings)
	groups = p.splitOversizedGroups(groups)

	uf := newUnionFind(findings)
	if p.llmClient != nil {
		for round := 0; round < p.cfg.ClusteringRounds; round++ {
			if err := p.runClusteringRound(ctx, groups, uf); err != nil {
				return nil, err
			}
		}
	}

	clusters := p.buildClusters(findings, uf)

	if p.cfg.TargetLanguage != "" && p.llmClient != nil {
		if err := p.translate(ctx, clusters, findings); err != nil {
			return nil, err
		}
	}

	for _, cluster := range clusters {
		for _, fid := range cluster.FindingIDs {
			if err := p.store.UpdateFindingCluster(ctx, fid, cluster.ID); err != nil {
				return nil, fmt.Errorf("resultprocessor: assign cluster for finding %s: %w", fid, err)
			}
		}
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID < clusters[j].ID })
	return clusters, nil
}

// groupByFlow buckets findings sharing a business flow into one candidate
// cluster group; findings with no flow (FILE/FUNCTION scan modes) are
// grouped by their originating task instead, since only same-task findings
// plausibly describe the same underlying issue.
func (p *Processor) groupByFlow(findings []model.Finding) map[string][]model.Finding {
	groups := make(map[string][]model.Finding)
	for _, f := range findings {
		key := f.FlowID
		if key == "" {
			key = "task:" + f.TaskID
		}
		groups[key] = append(groups[key], f)
	}
	return groups
}

// splitOversizedGroups breaks any group exceeding MaxGroupSize into
// contiguous chunks, each within the configured size so the next step's
// prompt stays within the LLM's context window.
func (p *Processor) splitOversizedGroups(groups map[string][]model.Finding) map[string][]model.Finding {
	out := make(map[string][]model.Finding, len(groups))
	for key, members := range groups {
		if len(members) <= p.cfg.MaxGroupSize {
			out[key] = members
			continue
		}
		for i := 0; i < len(members); i += p.cfg.MaxGroupSize {
			end := i + p.cfg.MaxGroupSize
			if end > len(members) {
				end = len(members)
			}
			out[fmt.Sprintf("%s#%d", key, i/p.cfg.MaxGroupSize)] = members[i:end]
		}
	}
	return out
}

type clusterGroupsResponse struct {
	Groups [][]string `json:"groups"`
}

// runClusteringRound asks an LLM, per group, to identify semantically
// equivalent findings and unions every returned sub-group into uf. Groups
// are processed in parallel with a bounded worker pool; merges across
// rounds are monotonic because union-find only ever merges sets, never
// splits them.
func (p *Processor) runClusteringRound(ctx context.Context, groups map[string][]model.Finding, uf *unionFind) error {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sem := ratelimit.NewSemaphore(p.cfg.MaxWorkers)
	var wg sync.WaitGroup
	errCh := make(chan error, len(keys))
	var mu sync.Mutex

	for _, key := range keys {
		members := groups[key]
		if len(members) < 2 {
			continue
		}
		wg.Add(1)
		go func(members []model.Finding) {
			defer wg.Done()
			if err := sem.Acquire(ctx); err != nil {
				errCh <- err
				return
			}
			defer sem.Release()

			resp, err := p.clusterGroup(ctx, members)
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			for _, sameGroup := range resp.Groups {
				for i := 1; i < len(sameGroup); i++ {
					uf.union(sameGroup[0], sameGroup[i])
				}
			}
			mu.Unlock()
		}(members)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return fmt.Errorf("resultprocessor: clustering round: %w", err)
		}
	}
	return nil
}

func (p *Processor) clusterGroup(ctx context.Context, members []model.Finding) (clusterGroupsResponse, error) {
	var b strings.Builder
	b.WriteString("Identify which of the following findings describe the same underlying issue. Respond with a JSON object {\"groups\": [[\"id1\",\"id2\"], [\"id3\"]]} where each inner list is a set of finding ids that are semantically equivalent; a finding with no equivalent gets its own singleton list.\n\n")
	for _, f := range members {
		fmt.Fprintf(&b, "id=%s title=%q description=%q severity=%s\n", f.ID, f.Title, f.Description, f.Severity)
	}

	obj, err := llm.CompleteJSON(ctx, p.llmClient, b.String(), llm.ClusterGroupsSchema, nil)
	if err != nil {
		return clusterGroupsResponse{}, llm.Wrap(err, p.llmClient.GetModelName(), "resultprocessor: cluster group", llm.DetectErrorCategory(err, 0))
	}

	var resp clusterGroupsResponse
	raw, ok := obj["groups"].([]interface{})
	if !ok {
		return clusterGroupsResponse{}, nil
	}
	for _, g := range raw {
		ids, ok := g.([]interface{})
		if !ok {
			continue
		}
		var group []string
		for _, id := range ids {
			if s, ok := id.(string); ok {
				group = append(group, s)
			}
		}
		if len(group) > 0 {
			resp.Groups = append(resp.Groups, group)
		}
	}
	return resp, nil
}

// buildClusters assembles one model.Cluster per union-find component,
// choosing the representative by highest confidence then longest
// description, and the cluster severity as the max across members.
func (p *Processor) buildClusters(findings []model.Finding, uf *unionFind) []model.Cluster {
	byID := make(map[string]model.Finding, len(findings))
	for _, f := range findings {
		byID[f.ID] = f
	}

	components := make(map[string][]string)
	for _, f := range findings {
		root := uf.find(f.ID)
		components[root] = append(components[root], f.ID)
	}

	roots := make([]string, 0, len(components))
	for root := range components {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	clusters := make([]model.Cluster, 0, len(components))
	for _, root := range roots {
		memberIDs := components[root]
		sort.Strings(memberIDs)
		severity := model.SeverityInfo
		var representative string
		for _, id := range memberIDs {
			f := byID[id]
			severity = model.MaxSeverity(severity, f.Severity)
			if representative == "" || isBetterRepresentative(f, byID[representative]) {
				representative = id
			}
		}
		clusters = append(clusters, model.Cluster{
			ID:               p.newID(),
			FindingIDs:       memberIDs,
			RepresentativeID: representative,
			Severity:         severity,
		})
	}
	return clusters
}

func isBetterRepresentative(candidate, current model.Finding) bool {
	if candidate.Confidence != current.Confidence {
		return candidate.Confidence > current.Confidence
	}
	return len(candidate.Description) > len(current.Description)
}

// translate rewrites each cluster's representative finding's title and
// description into the configured target language via the LLM, leaving
// code excerpts untouched.
func (p *Processor) translate(ctx context.Context, clusters []model.Cluster, findings []model.Finding) error {
	byID := make(map[string]model.Finding, len(findings))
	for _, f := range findings {
		byID[f.ID] = f
	}

	for i := range clusters {
		rep, ok := byID[clusters[i].RepresentativeID]
		if !ok {
			continue
		}
		prompt := fmt.Sprintf("Translate the following title and description to %s. Preserve meaning exactly; do not translate code. Respond with a JSON object {\"title\":\"\",\"description\":\"\"}.\n\ntitle: %s\ndescription: %s",
			p.cfg.TargetLanguage, rep.Title, rep.Description)
		obj, err := llm.CompleteJSON(ctx, p.llmClient, prompt, llm.TranslationSchema, nil)
		if err != nil {
			return llm.Wrap(err, p.llmClient.GetModelName(), "resultprocessor: translate cluster", llm.DetectErrorCategory(err, 0))
		}
		if title, ok := obj["title"].(string); ok {
			rep.Title = title
		}
		if desc, ok := obj["description"].(string); ok {
			rep.Description = desc
		}
		byID[clusters[i].RepresentativeID] = rep
	}
	return nil
}

// unionFind is a plain disjoint-set over finding ids, used so repeated
// clustering rounds merge groups monotonically: once two findings are
// joined, no later round can split them apart again.
type unionFind struct {
	parent map[string]string
}

func newUnionFind(findings []model.Finding) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(findings))}
	for _, f := range findings {
		uf.parent[f.ID] = f.ID
	}
	return uf
}

func (uf *unionFind) find(id string) string {
	root, ok := uf.parent[id]
	if !ok {
		return id
	}
	if root == id {
		return id
	}
	resolved := uf.find(root)
	uf.parent[id] = resolved
	return resolved
}

func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	uf.parent[ra] = rb
}

func defaultClusterIDGenerator() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("cluster-%d", n)
	}
}
