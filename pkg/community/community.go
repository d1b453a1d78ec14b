// Package community derives clusters of densely-connected entities from a
// graph snapshot. Detection is a pure function: connected components over
// active-fact adjacency, then a few rounds of label propagation to split
// large loosely-connected components into tighter groups. Results are
// recomputed from scratch each run and persisted wholesale, never patched.
package community

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nous-labs/engram/internal/fsjson"
	"github.com/nous-labs/engram/pkg/graph"
)

const (
	communitiesFile = "communities.jsonl"

	// propagationRounds bounds label propagation; it usually converges in
	// two or three rounds on these graph sizes.
	propagationRounds = 5

	// minComponentSize: singleton entities are not communities.
	minComponentSize = 2

	maxSummaryNames = 5
)

// Community is one derived cluster. Non-authoritative: the store never
// depends on it.
type Community struct {
	ID        string   `json:"id"`
	HubID     string   `json:"hub_id"`
	MemberIDs []string `json:"member_ids"`
	FactIDs   []string `json:"fact_ids"`
	Summary   string   `json:"summary"`
}

// Detect clusters the snapshot's entities. Deterministic for a given input:
// neighbors are visited in sorted id order and label ties break toward the
// lexicographically smallest label, so an unchanged store yields identical
// membership.
func Detect(entities []*graph.Entity, facts []*graph.Fact) []Community {
	names := make(map[string]string, len(entities))
	for _, e := range entities {
		names[e.ID] = e.Name
	}

	adj := make(map[string][]string)
	edgeFacts := make(map[string][]string)  // entity id -> incident fact ids
	endpoints := make(map[string][2]string) // fact id -> (source, target)
	degree := make(map[string]int)
	for _, f := range facts {
		if !f.Active() {
			continue
		}
		if _, ok := names[f.SourceID]; !ok {
			continue
		}
		if _, ok := names[f.TargetID]; !ok {
			continue
		}
		adj[f.SourceID] = append(adj[f.SourceID], f.TargetID)
		adj[f.TargetID] = append(adj[f.TargetID], f.SourceID)
		edgeFacts[f.SourceID] = append(edgeFacts[f.SourceID], f.ID)
		edgeFacts[f.TargetID] = append(edgeFacts[f.TargetID], f.ID)
		endpoints[f.ID] = [2]string{f.SourceID, f.TargetID}
		degree[f.SourceID]++
		degree[f.TargetID]++
	}
	for id := range adj {
		sort.Strings(adj[id])
	}

	var communities []Community
	for _, comp := range components(adj) {
		if len(comp) < minComponentSize {
			continue
		}
		for _, group := range propagate(comp, adj) {
			if len(group) < minComponentSize {
				continue
			}
			communities = append(communities, build(group, names, degree, edgeFacts, endpoints))
		}
	}

	sort.Slice(communities, func(i, j int) bool { return communities[i].ID < communities[j].ID })
	return communities
}

// components finds connected components via breadth-first search, visiting
// nodes in sorted order.
func components(adj map[string][]string) [][]string {
	nodes := make([]string, 0, len(adj))
	for id := range adj {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	visited := make(map[string]bool, len(nodes))
	var comps [][]string
	for _, start := range nodes {
		if visited[start] {
			continue
		}
		var comp []string
		queue := []string{start}
		visited[start] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			comp = append(comp, id)
			for _, n := range adj[id] {
				if !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}
		sort.Strings(comp)
		comps = append(comps, comp)
	}
	return comps
}

// propagate runs majority label propagation within one component and
// returns the final label groups. Updates are applied in place in sorted
// node order; synchronous updates oscillate on bipartite structures and
// never settle.
func propagate(comp []string, adj map[string][]string) [][]string {
	labels := make(map[string]string, len(comp))
	for _, id := range comp {
		labels[id] = id
	}

	for round := 0; round < propagationRounds; round++ {
		changed := false
		for _, id := range comp {
			best := majorityLabel(adj[id], labels, labels[id])
			if best != labels[id] {
				labels[id] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	groups := make(map[string][]string)
	for _, id := range comp {
		groups[labels[id]] = append(groups[labels[id]], id)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][]string, 0, len(keys))
	for _, k := range keys {
		sort.Strings(groups[k])
		out = append(out, groups[k])
	}
	return out
}

// majorityLabel returns the most common label among neighbors; ties break
// to the lexicographically smallest label, no neighbors keeps the current.
func majorityLabel(neighbors []string, labels map[string]string, current string) string {
	if len(neighbors) == 0 {
		return current
	}
	counts := make(map[string]int)
	for _, n := range neighbors {
		counts[labels[n]]++
	}
	best, bestCount := current, 0
	keys := make([]string, 0, len(counts))
	for l := range counts {
		keys = append(keys, l)
	}
	sort.Strings(keys)
	for _, l := range keys {
		if counts[l] > bestCount {
			best, bestCount = l, counts[l]
		}
	}
	return best
}

// build assembles one Community from a label group. The hub is the
// highest-degree member; the id derives from the hub so reruns over the
// same store produce the same ids. FactIDs holds internal facts only:
// edges bridging to another community belong to neither.
func build(group []string, names map[string]string, degree map[string]int, edgeFacts map[string][]string, endpoints map[string][2]string) Community {
	hub := group[0]
	for _, id := range group[1:] {
		if degree[id] > degree[hub] {
			hub = id
		}
	}

	member := make(map[string]bool, len(group))
	for _, id := range group {
		member[id] = true
	}
	factSet := make(map[string]bool)
	for _, id := range group {
		for _, fid := range edgeFacts[id] {
			ends := endpoints[fid]
			if member[ends[0]] && member[ends[1]] {
				factSet[fid] = true
			}
		}
	}
	factIDs := make([]string, 0, len(factSet))
	for fid := range factSet {
		factIDs = append(factIDs, fid)
	}
	sort.Strings(factIDs)

	summaryNames := make([]string, 0, maxSummaryNames)
	for _, id := range group {
		if len(summaryNames) == maxSummaryNames {
			break
		}
		summaryNames = append(summaryNames, names[id])
	}
	summary := fmt.Sprintf("Cluster around %s: %s (%d members)",
		names[hub], strings.Join(summaryNames, ", "), len(group))

	return Community{
		ID:        "comm_" + hub,
		HubID:     hub,
		MemberIDs: group,
		FactIDs:   factIDs,
		Summary:   summary,
	}
}

// Save overwrites the persisted community file for a store directory.
func Save(dir string, cs []Community) error {
	return fsjson.WriteLines(filepath.Join(dir, communitiesFile), cs)
}

// Load reads the last persisted detection output.
func Load(dir string) ([]Community, error) {
	cs, _, err := fsjson.ReadLines[Community](filepath.Join(dir, communitiesFile))
	return cs, err
}
