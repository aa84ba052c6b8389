// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gomatrixstateres

import (
	"sort"
	"strings"

	"github.com/hashicorp/go-set/v3"
	"github.com/matrix-org/gomatrixstateres/spec"
)

// A TieBreaker orders the candidates of a topological sort. Events whose
// sender has a higher power level come first, then earlier
// origin_server_ts, then smaller event ID.
type TieBreaker struct {
	PowerLevel     int64
	OriginServerTS spec.Timestamp
	EventID        string
}

// Compare returns a negative number if t sorts before o.
func (t TieBreaker) Compare(o TieBreaker) int {
	switch {
	case t.PowerLevel > o.PowerLevel:
		return -1
	case t.PowerLevel < o.PowerLevel:
		return 1
	case t.OriginServerTS < o.OriginServerTS:
		return -1
	case t.OriginServerTS > o.OriginServerTS:
		return 1
	}
	return strings.Compare(t.EventID, o.EventID)
}

// LexicographicalTopologicalSort orders the nodes of graph so that every
// node comes after the nodes its edges point to, picking the node with the
// smallest key whenever more than one is ready (Kahn's algorithm). Edges to
// nodes that aren't keys of graph are ignored. Nodes caught in a cycle are
// appended at the end in key order, so the sort always terminates.
func LexicographicalTopologicalSort(graph map[string][]string, key func(eventID string) (TieBreaker, error)) ([]string, error) {
	keys := make(map[string]TieBreaker, len(graph))
	for node := range graph {
		k, err := key(node)
		if err != nil {
			return nil, err
		}
		keys[node] = k
	}
	compare := func(a, b string) int {
		if c := keys[a].Compare(keys[b]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	}

	// outdegree counts the unsorted dependencies of each node, and
	// dependents is the reverse of graph.
	outdegree := make(map[string]int, len(graph))
	dependents := make(map[string][]string, len(graph))
	for node, edges := range graph {
		seen := set.New[string](len(edges))
		for _, dep := range edges {
			if _, ok := graph[dep]; !ok || !seen.Insert(dep) {
				continue
			}
			outdegree[node]++
			dependents[dep] = append(dependents[dep], node)
		}
	}

	frontier := set.NewTreeSet[string](compare)
	for node := range graph {
		if outdegree[node] == 0 {
			frontier.Insert(node)
		}
	}

	sorted := make([]string, 0, len(graph))
	for !frontier.Empty() {
		node := frontier.Min()
		frontier.Remove(node)
		sorted = append(sorted, node)
		for _, dependent := range dependents[node] {
			outdegree[dependent]--
			if outdegree[dependent] == 0 {
				frontier.Insert(dependent)
			}
		}
	}

	if len(sorted) < len(graph) {
		emitted := set.From(sorted)
		leftover := make([]string, 0, len(graph)-len(sorted))
		for node := range graph {
			if !emitted.Contains(node) {
				leftover = append(leftover, node)
			}
		}
		sort.Slice(leftover, func(i, j int) bool { return compare(leftover[i], leftover[j]) < 0 })
		sorted = append(sorted, leftover...)
	}
	return sorted, nil
}
