package gomatrixstateres

import (
	"context"
	"sort"

	"github.com/hashicorp/go-set/v3"
	"github.com/matrix-org/gomatrixstateres/spec"
	"github.com/oleiade/lane/v2"
)

// AuthChain returns the IDs of the given events and all of their auth
// ancestors. Each event is expanded once, so cycles in auth_events do not
// loop. A NotFoundError is returned if any event in the chain can't be
// provided.
func AuthChain(ctx context.Context, provider EventProvider, eventIDs []string) (*set.Set[string], error) {
	chain := set.New[string](len(eventIDs))
	stack := lane.NewStack[string]()
	for _, eventID := range eventIDs {
		stack.Push(eventID)
	}
	forEvent := map[string]string{}
	for {
		eventID, ok := stack.Pop()
		if !ok {
			break
		}
		if chain.Contains(eventID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		event, ok := provider.Event(eventID)
		if !ok {
			return nil, NotFoundError{EventID: eventID, ForEventID: forEvent[eventID]}
		}
		chain.Insert(eventID)
		for _, authEventID := range event.AuthEventIDs() {
			if chain.Contains(authEventID) {
				continue
			}
			if _, seen := forEvent[authEventID]; !seen {
				forEvent[authEventID] = eventID
			}
			stack.Push(authEventID)
		}
	}
	return chain, nil
}

// AuthChainSets computes the auth chain of each state set's events.
func AuthChainSets(ctx context.Context, provider EventProvider, stateSets []StateMap) ([]*set.Set[string], error) {
	chains := make([]*set.Set[string], 0, len(stateSets))
	for _, stateSet := range stateSets {
		chain, err := AuthChain(ctx, provider, stateSet.EventIDs())
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

// AuthDifference returns, sorted, the IDs that appear in at least one auth
// chain but not in all of them.
func AuthDifference(authChainSets []*set.Set[string]) []string {
	if len(authChainSets) == 0 {
		return []string{}
	}
	union := set.New[string](authChainSets[0].Size())
	for _, chain := range authChainSets {
		union.InsertSlice(chain.Slice())
	}
	difference := make([]string, 0)
	for _, eventID := range union.Slice() {
		for _, chain := range authChainSets {
			if !chain.Contains(eventID) {
				difference = append(difference, eventID)
				break
			}
		}
	}
	sort.Strings(difference)
	return difference
}

// ConflictedStateSubgraph returns, sorted, the events that lie on an
// auth_events path from one conflicted event to another, including both
// ends. A conflicted event on no such path is left out. A NotFoundError is
// returned if an event reachable from the conflicted events can't be
// provided.
func ConflictedStateSubgraph(ctx context.Context, provider EventProvider, conflicted map[spec.StateKeyTuple][]string) ([]string, error) {
	conflictedIDs := set.New[string](len(conflicted))
	for _, eventIDs := range conflicted {
		conflictedIDs.InsertSlice(eventIDs)
	}

	// Walk the auth events of the conflicted events, remembering which
	// events cite each one.
	citedBy := map[string][]string{}
	reachable := set.New[string](0)
	visited := set.New[string](conflictedIDs.Size())
	stack := lane.NewStack[string]()
	for _, eventID := range conflictedIDs.Slice() {
		stack.Push(eventID)
	}
	for {
		eventID, ok := stack.Pop()
		if !ok {
			break
		}
		if !visited.Insert(eventID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		event, ok := provider.Event(eventID)
		if !ok {
			return nil, NotFoundError{EventID: eventID}
		}
		for _, authEventID := range event.AuthEventIDs() {
			citedBy[authEventID] = append(citedBy[authEventID], eventID)
			reachable.Insert(authEventID)
			if !visited.Contains(authEventID) {
				stack.Push(authEventID)
			}
		}
	}

	// Walk back from the conflicted events to everything that leads to one.
	leadsToConflicted := set.New[string](0)
	for _, eventID := range conflictedIDs.Slice() {
		stack.Push(eventID)
	}
	for {
		eventID, ok := stack.Pop()
		if !ok {
			break
		}
		for _, citer := range citedBy[eventID] {
			if leadsToConflicted.Insert(citer) {
				stack.Push(citer)
			}
		}
	}

	subgraph := leadsToConflicted.Slice()
	for _, eventID := range conflictedIDs.Slice() {
		if reachable.Contains(eventID) && !leadsToConflicted.Contains(eventID) {
			subgraph = append(subgraph, eventID)
		}
	}
	sort.Strings(subgraph)
	return subgraph, nil
}
