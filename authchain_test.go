package gomatrixstateres

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-set/v3"
	"github.com/matrix-org/gomatrixstateres/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthChain(t *testing.T) {
	events := buildInitialEvents(t)
	chain, err := AuthChain(context.Background(), events, []string{testID("IMC")})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		testID("IMC"), testID("CREATE"), testID("IJR"), testID("IPOWER"), testID("IMA"),
	}, chain.Slice())

	chain, err = AuthChain(context.Background(), events, []string{testID("CREATE"), testID("START")})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{testID("CREATE"), testID("START")}, chain.Slice())
}

func TestAuthChainMissingEvent(t *testing.T) {
	events := buildInitialEvents(t)
	delete(events, testID("IPOWER"))
	_, err := AuthChain(context.Background(), events, []string{testID("IMB")})
	var notFound NotFoundError
	require.True(t, errors.As(err, &notFound), "got %v", err)
	assert.Equal(t, testID("IPOWER"), notFound.EventID)
	assert.NotEmpty(t, notFound.ForEventID)
}

func TestAuthChainCycle(t *testing.T) {
	clock := NewCounterClock(0)
	a := topic("A", ALICE).build(t, clock, RoomVersionV6, []string{testID("B")}, nil)
	b := topic("B", ALICE).build(t, clock, RoomVersionV6, []string{testID("A")}, nil)
	chain, err := AuthChain(context.Background(), NewEventMap(a, b), []string{testID("A")})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{testID("A"), testID("B")}, chain.Slice())
}

func TestAuthChainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := AuthChain(ctx, buildInitialEvents(t), []string{testID("IMC")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAuthDifference(t *testing.T) {
	tests := []struct {
		name   string
		chains []*set.Set[string]
		want   []string
	}{
		{"none", nil, []string{}},
		{"single", []*set.Set[string]{set.From([]string{"a", "b"})}, []string{}},
		{
			"two",
			[]*set.Set[string]{
				set.From([]string{"create", "alice", "bob"}),
				set.From([]string{"create", "alice", "charlie"}),
			},
			[]string{"bob", "charlie"},
		},
		{
			"three",
			[]*set.Set[string]{
				set.From([]string{"c", "x", "y"}),
				set.From([]string{"c", "x"}),
				set.From([]string{"c", "b", "a"}),
			},
			[]string{"a", "b", "x", "y"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AuthDifference(tt.chains))
		})
	}
}

func TestAuthChainSets(t *testing.T) {
	store, atBob, atCharlie, _ := forkedRoom(t, RoomVersionV6)
	chains, err := AuthChainSets(context.Background(), store, []StateMap{atBob, atCharlie})
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, []string{testID("IMB"), testID("IMC")}, AuthDifference(chains))
}

func TestConflictedStateSubgraph(t *testing.T) {
	clock := NewCounterClock(0)
	build := func(name string, authEvents ...string) PDU {
		ids := make([]string, 0, len(authEvents))
		for _, authEvent := range authEvents {
			ids = append(ids, testID(authEvent))
		}
		return topic(name, ALICE).build(t, clock, RoomVersionV6, ids, nil)
	}
	// A reaches B through X and Y. Z leads nowhere, C is on its own and D
	// only cites X, which leads to B.
	events := NewEventMap(
		build("A", "X", "Z"),
		build("X", "Y"),
		build("Y", "B"),
		build("B", "W"),
		build("W"),
		build("Z"),
		build("C", "W"),
		build("D", "X"),
	)
	topicKey := spec.StateKeyTuple{EventType: spec.MRoomTopic}
	nameKey := spec.StateKeyTuple{EventType: spec.MRoomName}
	conflicted := map[spec.StateKeyTuple][]string{
		topicKey: {testID("A"), testID("B")},
		nameKey:  {testID("C")},
	}

	subgraph, err := ConflictedStateSubgraph(context.Background(), events, conflicted)
	require.NoError(t, err)
	assert.Equal(t, []string{testID("A"), testID("B"), testID("X"), testID("Y")}, subgraph)

	conflicted[nameKey] = []string{testID("C"), testID("D")}
	subgraph, err = ConflictedStateSubgraph(context.Background(), events, conflicted)
	require.NoError(t, err)
	assert.Equal(t, []string{testID("A"), testID("B"), testID("D"), testID("X"), testID("Y")}, subgraph)

	// A conflicted event cited by another is an end of the path.
	subgraph, err = ConflictedStateSubgraph(context.Background(), events, map[spec.StateKeyTuple][]string{
		topicKey: {testID("Y"), testID("B")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{testID("B"), testID("Y")}, subgraph)

	delete(events, testID("Y"))
	_, err = ConflictedStateSubgraph(context.Background(), events, conflicted)
	var notFound NotFoundError
	require.True(t, errors.As(err, &notFound), "got %v", err)
	assert.Equal(t, testID("Y"), notFound.EventID)
}
