package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matrix-org/gomatrixstateres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var forkedJoinsState = []resolvedEntry{
	{Type: "m.room.create", StateKey: "", EventID: "$create"},
	{Type: "m.room.join_rules", StateKey: "", EventID: "$joinrules"},
	{Type: "m.room.member", StateKey: "@alice:example.org", EventID: "$alice"},
	{Type: "m.room.member", StateKey: "@bob:example.org", EventID: "$bob"},
	{Type: "m.room.member", StateKey: "@charlie:example.org", EventID: "$charlie"},
	{Type: "m.room.power_levels", StateKey: "", EventID: "$power"},
}

func TestRunForkedJoins(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"--scenario", "testdata/forked_joins.yaml"}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	var got []resolvedEntry
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
	if diff := cmp.Diff(forkedJoinsState, got); diff != "" {
		t.Fatalf("unexpected state (-want +got):\n%s", diff)
	}
}

func TestRunCreatorBan(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-s", "testdata/creator_ban.yaml"}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	var got []resolvedEntry
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
	assert.Equal(t, []resolvedEntry{
		{Type: "m.room.create", StateKey: "", EventID: "$create"},
		{Type: "m.room.join_rules", StateKey: "", EventID: "$joinrules"},
		{Type: "m.room.member", StateKey: "@alice:example.org", EventID: "$alice"},
		{Type: "m.room.member", StateKey: "@bob:example.org", EventID: "$bob"},
		{Type: "m.room.power_levels", StateKey: "", EventID: "$power"},
		{Type: "m.room.topic", StateKey: "", EventID: "$topic"},
	}, got)

	// Room version 11 events always carry a room_id.
	err = run(context.Background(), []string{
		"-s", "testdata/creator_ban.yaml", "--room-version", "11",
	}, &stdout, &stderr)
	var badJSON gomatrixstateres.BadJSONError
	assert.True(t, errors.As(err, &badJSON), "got %v", err)
}

func TestRunOutputFile(t *testing.T) {
	output := filepath.Join(t.TempDir(), "state.json")
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"-s", "testdata/forked_joins.yaml", "-o", output, "--log-level", "debug",
	}, &stdout, &stderr)
	require.NoError(t, err)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "Resolved state")

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	var got []resolvedEntry
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, forkedJoinsState, got)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRunOutputErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"-s", "testdata/forked_joins.yaml", "-o", t.TempDir(),
	}, &stdout, &stderr)
	assert.Error(t, err, "writing over a directory must fail")

	err = run(context.Background(), []string{"-s", "testdata/forked_joins.yaml"}, failingWriter{}, &stderr)
	assert.EqualError(t, err, "disk full")
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no scenario", nil},
		{"bad log level", []string{"-s", "testdata/forked_joins.yaml", "--log-level", "loud"}},
		{"missing file", []string{"-s", "testdata/nope.yaml"}},
		{"unknown flag", []string{"--frobnicate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Error(t, run(context.Background(), tt.args, &stdout, &stderr))
			assert.Empty(t, stdout.String())
		})
	}
}

func TestRunUnsupportedRoomVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"-s", "testdata/forked_joins.yaml", "--room-version", "1",
	}, &stdout, &stderr)
	var unsupported gomatrixstateres.UnsupportedAlgorithmError
	assert.True(t, errors.As(err, &unsupported), "got %v", err)
}

func TestRunMissingEvent(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-s", "testdata/missing_event.yaml"}, &stdout, &stderr)
	var notFound gomatrixstateres.NotFoundError
	require.True(t, errors.As(err, &notFound), "got %v", err)
	assert.Equal(t, "$nowhere", notFound.EventID)
}
