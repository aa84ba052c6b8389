package gomatrixstateres

import (
	"errors"
	"testing"

	"github.com/matrix-org/gomatrixstateres/eventauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomVersionRules(t *testing.T) {
	tests := []struct {
		version   RoomVersion
		authRules eventauth.Rules
		algorithm StateResAlgorithm
		format    EventFormat
	}{
		{RoomVersionV1, eventauth.RulesV1, StateResV1, EventFormatV1},
		{RoomVersionV2, eventauth.RulesV1, StateResV2, EventFormatV1},
		{RoomVersionV3, eventauth.RulesV3, StateResV2, EventFormatV2},
		{RoomVersionV5, eventauth.RulesV3, StateResV2, EventFormatV2},
		{RoomVersionV6, eventauth.RulesV6, StateResV2, EventFormatV2},
		{RoomVersionV7, eventauth.RulesV7, StateResV2, EventFormatV2},
		{RoomVersionV9, eventauth.RulesV8, StateResV2, EventFormatV2},
		{RoomVersionV10, eventauth.RulesV10, StateResV2, EventFormatV2},
		{RoomVersionV11, eventauth.RulesV11, StateResV2, EventFormatV2},
		{RoomVersionV12, eventauth.RulesV12, StateResV2, EventFormatV2},
	}
	for _, tt := range tests {
		t.Run(string(tt.version), func(t *testing.T) {
			authRules, stateResRules, err := tt.version.Rules()
			require.NoError(t, err)
			assert.Equal(t, tt.authRules, authRules)
			assert.Equal(t, tt.algorithm, stateResRules.Algorithm)
			assert.Equal(t, tt.version == RoomVersionV12, stateResRules.ConsiderConflictedStateSubgraph)
			assert.Equal(t, tt.version == RoomVersionV12, stateResRules.BeginIterativeAuthChecksWithEmptyStateMap)
			format, err := tt.version.EventFormat()
			require.NoError(t, err)
			assert.Equal(t, tt.format, format)
		})
	}
}

func TestUnknownRoomVersion(t *testing.T) {
	assert.False(t, KnownRoomVersion("13"))
	_, _, err := RoomVersion("13").Rules()
	var unsupported UnsupportedRoomVersionError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, RoomVersion("13"), unsupported.Version)
	assert.Panics(t, func() { RoomVersion("org.example.custom").MustRules() })
}

func TestRoomVersions(t *testing.T) {
	versions := RoomVersions()
	require.Len(t, versions, 12)
	assert.Equal(t, RoomVersionV1, versions[0])
	assert.Equal(t, RoomVersionV10, versions[9])
	assert.Equal(t, RoomVersionV11, versions[10])
	assert.Equal(t, RoomVersionV12, versions[11])
	for _, v := range versions {
		assert.True(t, KnownRoomVersion(v))
	}
	assert.Equal(t, "v2", StateResV2.String())
}
