// ABOUTME: Tests for agent selection scoring.
// ABOUTME: Validates match bonuses, status penalties, weights, and deterministic tie-breaks.

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(name string, seq uint64, status Status, caps ...string) Record {
	return Record{Name: name, Seq: seq, Status: status, Capabilities: caps}
}

func TestScore(t *testing.T) {
	weights := Weights{"debug": 9}

	tests := []struct {
		name     string
		category string
		record   Record
		want     int
		match    bool
	}{
		{"exact available", "debug", rec("x", 0, StatusAvailable, "debug"), 15, true},
		{"exact unknown", "debug", rec("x", 0, StatusUnknown, "debug"), 15, true},
		{"exact busy", "debug", rec("x", 0, StatusBusy, "debug"), 7, true},
		{"exact unresponsive", "debug", rec("x", 0, StatusUnresponsive, "debug"), 0, true},
		{"loose match", "debug", rec("x", 0, StatusAvailable, "debugging"), 10, true},
		{"exact wins over loose", "debug", rec("x", 0, StatusAvailable, "debugging", "debug"), 15, true},
		{"weight by type", "debug", rec("debug-3", 0, StatusAvailable, "debug"), 24, true},
		{"no match", "ui", rec("x", 0, StatusAvailable, "debug"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Score(tt.category, tt.record, weights)
			assert.Equal(t, tt.match, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWeightsFor(t *testing.T) {
	w := Weights{"debug": 9, "special-agent": 4}

	assert.Equal(t, 9, w.For("debug"))
	assert.Equal(t, 9, w.For("debug-12"))
	assert.Equal(t, 4, w.For("special-agent"))
	assert.Equal(t, 0, w.For("debug-x"))
	assert.Equal(t, 0, w.For("unknown-1"))
	assert.Equal(t, 0, w.For("-1"))
}

func TestSelect(t *testing.T) {
	weights := Weights{"debug": 9, "generic": 3}

	t.Run("exact match and higher weight dominate", func(t *testing.T) {
		agents := []Record{
			rec("generic-1", 0, StatusAvailable, "debug", "build"),
			rec("debug-1", 1, StatusAvailable, "debug"),
		}
		name, err := Select("debug", agents, weights)
		require.NoError(t, err)
		assert.Equal(t, "debug-1", name)
	})

	t.Run("available agent beats busy one", func(t *testing.T) {
		agents := []Record{
			rec("build-1", 0, StatusBusy, "build"),
			rec("build-2", 1, StatusAvailable, "build"),
		}
		name, err := Select("build", agents, weights)
		require.NoError(t, err)
		assert.Equal(t, "build-2", name)
	})

	t.Run("ties go to first registered", func(t *testing.T) {
		agents := []Record{
			rec("build-1", 0, StatusAvailable, "build"),
			rec("build-2", 1, StatusAvailable, "build"),
		}
		for i := 0; i < 10; i++ {
			name, err := Select("build", agents, weights)
			require.NoError(t, err)
			assert.Equal(t, "build-1", name)
		}
	})

	t.Run("unresponsive agent still routable when score is non-negative", func(t *testing.T) {
		agents := []Record{rec("build-1", 0, StatusUnresponsive, "build")}
		name, err := Select("build", agents, nil)
		require.NoError(t, err)
		assert.Equal(t, "build-1", name)
	})

	t.Run("negative score is rejected", func(t *testing.T) {
		agents := []Record{rec("x", 0, StatusUnresponsive, "building")}
		_, err := Select("build", agents, nil)
		assert.ErrorIs(t, err, ErrNoAgentsAvailable)
	})

	t.Run("no matching capability", func(t *testing.T) {
		agents := []Record{rec("build-1", 0, StatusAvailable, "build")}
		_, err := Select("docs", agents, weights)
		assert.ErrorIs(t, err, ErrNoAgentsAvailable)
	})

	t.Run("substring capability is a loose match", func(t *testing.T) {
		name, err := Select("ui", []Record{rec("build-1", 0, StatusAvailable, "build")}, weights)
		require.NoError(t, err)
		assert.Equal(t, "build-1", name)

		name, err = Select("test", []Record{rec("ci-1", 0, StatusAvailable, "integration-test")}, weights)
		require.NoError(t, err)
		assert.Equal(t, "ci-1", name)
	})

	t.Run("exact match beats loose match", func(t *testing.T) {
		agents := []Record{
			rec("ci-1", 0, StatusAvailable, "integration-test"),
			rec("test-1", 1, StatusAvailable, "test"),
		}
		name, err := Select("test", agents, nil)
		require.NoError(t, err)
		assert.Equal(t, "test-1", name)
	})

	t.Run("empty registry", func(t *testing.T) {
		_, err := Select("build", nil, weights)
		assert.ErrorIs(t, err, ErrNoAgentsAvailable)
	})
}
