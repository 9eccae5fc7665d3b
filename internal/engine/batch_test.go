package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/errkind"
)

func defaultBatchConfig() BatchConfig {
	return BatchConfig{
		Enabled:          true,
		MaxSize:          5,
		Wait:             2 * time.Second,
		ExcludedPrefixes: []string{"!analyze", "!dump", "!heap"},
	}
}

func TestIsBatchable(t *testing.T) {
	cfg := defaultBatchConfig()
	assert.True(t, isBatchable(cfg, "k"))
	assert.True(t, isBatchable(cfg, "lm"))
	assert.False(t, isBatchable(cfg, "!analyze -v"))
	assert.False(t, isBatchable(cfg, "!ANALYZE -v"), "exclusion must be case-insensitive")
	assert.False(t, isBatchable(cfg, "  !dump  "))

	cfg.Enabled = false
	assert.False(t, isBatchable(cfg, "k"))
}

func TestPlanBatch_SoloWhenNotBatchable(t *testing.T) {
	cfg := defaultBatchConfig()
	called := false
	peek := func() (string, string, bool) {
		called = true
		return "", "", false
	}
	plan := planBatch(cfg, "id1", "!analyze -v", peek)
	assert.False(t, plan.IsBatch)
	assert.Equal(t, []string{"id1"}, plan.IDs)
	assert.False(t, called, "planBatch must not peek further once the head is non-batchable")
}

func TestPlanBatch_AccumulatesUpToMaxSize(t *testing.T) {
	cfg := defaultBatchConfig()
	cfg.MaxSize = 3
	remaining := []struct{ id, text string }{
		{"id2", "lm"},
		{"id3", "~"},
		{"id4", "r"},
	}
	peek := func() (string, string, bool) {
		if len(remaining) == 0 {
			return "", "", false
		}
		head := remaining[0]
		remaining = remaining[1:]
		return head.id, head.text, true
	}
	plan := planBatch(cfg, "id1", "k", peek)
	assert.True(t, plan.IsBatch)
	assert.Equal(t, []string{"id1", "id2", "id3"}, plan.IDs, "must stop at MaxSize")
}

func TestPlanBatch_StopsAtFirstNonBatchable(t *testing.T) {
	cfg := defaultBatchConfig()
	remaining := []struct{ id, text string }{
		{"id2", "lm"},
		{"id3", "!dump /ma out.dmp"},
		{"id4", "r"},
	}
	peek := func() (string, string, bool) {
		if len(remaining) == 0 {
			return "", "", false
		}
		head := remaining[0]
		remaining = remaining[1:]
		return head.id, head.text, true
	}
	plan := planBatch(cfg, "id1", "k", peek)
	assert.Equal(t, []string{"id1", "id2"}, plan.IDs)
}

func TestEffectiveTimeout(t *testing.T) {
	assert.Equal(t, 10*time.Second, effectiveTimeout(2*time.Second, 5, time.Minute))
	assert.Equal(t, 30*time.Second, effectiveTimeout(10*time.Second, 5, 30*time.Second), "must cap at ceiling")
	assert.Equal(t, 5*time.Second, effectiveTimeout(5*time.Second, 1, 0), "ceiling of 0 disables capping")
}

func TestMarkers(t *testing.T) {
	assert.Equal(t, "SEP_ABC123_START", startMarker("abc123"))
	assert.Equal(t, "SEP_ABC123_END", endMarker("abc123"))
}

func TestComposeBatch_Solo(t *testing.T) {
	plan := Plan{IDs: []string{"id1"}, Texts: map[string]string{"id1": "k"}}
	got := composeBatch(plan)
	assert.Equal(t, ".echo SEP_ID1_START; k; .echo SEP_ID1_END;", got)
}

func TestComposeBatch_Multi(t *testing.T) {
	plan := Plan{IDs: []string{"id1", "id2"}, Texts: map[string]string{"id1": "k", "id2": "lm"}}
	got := composeBatch(plan)
	assert.Equal(t, ".echo SEP_ID1_START; k; .echo SEP_ID1_END; .echo SEP_ID2_START; lm; .echo SEP_ID2_END;", got)
}

func TestParseBatch_RoundTrip(t *testing.T) {
	plan := Plan{IDs: []string{"id1", "id2"}, Texts: map[string]string{"id1": "k", "id2": "lm"}}
	raw := "SEP_ID1_START\nrax=0\nSEP_ID1_END\nSEP_ID2_START\nmodule list\nSEP_ID2_END\n"
	results := parseBatch(plan, raw)
	require.Len(t, results, 2)
	assert.Equal(t, "rax=0", results["id1"].Output)
	assert.Nil(t, results["id1"].Err)
	assert.Equal(t, "module list", results["id2"].Output)
}

func TestParseBatch_CorrelatesByLabelNotPosition(t *testing.T) {
	plan := Plan{IDs: []string{"id1", "id2"}, Texts: map[string]string{"id1": "k", "id2": "lm"}}
	// id2's output appears first in the raw stream.
	raw := "SEP_ID2_START\nmodule list\nSEP_ID2_END\nSEP_ID1_START\nrax=0\nSEP_ID1_END\n"
	results := parseBatch(plan, raw)
	assert.Equal(t, "rax=0", results["id1"].Output)
	assert.Equal(t, "module list", results["id2"].Output)
}

func TestParseBatch_MissingStartMarker(t *testing.T) {
	plan := Plan{IDs: []string{"id1"}, Texts: map[string]string{"id1": "k"}}
	results := parseBatch(plan, "no markers here\n")
	err := results["id1"].Err
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrParseError)
	assert.Contains(t, err.Error(), "start marker not found for id1")
}

func TestParseBatch_MissingEndMarker(t *testing.T) {
	plan := Plan{IDs: []string{"id1"}, Texts: map[string]string{"id1": "k"}}
	results := parseBatch(plan, "SEP_ID1_START\nrax=0\n")
	err := results["id1"].Err
	require.Error(t, err)
	assert.Contains(t, err.Error(), "end marker not found for id1")
}
