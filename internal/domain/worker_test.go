package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerValidate(t *testing.T) {
	tests := []struct {
		name    string
		worker  Worker
		wantErr bool
	}{
		{
			name:   "valid llm provider",
			worker: Worker{ID: "local", Kind: WorkerKindLLMProvider},
		},
		{
			name:   "valid agent role",
			worker: Worker{ID: "triage-agent", Kind: WorkerKindAgentRole, PriorityTier: 2},
		},
		{
			name:    "missing id",
			worker:  Worker{Kind: WorkerKindLLMProvider},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			worker:  Worker{ID: "x", Kind: "carrier-pigeon"},
			wantErr: true,
		},
		{
			name:    "negative tier",
			worker:  Worker{ID: "x", Kind: WorkerKindLLMProvider, PriorityTier: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.worker.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestWorkerCapabilities(t *testing.T) {
	w := Worker{
		ID:           "cloud",
		Kind:         WorkerKindLLMProvider,
		Capabilities: []string{"completion", "classification"},
	}

	assert.True(t, w.HasCapability("completion"))
	assert.False(t, w.HasCapability("embedding"))
	assert.True(t, w.HasAllCapabilities([]string{"completion", "classification"}))
	assert.True(t, w.HasAllCapabilities(nil))
	assert.False(t, w.HasAllCapabilities([]string{"completion", "embedding"}))
}

func TestIsTagEntry(t *testing.T) {
	tag, ok := IsTagEntry("tag:completion")
	assert.True(t, ok)
	assert.Equal(t, "completion", tag)

	_, ok = IsTagEntry("local")
	assert.False(t, ok)
}
