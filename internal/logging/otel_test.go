package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDualCore(t *testing.T) {
	tests := []struct {
		name    string
		stdout  bool
		otel    bool
		wantErr string
	}{
		{"stdout only", true, false, ""},
		// A nil provider skips the OTEL core rather than failing.
		{"both outputs nil provider", true, true, ""},
		{"no outputs", false, false, "at least one output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Output.Stdout = tt.stdout
			cfg.Output.OTEL = tt.otel

			core, err := newDualCore(cfg, nil)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, core)
		})
	}
}
