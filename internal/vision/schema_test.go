package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidate(t *testing.T) {
	schema := &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"status": {Type: "string", Enum: []any{"ok", "failed"}},
			"count":  {Type: "integer"},
			"items":  {Type: "array", Items: &Schema{Type: "string"}},
			"done":   {Type: "boolean"},
		},
		Required: []string{"status", "count"},
	}

	cases := []struct {
		name    string
		value   any
		wantErr string
	}{
		{
			name:  "valid",
			value: map[string]any{"status": "ok", "count": float64(3), "items": []any{"a"}, "done": true},
		},
		{
			name:    "missing required",
			value:   map[string]any{"status": "ok"},
			wantErr: "missing required field",
		},
		{
			name:    "enum violation",
			value:   map[string]any{"status": "maybe", "count": float64(1)},
			wantErr: "not in enum",
		},
		{
			name:    "non-integer",
			value:   map[string]any{"status": "ok", "count": float64(1.5)},
			wantErr: "expected integer",
		},
		{
			name:    "array element type",
			value:   map[string]any{"status": "ok", "count": float64(1), "items": []any{float64(2)}},
			wantErr: "expected string",
		},
		{
			name:    "not an object",
			value:   "nope",
			wantErr: "expected object",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := schema.Validate(tc.value)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestDecodeModelJSON(t *testing.T) {
	t.Run("clean", func(t *testing.T) {
		var v Verdict
		require.NoError(t, decodeModelJSON(`{"met": true, "confidence": 0.9}`, &v))
		assert.True(t, v.Met)
		assert.InDelta(t, 0.9, v.Confidence, 1e-9)
	})

	t.Run("code fence", func(t *testing.T) {
		var v Verdict
		raw := "Here is my answer:\n```json\n{\"met\": false, \"confidence\": 0.4, \"reasoning\": \"no banner\"}\n```"
		require.NoError(t, decodeModelJSON(raw, &v))
		assert.False(t, v.Met)
		assert.Equal(t, "no banner", v.Reasoning)
	})

	t.Run("repairable", func(t *testing.T) {
		var v Verdict
		raw := `{"met": true, "confidence": 0.8, "reasoning": "done",}`
		require.NoError(t, decodeModelJSON(raw, &v))
		assert.True(t, v.Met)
	})

	t.Run("hopeless", func(t *testing.T) {
		var v Verdict
		assert.Error(t, decodeModelJSON("no json here at all", &v))
	})
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, clampConfidence(-0.1))
	assert.Equal(t, 1.0, clampConfidence(1.7))
	assert.Equal(t, 0.5, clampConfidence(0.5))
}
