package simulator_test

import (
	"context"
	"testing"

	"github.com/MegaGrindStone/carla-mcp/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListPrompts(t *testing.T) {
	env := newTestEnv(t, false)

	result, err := env.srv.ListPrompts(context.Background(), mcp.ListPromptsParams{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Prompts, 1)

	prompt := result.Prompts[0]
	assert.Equal(t, "setup_scenario", prompt.Name)
	require.Len(t, prompt.Arguments, 3)
	assert.True(t, prompt.Arguments[0].Required)
}

func TestGetPrompt(t *testing.T) {
	env := newTestEnv(t, false)

	result, err := env.srv.GetPrompt(context.Background(), mcp.GetPromptParams{
		Name:      "setup_scenario",
		Arguments: map[string]string{"map": "Town01", "vehicles": "3", "weather": "Rain"},
	}, nil)
	require.NoError(t, err)

	require.Len(t, result.Messages, 1)
	msg := result.Messages[0]
	assert.Equal(t, mcp.RoleUser, msg.Role)
	assert.Equal(t, mcp.ContentTypeText, msg.Content.Type)
	assert.Contains(t, msg.Content.Text, `load_map with map_name "Town01"`)
	assert.Contains(t, msg.Content.Text, `"precipitation": 60`)
	assert.Contains(t, msg.Content.Text, "Spawn 3 vehicle(s)")
	assert.Contains(t, msg.Content.Text, "set_autopilot")
	assert.Equal(t, "Scenario on Town01 with 3 vehicle(s) in rain weather", result.Description)
}

func TestGetPromptErrors(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name   string
		params mcp.GetPromptParams
		want   string
	}{
		{
			name:   "unknown prompt",
			params: mcp.GetPromptParams{Name: "race"},
			want:   "prompt not found",
		},
		{
			name:   "missing map",
			params: mcp.GetPromptParams{Name: "setup_scenario", Arguments: map[string]string{}},
			want:   "map is required",
		},
		{
			name: "too many vehicles",
			params: mcp.GetPromptParams{Name: "setup_scenario",
				Arguments: map[string]string{"map": "Town01", "vehicles": "500"}},
			want: "vehicles must be a number",
		},
		{
			name: "unknown weather",
			params: mcp.GetPromptParams{Name: "setup_scenario",
				Arguments: map[string]string{"map": "Town01", "weather": "hail"}},
			want: "unknown weather",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.GetPrompt(context.Background(), tt.params, nil)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestCompletesPrompt(t *testing.T) {
	env := newTestEnv(t, false)

	complete := func(arg, value string) []string {
		t.Helper()
		result, err := env.srv.CompletesPrompt(context.Background(), mcp.CompletesCompletionParams{
			Ref:      mcp.CompletionRef{Type: "ref/prompt", Name: "setup_scenario"},
			Argument: mcp.CompletionArgument{Name: arg, Value: value},
		})
		require.NoError(t, err)
		return result.Completion.Values
	}

	assert.Equal(t, []string{"Town01"}, complete("map", "town0"))
	assert.Equal(t, []string{"Town01", "Town10HD_Opt"}, complete("map", ""))
	assert.Equal(t, []string{"rain"}, complete("weather", "r"))
	assert.Empty(t, complete("vehicles", "1"))

	_, err := env.srv.CompletesPrompt(context.Background(), mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: "ref/prompt", Name: "race"},
		Argument: mcp.CompletionArgument{Name: "map"},
	})
	require.Error(t, err)
}
