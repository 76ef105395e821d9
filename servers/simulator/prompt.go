package simulator

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/carla-mcp/mcp"
)

const (
	setupScenarioPrompt = "setup_scenario"
	defaultVehicles     = 1
	maxVehicles         = 50
)

// weatherPresets maps the weather names accepted by setup_scenario to set_weather
// arguments.
var weatherPresets = map[string]string{
	"clear":  `{"cloudiness": 5, "precipitation": 0, "sun_altitude_angle": 60}`,
	"cloudy": `{"cloudiness": 80, "precipitation": 0, "sun_altitude_angle": 45}`,
	"rain":   `{"cloudiness": 90, "precipitation": 60, "precipitation_deposits": 40, "wetness": 60}`,
	"storm":  `{"cloudiness": 100, "precipitation": 100, "precipitation_deposits": 90, "wind_intensity": 100, "wetness": 100}`,
	"fog":    `{"cloudiness": 60, "fog_density": 70, "fog_distance": 10}`,
	"night":  `{"cloudiness": 10, "sun_altitude_angle": -80}`,
}

var weatherNames = []string{"clear", "cloudy", "fog", "night", "rain", "storm"}

var setupScenario = mcp.Prompt{
	Name:        setupScenarioPrompt,
	Description: "Set up a driving scenario: load a map, set the weather and spawn vehicles on autopilot",
	Arguments: []mcp.PromptArgument{
		{Name: "map", Description: "Map to load, e.g. Town01", Required: true},
		{Name: "vehicles", Description: fmt.Sprintf("Number of vehicles to spawn, 1 to %d", maxVehicles)},
		{Name: "weather", Description: "Weather preset: " + strings.Join(weatherNames, ", ")},
	},
}

// ListPrompts implements mcp.PromptServer.
func (s *Server) ListPrompts(context.Context, mcp.ListPromptsParams, mcp.ProgressReporter) (mcp.ListPromptResult, error) {
	return mcp.ListPromptResult{Prompts: []mcp.Prompt{setupScenario}}, nil
}

// GetPrompt implements mcp.PromptServer.
func (s *Server) GetPrompt(
	_ context.Context,
	params mcp.GetPromptParams,
	_ mcp.ProgressReporter,
) (mcp.GetPromptResult, error) {
	if params.Name != setupScenarioPrompt {
		return mcp.GetPromptResult{}, fmt.Errorf("prompt not found: %s", params.Name)
	}

	mapName := strings.TrimSpace(params.Arguments["map"])
	if mapName == "" {
		return mcp.GetPromptResult{}, fmt.Errorf("argument map is required")
	}

	vehicles := defaultVehicles
	if v := params.Arguments["vehicles"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxVehicles {
			return mcp.GetPromptResult{}, fmt.Errorf("argument vehicles must be a number from 1 to %d", maxVehicles)
		}
		vehicles = n
	}

	weather := strings.ToLower(strings.TrimSpace(params.Arguments["weather"]))
	if weather == "" {
		weather = "clear"
	}
	preset, ok := weatherPresets[weather]
	if !ok {
		return mcp.GetPromptResult{}, fmt.Errorf("unknown weather %q, use one of %s",
			weather, strings.Join(weatherNames, ", "))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Set up a driving scenario in the Carla simulator on map %s.\n\n", mapName)
	fmt.Fprintf(&b, "1. Call load_map with map_name %q. This clears every actor of the previous episode.\n", mapName)
	fmt.Fprintf(&b, "2. Call set_weather with %s for %s weather.\n", preset, weather)
	b.WriteString("3. Call get_blueprints to pick vehicle blueprints.\n")
	fmt.Fprintf(&b, "4. Spawn %d vehicle(s) with spawn_actor, using spawn points 0 to %d.\n", vehicles, vehicles-1)
	b.WriteString("5. Enable autopilot on every spawned vehicle with set_autopilot.\n")
	b.WriteString("6. Call list_actors with kind vehicle and summarize the scenario.\n")

	return mcp.GetPromptResult{
		Description: fmt.Sprintf("Scenario on %s with %d vehicle(s) in %s weather", mapName, vehicles, weather),
		Messages: []mcp.PromptMessage{{
			Role:    mcp.RoleUser,
			Content: mcp.Content{Type: mcp.ContentTypeText, Text: b.String()},
		}},
	}, nil
}

// CompletesPrompt implements mcp.PromptServer. It completes map names from the
// simulator and weather presets.
func (s *Server) CompletesPrompt(ctx context.Context, params mcp.CompletesCompletionParams) (mcp.CompletionResult, error) {
	if params.Ref.Name != setupScenarioPrompt {
		return mcp.CompletionResult{}, fmt.Errorf("prompt not found: %s", params.Ref.Name)
	}

	switch params.Argument.Name {
	case "map":
		client, err := s.conn.Client(ctx)
		if err != nil {
			return mcp.CompletionResult{}, err
		}
		maps, err := client.AvailableMaps(ctx)
		if err != nil {
			return mcp.CompletionResult{}, err
		}
		names := make([]string, 0, len(maps))
		for _, m := range maps {
			names = append(names, path.Base(m))
		}
		return completion(names, params.Argument.Value), nil
	case "weather":
		return completion(weatherNames, params.Argument.Value), nil
	case "vehicles":
		return mcp.CompletionResult{}, nil
	default:
		return mcp.CompletionResult{}, fmt.Errorf("unknown argument: %s", params.Argument.Name)
	}
}
