package simulator

import (
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/carla-mcp/carla"
	"github.com/google/jsonschema-go/jsonschema"
)

// NoArgs is the argument struct of tools that take no arguments.
type NoArgs struct{}

// LoadMapArgs is the argument struct for the load_map tool.
type LoadMapArgs struct {
	MapName string `json:"map_name" jsonschema:"map to load, either a short name like Town01 or a full path"`
}

// GetBlueprintsArgs is the argument struct for the get_blueprints tool.
type GetBlueprintsArgs struct {
	Filter string `json:"filter,omitempty" jsonschema:"wildcard matched against blueprint ids and tags, defaults to vehicle.*"`
}

// SpawnActorArgs is the argument struct for the spawn_actor tool.
type SpawnActorArgs struct {
	Blueprint  string            `json:"blueprint" jsonschema:"exact blueprint id, e.g. vehicle.tesla.model3"`
	SpawnPoint int               `json:"spawn_point,omitempty" jsonschema:"index of the map's recommended spawn points, used when no location and no parent_id is given"`
	Location   *carla.Location   `json:"location,omitempty" jsonschema:"explicit spawn location in meters"`
	Rotation   *carla.Rotation   `json:"rotation,omitempty" jsonschema:"rotation in degrees, only with location"`
	ParentID   uint32            `json:"parent_id,omitempty" jsonschema:"actor to attach the new actor to, the location is then relative to the parent"`
	Attributes map[string]string `json:"attributes,omitempty" jsonschema:"overrides of modifiable blueprint attributes"`
}

// ListActorsArgs is the argument struct for the list_actors tool.
type ListActorsArgs struct {
	Kind string `json:"kind,omitempty" jsonschema:"vehicle, sensor or actor; empty lists every tracked actor"`
}

// ActorArgs is the argument struct for tools acting on one actor.
type ActorArgs struct {
	ActorID uint32 `json:"actor_id" jsonschema:"id of the actor"`
}

// SetAutopilotArgs is the argument struct for the set_autopilot tool.
type SetAutopilotArgs struct {
	ActorID uint32 `json:"actor_id" jsonschema:"id of the vehicle"`
	Enabled bool   `json:"enabled" jsonschema:"whether the simulator drives the vehicle"`
}

// VehicleControlArgs is the argument struct for the apply_vehicle_control tool.
type VehicleControlArgs struct {
	ActorID   uint32  `json:"actor_id" jsonschema:"id of the vehicle"`
	Throttle  float32 `json:"throttle,omitempty" jsonschema:"0 to 1"`
	Steer     float32 `json:"steer,omitempty" jsonschema:"-1 (left) to 1 (right)"`
	Brake     float32 `json:"brake,omitempty" jsonschema:"0 to 1"`
	HandBrake bool    `json:"hand_brake,omitempty"`
	Reverse   bool    `json:"reverse,omitempty"`
}

// SetWeatherArgs is the argument struct for the set_weather tool. Omitted fields keep
// their current value.
type SetWeatherArgs struct {
	Cloudiness            *float32 `json:"cloudiness,omitempty" jsonschema:"0 to 100"`
	Precipitation         *float32 `json:"precipitation,omitempty" jsonschema:"0 to 100"`
	PrecipitationDeposits *float32 `json:"precipitation_deposits,omitempty" jsonschema:"puddles, 0 to 100"`
	WindIntensity         *float32 `json:"wind_intensity,omitempty" jsonschema:"0 to 100"`
	SunAzimuthAngle       *float32 `json:"sun_azimuth_angle,omitempty" jsonschema:"degrees"`
	SunAltitudeAngle      *float32 `json:"sun_altitude_angle,omitempty" jsonschema:"-90 (midnight) to 90 (midday)"`
	FogDensity            *float32 `json:"fog_density,omitempty" jsonschema:"0 to 100"`
	FogDistance           *float32 `json:"fog_distance,omitempty" jsonschema:"fog start distance in meters"`
	FogFalloff            *float32 `json:"fog_falloff,omitempty"`
	Wetness               *float32 `json:"wetness,omitempty" jsonschema:"0 to 100"`
}

// SetSynchronousModeArgs is the argument struct for the set_synchronous_mode tool.
type SetSynchronousModeArgs struct {
	Enabled           bool     `json:"enabled" jsonschema:"whether the world only advances on tick"`
	FixedDeltaSeconds *float64 `json:"fixed_delta_seconds,omitempty" jsonschema:"simulated seconds per step"`
}

// TickArgs is the argument struct for the tick tool.
type TickArgs struct {
	Frames int `json:"frames,omitempty" jsonschema:"number of steps, defaults to 1"`
}

// RunSimulationArgs is the argument struct for the run_simulation tool.
type RunSimulationArgs struct {
	Name              string   `json:"name,omitempty" jsonschema:"label stored with the recorded run"`
	Frames            int      `json:"frames" jsonschema:"number of steps to simulate"`
	Synchronous       *bool    `json:"synchronous,omitempty" jsonschema:"switch to synchronous mode for the run, defaults to true"`
	FixedDeltaSeconds *float64 `json:"fixed_delta_seconds,omitempty" jsonschema:"simulated seconds per step, defaults to 0.05 in synchronous mode"`
}

// ListRunsArgs is the argument struct for the list_runs tool.
type ListRunsArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of runs, newest first, defaults to 20"`
}

// GetRunArgs is the argument struct for the get_run tool.
type GetRunArgs struct {
	RunID string `json:"run_id" jsonschema:"id of a recorded run"`
}

const (
	maxTickFrames       = 1000
	maxSimulationFrames = 10000
	maxRunsLimit        = 200
)

// argsSchema generates the input schema of A. shape may tighten the generated schema
// before it is resolved.
func argsSchema[A any](shape func(*jsonschema.Schema)) (*jsonschema.Schema, *jsonschema.Resolved, error) {
	schema, err := jsonschema.For[A](nil)
	if err != nil {
		return nil, nil, err
	}
	if shape != nil {
		shape(schema)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, nil, err
	}
	return schema, resolved, nil
}

// bounded limits an integer property to [lo, hi].
func bounded(prop string, lo, hi float64) func(*jsonschema.Schema) {
	return func(s *jsonschema.Schema) {
		p, ok := s.Properties[prop]
		if !ok {
			panic(fmt.Sprintf("schema has no property %q", prop))
		}
		p.Minimum = &lo
		p.Maximum = &hi
	}
}

// oneOf restricts a string property to the given values.
func oneOf(prop string, values ...string) func(*jsonschema.Schema) {
	return func(s *jsonschema.Schema) {
		p, ok := s.Properties[prop]
		if !ok {
			panic(fmt.Sprintf("schema has no property %q", prop))
		}
		for _, v := range values {
			p.Enum = append(p.Enum, v)
		}
	}
}

// decodeArgs validates raw tool arguments against the resolved schema and decodes them.
// Missing arguments are treated as an empty object.
func decodeArgs[A any](resolved *jsonschema.Resolved, raw json.RawMessage) (A, error) {
	var args A
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}
