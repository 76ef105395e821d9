package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/carla-mcp/carla"
	"github.com/MegaGrindStone/carla-mcp/mcp"
	"github.com/MegaGrindStone/carla-mcp/metrics"
	"github.com/google/jsonschema-go/jsonschema"
)

type tool struct {
	def  mcp.Tool
	call func(context.Context, json.RawMessage, mcp.ProgressReporter) (mcp.CallToolResult, error)
}

const defaultBlueprintFilter = "vehicle.*"

var errRecordingDisabled = errors.New("recording is disabled, start the server with a recorder path")

// newTool builds a tool whose input schema is generated from A. Arguments are
// validated against the schema before they are decoded into A.
func newTool[A any](
	name, description string,
	shape func(*jsonschema.Schema),
	fn func(context.Context, A, mcp.ProgressReporter) (mcp.CallToolResult, error),
) tool {
	schema, resolved, err := argsSchema[A](shape)
	if err != nil {
		panic(fmt.Sprintf("invalid input schema for tool %s: %v", name, err))
	}
	schemaBs, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal input schema for tool %s: %v", name, err))
	}

	return tool{
		def: mcp.Tool{Name: name, Description: description, InputSchema: schemaBs},
		call: func(ctx context.Context, raw json.RawMessage, progress mcp.ProgressReporter) (mcp.CallToolResult, error) {
			args, err := decodeArgs[A](resolved, raw)
			if err != nil {
				return mcp.CallToolResult{}, err
			}
			return fn(ctx, args, progress)
		},
	}
}

func (s *Server) buildTools() (map[string]tool, []mcp.Tool) {
	list := []tool{
		newTool("get_server_version", "Get the version of the connected Carla server", nil, s.getServerVersion),
		newTool("get_map_name", "Get the name of the currently loaded map", nil, s.getMapName),
		newTool("list_maps", "List the maps the Carla server can load", nil, s.listMaps),
		newTool("load_map", "Load a map. Every actor of the previous episode is destroyed", nil, s.loadMap),
		newTool("get_blueprints", "List blueprint ids matching a wildcard filter", nil, s.getBlueprints),
		newTool("spawn_actor", "Spawn an actor from a blueprint at a spawn point or an explicit location",
			nil, s.spawnActor),
		newTool("list_actors", "List the actors spawned by this server, optionally of one kind",
			oneOf("kind", "vehicle", "sensor", "actor"), s.listActors),
		newTool("destroy_actor", "Destroy an actor", nil, s.destroyActor),
		newTool("destroy_all_actors", "Destroy every actor spawned by this server", nil, s.destroyAllActors),
		newTool("set_autopilot", "Hand a vehicle over to the simulator's autopilot, or take it back",
			nil, s.setAutopilot),
		newTool("apply_vehicle_control", "Apply throttle, steering and brake to a vehicle. Values are clamped",
			nil, s.applyVehicleControl),
		newTool("get_weather", "Get the current weather parameters", nil, s.getWeather),
		newTool("set_weather", "Change weather parameters. Omitted parameters keep their value", nil, s.setWeather),
		newTool("get_world_settings", "Get the episode settings", nil, s.getWorldSettings),
		newTool("set_synchronous_mode", "Switch synchronous mode and the fixed time step", nil, s.setSynchronousMode),
		newTool("tick", "Advance the simulation by a number of steps",
			bounded("frames", 1, maxTickFrames), s.tick),
		newTool("get_world_snapshot", "Summarize the world: episode, map, last frame and tracked actors",
			nil, s.getWorldSnapshot),
		newTool("run_simulation", "Run the simulation for a number of frames and record every frame",
			bounded("frames", 1, maxSimulationFrames), s.runSimulation),
		newTool("list_runs", "List recorded simulation runs, newest first",
			bounded("limit", 1, maxRunsLimit), s.listRuns),
		newTool("get_run", "Get a recorded simulation run with its frames", nil, s.getRun),
	}

	tools := make(map[string]tool, len(list))
	defs := make([]mcp.Tool, 0, len(list))
	for _, t := range list {
		tools[t.def.Name] = t
		defs = append(defs, t.def)
	}
	return tools, defs
}

// ListTools implements mcp.ToolServer.
func (s *Server) ListTools(context.Context, mcp.ListToolsParams, mcp.ProgressReporter) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: s.toolList}, nil
}

// CallTool implements mcp.ToolServer.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	t, ok := s.tools[params.Name]
	if !ok {
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}

	start := time.Now()
	result, err := t.call(ctx, params.Arguments, progress)
	d := time.Since(start)
	metrics.ObserveToolCall(params.Name, d, err)
	if err != nil {
		s.logger.Warn("tool call failed",
			slog.String("tool", params.Name),
			slog.Duration("duration", d),
			slog.String("err", err.Error()))
		return mcp.CallToolResult{}, err
	}
	s.logger.Debug("tool called", slog.String("tool", params.Name), slog.Duration("duration", d))
	return result, nil
}

func (s *Server) getServerVersion(ctx context.Context, _ NoArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	version, err := client.ServerVersion(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get server version: %w", err)
	}
	return textResult(version), nil
}

func (s *Server) getMapName(ctx context.Context, _ NoArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	name, err := s.conn.MapName(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get map name: %w", err)
	}
	return textResult(name), nil
}

func (s *Server) listMaps(ctx context.Context, _ NoArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	maps, err := client.AvailableMaps(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to list maps: %w", err)
	}
	return jsonResult(maps)
}

func (s *Server) loadMap(ctx context.Context, args LoadMapArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	if args.MapName == "" {
		return mcp.CallToolResult{}, errors.New("map_name is required")
	}
	if err := s.conn.LoadWorld(ctx, args.MapName); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to load map %s: %w", args.MapName, err)
	}
	s.logger.Info("map loaded", slog.String("map", args.MapName))
	s.resourceUpdated(mapURI)
	return textResult(fmt.Sprintf("Loaded map %s", args.MapName)), nil
}

func (s *Server) getBlueprints(
	ctx context.Context,
	args GetBlueprintsArgs,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	filter := args.Filter
	if filter == "" {
		filter = defaultBlueprintFilter
	}
	client, err := s.conn.Client(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	bps, err := client.Blueprints(ctx, filter)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get blueprints: %w", err)
	}
	ids := make([]string, 0, len(bps))
	for _, bp := range bps {
		ids = append(ids, bp.ID)
	}
	return jsonResult(ids)
}

func (s *Server) spawnActor(ctx context.Context, args SpawnActorArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	req := carla.SpawnRequest{
		Blueprint:  args.Blueprint,
		Attributes: args.Attributes,
		SpawnPoint: args.SpawnPoint,
		ParentID:   args.ParentID,
	}
	switch {
	case args.Location != nil:
		transform := carla.Transform{Location: *args.Location}
		if args.Rotation != nil {
			transform.Rotation = *args.Rotation
		}
		req.Transform = &transform
	case args.Rotation != nil:
		return mcp.CallToolResult{}, errors.New("rotation requires location")
	case args.ParentID != 0 && args.SpawnPoint != 0:
		return mcp.CallToolResult{}, errors.New("spawn_point cannot be combined with parent_id, use a location")
	}

	actor, err := s.conn.Spawn(ctx, req)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to spawn %s: %w", args.Blueprint, err)
	}
	s.logger.Info("actor spawned",
		slog.Uint64("actor_id", uint64(actor.ID)),
		slog.String("blueprint", actor.TypeID),
		slog.String("kind", string(actor.Kind)))
	return jsonResult(actor)
}

func (s *Server) listActors(_ context.Context, args ListActorsArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	kind, err := carla.ParseKind(args.Kind)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return jsonResult(s.conn.Tracked(kind))
}

func (s *Server) destroyActor(ctx context.Context, args ActorArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	destroyed, err := s.conn.Destroy(ctx, args.ActorID)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to destroy actor %d: %w", args.ActorID, err)
	}
	if !destroyed {
		return mcp.CallToolResult{}, fmt.Errorf("actor %d not found", args.ActorID)
	}
	return textResult(fmt.Sprintf("Destroyed actor %d", args.ActorID)), nil
}

func (s *Server) destroyAllActors(ctx context.Context, _ NoArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	n, err := s.conn.DestroyAll(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("destroyed %d actors: %w", n, err)
	}
	s.logger.Info("destroyed all actors", slog.Int("count", n))
	return textResult("true"), nil
}

func (s *Server) setAutopilot(ctx context.Context, args SetAutopilotArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	if err := client.SetAutopilot(ctx, args.ActorID, args.Enabled); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to set autopilot of actor %d: %w", args.ActorID, err)
	}
	state := "disabled"
	if args.Enabled {
		state = "enabled"
	}
	return textResult(fmt.Sprintf("Autopilot %s for vehicle %d", state, args.ActorID)), nil
}

func (s *Server) applyVehicleControl(
	ctx context.Context,
	args VehicleControlArgs,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	control := carla.VehicleControl{
		Throttle:  args.Throttle,
		Steer:     args.Steer,
		Brake:     args.Brake,
		HandBrake: args.HandBrake,
		Reverse:   args.Reverse,
	}.Clamp()

	client, err := s.conn.Client(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	if err := client.ApplyVehicleControl(ctx, args.ActorID, control); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to control vehicle %d: %w", args.ActorID, err)
	}
	return jsonResult(control)
}

func (s *Server) getWeather(ctx context.Context, _ NoArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	weather, err := client.Weather(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get weather: %w", err)
	}
	return jsonResult(weather)
}

func (s *Server) setWeather(ctx context.Context, args SetWeatherArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	weather, err := client.Weather(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get weather: %w", err)
	}

	merge := func(dst *float32, src *float32) {
		if src != nil {
			*dst = *src
		}
	}
	merge(&weather.Cloudiness, args.Cloudiness)
	merge(&weather.Precipitation, args.Precipitation)
	merge(&weather.PrecipitationDeposits, args.PrecipitationDeposits)
	merge(&weather.WindIntensity, args.WindIntensity)
	merge(&weather.SunAzimuthAngle, args.SunAzimuthAngle)
	merge(&weather.SunAltitudeAngle, args.SunAltitudeAngle)
	merge(&weather.FogDensity, args.FogDensity)
	merge(&weather.FogDistance, args.FogDistance)
	merge(&weather.FogFalloff, args.FogFalloff)
	merge(&weather.Wetness, args.Wetness)

	if err := client.SetWeather(ctx, weather); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to set weather: %w", err)
	}
	return jsonResult(weather)
}

func (s *Server) getWorldSettings(ctx context.Context, _ NoArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	settings, err := client.Settings(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get settings: %w", err)
	}
	return jsonResult(settings)
}

func (s *Server) setSynchronousMode(
	ctx context.Context,
	args SetSynchronousModeArgs,
	_ mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	if args.FixedDeltaSeconds != nil && *args.FixedDeltaSeconds <= 0 {
		return mcp.CallToolResult{}, errors.New("fixed_delta_seconds must be positive")
	}
	client, err := s.conn.Client(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	settings, err := client.Settings(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get settings: %w", err)
	}
	settings.SynchronousMode = args.Enabled
	if args.FixedDeltaSeconds != nil {
		settings.FixedDeltaSeconds = args.FixedDeltaSeconds
	}
	frame, err := client.SetSettings(ctx, settings)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to apply settings: %w", err)
	}
	return jsonResult(struct {
		Settings carla.Settings `json:"settings"`
		Frame    uint64         `json:"frame"`
	}{settings, frame})
}

func (s *Server) tick(ctx context.Context, args TickArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	frames := args.Frames
	if frames == 0 {
		frames = 1
	}
	var frame uint64
	for range frames {
		var err error
		if frame, err = s.conn.Tick(ctx); err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("failed to tick: %w", err)
		}
	}
	return jsonResult(struct {
		Frame uint64 `json:"frame"`
	}{frame})
}

type worldSnapshot struct {
	EpisodeID uint64                  `json:"episode_id"`
	MapName   string                  `json:"map_name"`
	Frame     uint64                  `json:"frame"`
	Actors    map[carla.ActorKind]int `json:"actors"`
}

func (s *Server) getWorldSnapshot(ctx context.Context, _ NoArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	episode, err := client.EpisodeInfo(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get episode: %w", err)
	}
	info, err := client.MapInfo(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get map: %w", err)
	}

	snapshot := worldSnapshot{
		EpisodeID: episode.ID,
		MapName:   info.Name,
		Frame:     s.conn.LastFrame(),
		Actors: map[carla.ActorKind]int{
			carla.KindVehicle: 0,
			carla.KindSensor:  0,
			carla.KindActor:   0,
		},
	}
	for _, a := range s.conn.Tracked("") {
		snapshot.Actors[a.Kind]++
	}
	return jsonResult(snapshot)
}

func (s *Server) listRuns(ctx context.Context, args ListRunsArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.CallToolResult{}, errRecordingDisabled
	}
	runs, err := s.store.Runs(ctx, args.Limit)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to list runs: %w", err)
	}
	return jsonResult(runs)
}

func (s *Server) getRun(ctx context.Context, args GetRunArgs, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	detail, err := s.runDetail(ctx, args.RunID)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return jsonResult(detail)
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}

func jsonResult(v any) (mcp.CallToolResult, error) {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return textResult(string(bs)), nil
}
