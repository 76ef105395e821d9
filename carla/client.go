package carla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/carla-mcp/metrics"
	"github.com/gobwas/glob"
)

// ClientOption represents the options for the Client.
type ClientOption func(*Client)

// Client is a connection to a Carla simulator's RPC server. It is safe for concurrent use.
//
// Every call is bounded by the client timeout in addition to the caller's context, the
// same way the Python API applies client.set_timeout to each request.
type Client struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger

	rpc *rpcConn
}

// MapLayerAll selects every layer of a layered map when loading it.
const MapLayerAll uint16 = 0xFFFF

const (
	defaultClientTimeout = 10 * time.Second

	// attachmentRigid is Carla's AttachmentType::Rigid.
	attachmentRigid uint8 = 0
)

// WithTimeout sets the per-call timeout. The default is 10 seconds.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(slog.String("component", "carla-client"))
	}
}

// Dial connects to the Carla server at addr (host:port).
func Dial(ctx context.Context, addr string, options ...ClientOption) (*Client, error) {
	c := &Client{
		addr:    addr,
		timeout: defaultClientTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := dialRPC(dialCtx, addr, c.logger)
	if err != nil {
		return nil, err
	}
	c.rpc = conn

	return c, nil
}

// Addr returns the address the client is connected to.
func (c *Client) Addr() string { return c.addr }

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	return c.rpc.close()
}

// Closed reports whether the underlying connection is gone, either because Close was
// called or because the server hung up.
func (c *Client) Closed() bool {
	return c.rpc.closed()
}

// ServerVersion returns the simulator's version string.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	v, err := c.invoke(ctx, "version", false)
	if err != nil {
		return "", err
	}
	s, err := asString(v)
	if err != nil {
		return "", &DecodeError{What: "server version", Err: err}
	}
	return s, nil
}

// MapInfo returns the name and recommended spawn points of the loaded map.
func (c *Client) MapInfo(ctx context.Context) (MapInfo, error) {
	v, err := c.call(ctx, "get_map_info")
	if err != nil {
		return MapInfo{}, err
	}
	info, err := decodeMapInfo(v)
	if err != nil {
		return MapInfo{}, &DecodeError{What: "map info", Err: err}
	}
	return info, nil
}

// AvailableMaps returns the paths of the maps the simulator can load.
func (c *Client) AvailableMaps(ctx context.Context) ([]string, error) {
	v, err := c.call(ctx, "get_available_maps")
	if err != nil {
		return nil, err
	}
	maps, err := decodeStrings(v)
	if err != nil {
		return nil, &DecodeError{What: "available maps", Err: err}
	}
	return maps, nil
}

// LoadWorld loads a map and starts a new episode with default settings. Every actor of
// the previous episode is destroyed by the simulator.
func (c *Client) LoadWorld(ctx context.Context, mapName string) error {
	_, err := c.call(ctx, "load_new_episode", mapName, true, MapLayerAll)
	return err
}

// EpisodeInfo returns the identity of the running episode.
func (c *Client) EpisodeInfo(ctx context.Context) (EpisodeInfo, error) {
	v, err := c.call(ctx, "get_episode_info")
	if err != nil {
		return EpisodeInfo{}, err
	}
	info, err := decodeEpisodeInfo(v)
	if err != nil {
		return EpisodeInfo{}, &DecodeError{What: "episode info", Err: err}
	}
	return info, nil
}

// Blueprints returns the blueprints whose id or one of whose tags matches the wildcard
// pattern. An empty pattern matches everything.
func (c *Client) Blueprints(ctx context.Context, pattern string) ([]Blueprint, error) {
	var matcher glob.Glob
	if pattern != "" && pattern != "*" {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blueprint filter %q: %w", pattern, err)
		}
		matcher = g
	}

	v, err := c.call(ctx, "get_actor_definitions")
	if err != nil {
		return nil, err
	}
	arr, err := asArray(v)
	if err != nil {
		return nil, &DecodeError{What: "actor definitions", Err: err}
	}

	bps := make([]Blueprint, 0, len(arr))
	for _, item := range arr {
		bp, err := decodeBlueprint(item)
		if err != nil {
			return nil, &DecodeError{What: "actor definition", Err: err}
		}
		if matcher != nil && !matchBlueprint(matcher, bp) {
			continue
		}
		bps = append(bps, bp)
	}
	return bps, nil
}

func matchBlueprint(g glob.Glob, bp Blueprint) bool {
	if g.Match(bp.ID) {
		return true
	}
	for _, tag := range bp.Tags {
		if g.Match(tag) {
			return true
		}
	}
	return false
}

// SpawnActor spawns an actor. A non-zero parent attaches the new actor rigidly to that
// actor, with the transform taken relative to it.
func (c *Client) SpawnActor(ctx context.Context, desc ActorDescription, transform Transform, parent uint32) (Actor, error) {
	var (
		v   any
		err error
	)
	if parent == 0 {
		v, err = c.call(ctx, "spawn_actor", desc, transform)
	} else {
		v, err = c.call(ctx, "spawn_actor_with_parent", desc, transform, parent, attachmentRigid)
	}
	if err != nil {
		return Actor{}, err
	}
	actor, err := decodeActor(v)
	if err != nil {
		return Actor{}, &DecodeError{What: "spawned actor", Err: err}
	}
	return actor, nil
}

// DestroyActor destroys an actor. The result reports whether the simulator found it.
func (c *Client) DestroyActor(ctx context.Context, id uint32) (bool, error) {
	v, err := c.call(ctx, "destroy_actor", id)
	if err != nil {
		return false, err
	}
	ok, err := asBool(v)
	if err != nil {
		return false, &DecodeError{What: "destroy result", Err: err}
	}
	return ok, nil
}

// Actors looks actors up by id. Unknown ids are skipped by the simulator.
func (c *Client) Actors(ctx context.Context, ids []uint32) ([]Actor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	v, err := c.call(ctx, "get_actors_by_id", ids)
	if err != nil {
		return nil, err
	}
	actors, err := decodeActors(v)
	if err != nil {
		return nil, &DecodeError{What: "actors", Err: err}
	}
	return actors, nil
}

// Weather returns the current weather parameters.
func (c *Client) Weather(ctx context.Context) (Weather, error) {
	v, err := c.call(ctx, "get_weather_parameters")
	if err != nil {
		return Weather{}, err
	}
	w, err := decodeWeather(v)
	if err != nil {
		return Weather{}, &DecodeError{What: "weather", Err: err}
	}
	return w, nil
}

// SetWeather replaces the weather parameters.
func (c *Client) SetWeather(ctx context.Context, w Weather) error {
	_, err := c.call(ctx, "set_weather_parameters", w)
	return err
}

// Settings returns the episode settings.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	v, err := c.call(ctx, "get_episode_settings")
	if err != nil {
		return Settings{}, err
	}
	s, err := decodeSettings(v)
	if err != nil {
		return Settings{}, &DecodeError{What: "episode settings", Err: err}
	}
	return s, nil
}

// SetSettings applies episode settings and returns the frame at which they take effect.
func (c *Client) SetSettings(ctx context.Context, s Settings) (uint64, error) {
	v, err := c.call(ctx, "set_episode_settings", s)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	frame, err := asUint64(v)
	if err != nil {
		return 0, &DecodeError{What: "settings frame", Err: err}
	}
	return frame, nil
}

// Tick advances a synchronous-mode simulation by one step and returns the new frame.
func (c *Client) Tick(ctx context.Context) (uint64, error) {
	v, err := c.call(ctx, "tick_cue")
	if err != nil {
		return 0, err
	}
	frame, err := asUint64(v)
	if err != nil {
		return 0, &DecodeError{What: "frame", Err: err}
	}
	return frame, nil
}

// SetAutopilot hands a vehicle to (or takes it back from) the simulator's autopilot.
func (c *Client) SetAutopilot(ctx context.Context, id uint32, enabled bool) error {
	_, err := c.call(ctx, "set_actor_autopilot", id, enabled)
	return err
}

// ApplyVehicleControl applies a control input to a vehicle.
func (c *Client) ApplyVehicleControl(ctx context.Context, id uint32, control VehicleControl) error {
	_, err := c.call(ctx, "apply_control_to_vehicle", id, control.Clamp())
	return err
}

// call invokes a method whose result is wrapped in Carla's response envelope.
func (c *Client) call(ctx context.Context, method string, args ...any) (any, error) {
	return c.invoke(ctx, method, true, args...)
}

func (c *Client) invoke(ctx context.Context, method string, wrapped bool, args ...any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	v, err := c.rpc.call(ctx, method, args...)
	if err == nil && wrapped {
		v, err = unwrapResponse(v)
	}
	metrics.ObserveRPC(method, time.Since(start), err)

	if err != nil {
		var serverErr *ServerError
		if !errors.As(err, &serverErr) {
			c.logger.Debug("rpc call failed",
				slog.String("method", method),
				slog.String("err", err.Error()))
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return v, nil
}
