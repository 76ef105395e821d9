package carla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/MegaGrindStone/carla-mcp/metrics"
	"golang.org/x/time/rate"
)

// ConnectionOption represents the options for the Connection.
type ConnectionOption func(*Connection)

// Connection is the long-lived link between the MCP server and one simulator.
//
// It dials on first use and redials when the socket dropped, at most once per reconnect
// interval. Actors spawned through it are tracked per kind in spawn order, so they can be
// listed and destroyed again, and are destroyed when the connection is closed.
type Connection struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger
	limiter *rate.Limiter

	connLock sync.Mutex
	client   *Client

	lock      sync.Mutex
	tracked   []TrackedActor
	lastFrame uint64
	watchers  []func()
}

// TrackedActor is an actor spawned through a Connection.
type TrackedActor struct {
	Actor
	Kind      ActorKind `json:"kind"`
	SpawnedAt time.Time `json:"spawned_at"`
}

// SpawnRequest describes an actor to spawn.
type SpawnRequest struct {
	// Blueprint is the exact blueprint id, e.g. "vehicle.tesla.model3".
	Blueprint string
	// Attributes overrides modifiable blueprint attributes.
	Attributes map[string]string
	// Transform places the actor. When nil, SpawnPoint selects one of the map's
	// recommended spawn points, or the parent's origin for attached actors.
	Transform *Transform
	// SpawnPoint indexes the map's recommended spawn points.
	SpawnPoint int
	// ParentID attaches the actor to another actor.
	ParentID uint32
}

const defaultReconnectInterval = 5 * time.Second

// destroyOrder lists kinds in the order DestroyAll removes them. Sensors go first
// because they are usually attached to vehicles.
var destroyOrder = []ActorKind{KindSensor, KindVehicle, KindActor}

// NewConnection creates a Connection to the simulator at host:port. No network activity
// happens until the first operation.
func NewConnection(host string, port int, options ...ConnectionOption) *Connection {
	c := &Connection{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: defaultClientTimeout,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Every(defaultReconnectInterval), 1),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithConnectionTimeout sets the per-call timeout of the underlying client.
func WithConnectionTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.timeout = timeout
	}
}

// WithReconnectInterval sets the minimum interval between connection attempts.
// A zero interval disables throttling.
func WithReconnectInterval(interval time.Duration) ConnectionOption {
	return func(c *Connection) {
		if interval <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// WithConnectionLogger sets the logger for the connection.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger.With(slog.String("component", "carla-connection"))
	}
}

// Addr returns the simulator address.
func (c *Connection) Addr() string { return c.addr }

// Watch registers fn to be called after the set of tracked actors changes.
func (c *Connection) Watch(fn func()) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Client returns a connected client, dialing the simulator if there is no live
// connection yet.
func (c *Connection) Client(ctx context.Context) (*Client, error) {
	c.connLock.Lock()
	defer c.connLock.Unlock()

	if c.client != nil && !c.client.Closed() {
		return c.client, nil
	}

	if c.client != nil {
		c.logger.Warn("connection to Carla lost, reconnecting", slog.String("addr", c.addr))
	}
	if !c.limiter.Allow() {
		return nil, ErrReconnectThrottled
	}

	c.logger.Info("connecting to Carla server", slog.String("addr", c.addr))
	client, err := Dial(ctx, c.addr, WithTimeout(c.timeout), WithLogger(c.logger))
	if err != nil {
		metrics.SetConnected(false)
		c.logger.Error("failed to connect to Carla server",
			slog.String("addr", c.addr),
			slog.String("err", err.Error()))
		return nil, err
	}
	c.client = client
	metrics.SetConnected(true)
	c.logger.Info("connected to Carla server", slog.String("addr", c.addr))

	return client, nil
}

// Connected reports whether a live client exists, without dialing.
func (c *Connection) Connected() bool {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.client != nil && !c.client.Closed()
}

// MapName returns the name of the loaded map.
func (c *Connection) MapName(ctx context.Context) (string, error) {
	client, err := c.Client(ctx)
	if err != nil {
		return "", err
	}
	info, err := client.MapInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.Name, nil
}

// LoadWorld loads a map. The simulator destroys every actor of the old episode, so
// tracking is reset.
func (c *Connection) LoadWorld(ctx context.Context, mapName string) error {
	client, err := c.Client(ctx)
	if err != nil {
		return err
	}
	if err := client.LoadWorld(ctx, mapName); err != nil {
		return err
	}
	c.lock.Lock()
	c.tracked = nil
	c.lastFrame = 0
	c.lock.Unlock()
	c.changed()
	return nil
}

// Spawn spawns and tracks an actor.
func (c *Connection) Spawn(ctx context.Context, req SpawnRequest) (TrackedActor, error) {
	client, err := c.Client(ctx)
	if err != nil {
		return TrackedActor{}, err
	}

	bps, err := client.Blueprints(ctx, req.Blueprint)
	if err != nil {
		return TrackedActor{}, err
	}
	var bp *Blueprint
	for i := range bps {
		if bps[i].ID == req.Blueprint {
			bp = &bps[i]
			break
		}
	}
	if bp == nil {
		return TrackedActor{}, fmt.Errorf("%w: %s", ErrUnknownBlueprint, req.Blueprint)
	}

	desc, err := bp.Describe(req.Attributes)
	if err != nil {
		return TrackedActor{}, err
	}

	var transform Transform
	switch {
	case req.Transform != nil:
		transform = *req.Transform
	case req.ParentID != 0:
		// Attached actors default to the parent's origin.
	default:
		info, err := client.MapInfo(ctx)
		if err != nil {
			return TrackedActor{}, err
		}
		if req.SpawnPoint < 0 || req.SpawnPoint >= len(info.SpawnPoints) {
			return TrackedActor{}, fmt.Errorf("%w: %d (map %s has %d)",
				ErrInvalidSpawnPoint, req.SpawnPoint, info.Name, len(info.SpawnPoints))
		}
		transform = info.SpawnPoints[req.SpawnPoint]
	}

	actor, err := client.SpawnActor(ctx, desc, transform, req.ParentID)
	if err != nil {
		return TrackedActor{}, err
	}

	tracked := TrackedActor{
		Actor:     actor,
		Kind:      KindOf(bp.ID),
		SpawnedAt: time.Now(),
	}
	c.lock.Lock()
	c.tracked = append(c.tracked, tracked)
	c.lock.Unlock()
	c.changed()

	c.logger.Info("spawned actor",
		slog.Uint64("id", uint64(actor.ID)),
		slog.String("blueprint", bp.ID),
		slog.String("kind", string(tracked.Kind)))

	return tracked, nil
}

// Destroy destroys an actor and stops tracking it. Actors not spawned through this
// connection may be destroyed too.
func (c *Connection) Destroy(ctx context.Context, id uint32) (bool, error) {
	client, err := c.Client(ctx)
	if err != nil {
		return false, err
	}
	ok, err := client.DestroyActor(ctx, id)
	if err != nil {
		return false, err
	}
	if c.untrack(id) {
		c.changed()
	}
	return ok, nil
}

// DestroyAll destroys every tracked actor: sensors, then vehicles, then everything else.
// Tracking is cleared even when some destroys fail; the failures are joined into the
// returned error. When no client can be obtained nothing is destroyed and tracking is
// kept. The connection stays open.
func (c *Connection) DestroyAll(ctx context.Context) (int, error) {
	c.lock.Lock()
	n := len(c.tracked)
	c.lock.Unlock()

	if n == 0 {
		c.changed()
		return 0, nil
	}

	client, err := c.Client(ctx)
	if err != nil {
		return 0, err
	}

	c.lock.Lock()
	tracked := c.tracked
	c.tracked = nil
	c.lock.Unlock()

	var (
		errs      []error
		destroyed int
	)
	for _, kind := range destroyOrder {
		for _, a := range tracked {
			if a.Kind != kind {
				continue
			}
			ok, err := client.DestroyActor(ctx, a.ID)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to destroy actor %d: %w", a.ID, err))
				continue
			}
			if ok {
				destroyed++
			}
		}
	}
	c.changed()

	c.logger.Info("destroyed tracked actors",
		slog.Int("destroyed", destroyed),
		slog.Int("tracked", len(tracked)))

	return destroyed, errors.Join(errs...)
}

// Tracked returns the tracked actors of a kind in spawn order. An empty kind returns
// all of them.
func (c *Connection) Tracked(kind ActorKind) []TrackedActor {
	c.lock.Lock()
	defer c.lock.Unlock()

	out := make([]TrackedActor, 0, len(c.tracked))
	for _, a := range c.tracked {
		if kind == "" || a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Tick advances the simulation one step and remembers the resulting frame.
func (c *Connection) Tick(ctx context.Context) (uint64, error) {
	client, err := c.Client(ctx)
	if err != nil {
		return 0, err
	}
	frame, err := client.Tick(ctx)
	if err != nil {
		return 0, err
	}
	c.lock.Lock()
	c.lastFrame = frame
	c.lock.Unlock()
	return frame, nil
}

// LastFrame returns the frame of the most recent tick, zero if none happened since the
// episode started.
func (c *Connection) LastFrame() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastFrame
}

// Close destroys the tracked actors and closes the connection. A dropped connection is
// redialed for the cleanup.
func (c *Connection) Close(ctx context.Context) error {
	c.connLock.Lock()
	dialed := c.client != nil
	c.connLock.Unlock()
	if !dialed && len(c.Tracked("")) == 0 {
		c.logger.Warn("no active connection to Carla to close")
		return nil
	}

	c.logger.Info("disconnecting from Carla server", slog.String("addr", c.addr))
	_, destroyErr := c.DestroyAll(ctx)

	var closeErr error
	c.connLock.Lock()
	if c.client != nil {
		closeErr = c.client.Close()
		c.client = nil
	}
	c.connLock.Unlock()
	metrics.SetConnected(false)

	if err := errors.Join(destroyErr, closeErr); err != nil {
		return fmt.Errorf("failed to disconnect from Carla: %w", err)
	}
	return nil
}

func (c *Connection) untrack(id uint32) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	for i, a := range c.tracked {
		if a.ID == id {
			c.tracked = append(c.tracked[:i], c.tracked[i+1:]...)
			return true
		}
	}
	return false
}

// changed refreshes the tracking gauges and notifies watchers.
func (c *Connection) changed() {
	c.lock.Lock()
	counts := make(map[ActorKind]int, len(destroyOrder))
	for _, a := range c.tracked {
		counts[a.Kind]++
	}
	watchers := append([]func(){}, c.watchers...)
	c.lock.Unlock()

	for _, kind := range destroyOrder {
		metrics.SetTrackedActors(string(kind), counts[kind])
	}
	for _, fn := range watchers {
		fn()
	}
}
