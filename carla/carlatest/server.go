// Package carlatest provides an in-process fake of the Carla RPC server for tests.
//
// The fake speaks the same msgpack-rpc dialect as the simulator, including Carla's
// response envelopes, and keeps a small in-memory world: a map with spawn points, a
// blueprint library, actors, weather, episode settings and a frame counter.
package carlatest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/carla-mcp/carla"
	"github.com/tinylib/msgp/msgp"
)

// Version is the version string the fake reports.
const Version = "0.9.15-fake"

// Server is a fake Carla RPC server listening on a loopback port.
type Server struct {
	listener net.Listener

	lock        sync.Mutex
	mapName     string
	maps        []string
	spawnPoints []carla.Transform
	blueprints  []carla.Blueprint
	actors      []actorState
	nextActorID uint32
	episode     uint64
	frame       uint64
	weather     []any
	settings    []any
	failures    map[string]string
	delays      map[string]time.Duration
	calls       []Call

	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Call is one request received by the fake.
type Call struct {
	Method string
	Params []any
}

// Actor is the fake's view of a spawned actor.
type Actor struct {
	ID        uint32
	ParentID  uint32
	TypeID    string
	Transform carla.Transform
	Autopilot bool
	Control   carla.VehicleControl
}

type actorState struct {
	Actor
	uid   uint32
	attrs []any
}

// NewServer starts a fake server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &Server{
		listener:    l,
		mapName:     "Carla/Maps/Town10HD_Opt",
		maps:        []string{"/Game/Carla/Maps/Town01", "/Game/Carla/Maps/Town10HD_Opt"},
		spawnPoints: defaultSpawnPoints(),
		blueprints:  DefaultBlueprints(),
		nextActorID: 100,
		episode:     1,
		weather:     defaultWeather(),
		settings:    defaultSettings(),
		failures:    make(map[string]string),
		delays:      make(map[string]time.Duration),
		conns:       make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.accept()

	t.Cleanup(s.Close)

	return s
}

// DefaultBlueprints returns the blueprint library a new fake starts with.
func DefaultBlueprints() []carla.Blueprint {
	vehicleAttrs := func(wheels string) []carla.Attribute {
		return []carla.Attribute{
			{ID: "color", Type: carla.AttributeRGBColor, Value: "255,0,0",
				Recommended: []string{"255,0,0", "0,0,255"}, Modifiable: true},
			{ID: "number_of_wheels", Type: carla.AttributeInt, Value: wheels},
			{ID: "role_name", Type: carla.AttributeString, Value: "autopilot", Modifiable: true},
		}
	}
	return []carla.Blueprint{
		{UID: 1, ID: "vehicle.tesla.model3", Tags: []string{"vehicle", "tesla", "model3"}, Attributes: vehicleAttrs("4")},
		{UID: 2, ID: "vehicle.audi.tt", Tags: []string{"vehicle", "audi", "tt"}, Attributes: vehicleAttrs("4")},
		{UID: 3, ID: "vehicle.yamaha.yzf", Tags: []string{"vehicle", "yamaha", "yzf"}, Attributes: vehicleAttrs("2")},
		{UID: 4, ID: "sensor.camera.rgb", Tags: []string{"sensor", "camera", "rgb"}, Attributes: []carla.Attribute{
			{ID: "image_size_x", Type: carla.AttributeInt, Value: "800", Modifiable: true},
			{ID: "image_size_y", Type: carla.AttributeInt, Value: "600", Modifiable: true},
			{ID: "role_name", Type: carla.AttributeString, Value: "front", Modifiable: true},
		}},
		{UID: 5, ID: "walker.pedestrian.0001", Tags: []string{"walker", "pedestrian"}, Attributes: []carla.Attribute{
			{ID: "is_invincible", Type: carla.AttributeBool, Value: "true", Modifiable: true},
		}},
		{UID: 6, ID: "static.prop.barrel", Tags: []string{"static", "prop", "barrel"}},
	}
}

func defaultSpawnPoints() []carla.Transform {
	return []carla.Transform{
		{Location: carla.Location{X: 10, Y: 20, Z: 0.5}, Rotation: carla.Rotation{Yaw: 90}},
		{Location: carla.Location{X: -30, Y: 5, Z: 0.5}, Rotation: carla.Rotation{Yaw: 180}},
		{Location: carla.Location{X: 42, Y: -7.5, Z: 0.5}},
	}
}

func defaultWeather() []any {
	// cloudiness .. wetness, then scattering_intensity, mie, rayleigh and dust_storm.
	return []any{
		float32(5), float32(0), float32(0), float32(10), float32(0), float32(45),
		float32(2), float32(0.75), float32(0.1), float32(0),
		float32(1), float32(0.03), float32(0.0331), float32(0),
	}
}

func defaultSettings() []any {
	return []any{false, false, []any{false}, false, float64(0.1), uint64(10)}
}

// Addr returns the host:port the fake listens on.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// HostPort returns the listening address split into host and port.
func (s *Server) HostPort() (string, int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Fail makes every following call to method answer with a simulator error.
// An empty message clears the failure.
func (s *Server) Fail(method, message string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if message == "" {
		delete(s.failures, method)
		return
	}
	s.failures[method] = message
}

// Delay makes calls to method wait d before being answered.
func (s *Server) Delay(method string, d time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.delays[method] = d
}

// Calls returns the requests received so far.
func (s *Server) Calls() []Call {
	s.lock.Lock()
	defer s.lock.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times method was called.
func (s *Server) CallCount(method string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Actors returns the live actors in spawn order.
func (s *Server) Actors() []Actor {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]Actor, 0, len(s.actors))
	for _, a := range s.actors {
		out = append(out, a.Actor)
	}
	return out
}

// Frame returns the current frame.
func (s *Server) Frame() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.frame
}

// MapName returns the loaded map.
func (s *Server) MapName() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.mapName
}

// Synchronous reports whether synchronous mode is on.
func (s *Server) Synchronous() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	on, _ := s.settings[0].(bool)
	return on
}

// DropConnections closes every open client connection, simulating a simulator restart
// without releasing the port.
func (s *Server) DropConnections() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// Close stops the fake and waits for its goroutines.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.lock.Lock()
		s.conns[conn] = struct{}{}
		s.lock.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.lock.Lock()
		delete(s.conns, conn)
		s.lock.Unlock()
		conn.Close()
	}()

	r := msgp.NewReader(conn)
	w := msgp.NewWriter(conn)
	var writeLock sync.Mutex

	for {
		v, err := r.ReadIntf()
		if err != nil {
			return
		}
		req, ok := v.([]any)
		if !ok || len(req) != 4 {
			return
		}
		method, _ := req[2].(string)
		params, _ := req[3].([]any)

		s.lock.Lock()
		s.calls = append(s.calls, Call{Method: method, Params: params})
		delay := s.delays[method]
		s.lock.Unlock()

		respond := func() {
			errSlot, result := s.handle(method, params)
			writeLock.Lock()
			defer writeLock.Unlock()
			if err := writeResponse(w, req[1], errSlot, result); err != nil && !errors.Is(err, io.EOF) {
				conn.Close()
			}
		}
		if delay > 0 {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				time.Sleep(delay)
				respond()
			}()
			continue
		}
		respond()
	}
}

func writeResponse(w *msgp.Writer, id, errSlot, result any) error {
	if err := w.WriteArrayHeader(4); err != nil {
		return err
	}
	if err := w.WriteUint8(1); err != nil {
		return err
	}
	if err := w.WriteIntf(id); err != nil {
		return err
	}
	if err := w.WriteIntf(errSlot); err != nil {
		return err
	}
	if err := w.WriteIntf(result); err != nil {
		return err
	}
	return w.Flush()
}

// Carla wraps results in Response<T>: [[1, value]] or [[0, [message]]]. Methods
// returning void answer [[false]] or [[true, [message]]].
func wrapped(v any) []any { return []any{[]any{uint64(1), v}} }
func wrappedError(msg string) []any { return []any{[]any{uint64(0), []any{msg}}} }
func void() []any { return []any{[]any{false}} }
func voidError(msg string) []any { return []any{[]any{true, []any{msg}}} }

// handle returns the rpclib error slot and the result for one request.
func (s *Server) handle(method string, params []any) (any, any) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if msg, fail := s.failures[method]; fail {
		switch method {
		case "version":
			return msg, nil
		case "load_new_episode", "set_weather_parameters", "set_actor_autopilot", "apply_control_to_vehicle":
			return nil, voidError(msg)
		default:
			return nil, wrappedError(msg)
		}
	}

	switch method {
	case "version":
		return nil, Version
	case "get_map_info":
		points := make([]any, 0, len(s.spawnPoints))
		for _, p := range s.spawnPoints {
			points = append(points, p)
		}
		return nil, wrapped([]any{s.mapName, points})
	case "get_available_maps":
		maps := make([]any, 0, len(s.maps))
		for _, m := range s.maps {
			maps = append(maps, m)
		}
		return nil, wrapped(maps)
	case "load_new_episode":
		return nil, s.loadEpisode(params)
	case "get_episode_info":
		return nil, wrapped([]any{s.episode, uint64(0)})
	case "get_actor_definitions":
		defs := make([]any, 0, len(s.blueprints))
		for _, bp := range s.blueprints {
			defs = append(defs, blueprintValue(bp))
		}
		return nil, wrapped(defs)
	case "spawn_actor", "spawn_actor_with_parent":
		return nil, s.spawn(params)
	case "destroy_actor":
		id := toUint32(param(params, 0))
		i := s.actorIndex(id)
		if i < 0 {
			return nil, wrapped(false)
		}
		s.actors = slices.Delete(s.actors, i, i+1)
		return nil, wrapped(true)
	case "get_actors_by_id":
		ids, _ := param(params, 0).([]any)
		out := make([]any, 0, len(ids))
		for _, id := range ids {
			if i := s.actorIndex(toUint32(id)); i >= 0 {
				out = append(out, actorValue(s.actors[i]))
			}
		}
		return nil, wrapped(out)
	case "get_weather_parameters":
		return nil, wrapped(slices.Clone(s.weather))
	case "set_weather_parameters":
		w, isArr := param(params, 0).([]any)
		if !isArr {
			return nil, voidError("invalid weather")
		}
		s.weather = w
		return nil, void()
	case "get_episode_settings":
		return nil, wrapped(slices.Clone(s.settings))
	case "set_episode_settings":
		settings, isArr := param(params, 0).([]any)
		if !isArr || len(settings) < 3 {
			return nil, wrappedError("invalid settings")
		}
		s.settings = settings
		return nil, wrapped(s.frame)
	case "tick_cue":
		s.frame++
		return nil, wrapped(s.frame)
	case "set_actor_autopilot":
		i := s.actorIndex(toUint32(param(params, 0)))
		if i < 0 {
			return nil, voidError("unable to find actor")
		}
		if !strings.HasPrefix(s.actors[i].TypeID, "vehicle.") {
			return nil, voidError("actor is not a vehicle")
		}
		s.actors[i].Autopilot, _ = param(params, 1).(bool)
		return nil, void()
	case "apply_control_to_vehicle":
		i := s.actorIndex(toUint32(param(params, 0)))
		if i < 0 {
			return nil, voidError("unable to find actor")
		}
		s.actors[i].Control = toControl(param(params, 1))
		return nil, void()
	default:
		return fmt.Sprintf("rpclib: server could not find function '%s' with argument count %d.",
			method, len(params)), nil
	}
}

func (s *Server) loadEpisode(params []any) any {
	name, _ := param(params, 0).(string)
	for _, m := range s.maps {
		if m == name || strings.HasSuffix(m, "/"+name) {
			s.mapName = strings.TrimPrefix(m, "/Game/")
			s.actors = nil
			s.episode++
			s.frame = 0
			s.settings = defaultSettings()
			return void()
		}
	}
	return voidError(fmt.Sprintf("map '%s' not found", name))
}

func (s *Server) spawn(params []any) any {
	desc, _ := param(params, 0).([]any)
	typeID, _ := param(desc, 1).(string)

	found := false
	for _, bp := range s.blueprints {
		if bp.ID == typeID {
			found = true
			break
		}
	}
	if !found {
		return wrappedError(fmt.Sprintf("actor definition '%s' not found", typeID))
	}

	var parent uint32
	if p := param(params, 2); p != nil {
		parent = toUint32(p)
		if s.actorIndex(parent) < 0 {
			return wrappedError("parent actor not found")
		}
	}

	a := actorState{
		Actor: Actor{
			ID:        s.nextActorID,
			ParentID:  parent,
			TypeID:    typeID,
			Transform: toTransform(param(params, 1)),
		},
		uid: toUint32(param(desc, 0)),
	}
	a.attrs, _ = param(desc, 2).([]any)
	s.nextActorID++
	s.actors = append(s.actors, a)

	return wrapped(actorValue(a))
}

func (s *Server) actorIndex(id uint32) int {
	for i, a := range s.actors {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func blueprintValue(bp carla.Blueprint) []any {
	attrs := make([]any, 0, len(bp.Attributes))
	for _, a := range bp.Attributes {
		rec := make([]any, 0, len(a.Recommended))
		for _, r := range a.Recommended {
			rec = append(rec, r)
		}
		attrs = append(attrs, []any{a.ID, uint64(a.Type), a.Value, rec, a.Modifiable})
	}
	return []any{uint64(bp.UID), bp.ID, strings.Join(bp.Tags, ","), attrs}
}

func actorValue(a actorState) []any {
	attrs := a.attrs
	if attrs == nil {
		attrs = []any{}
	}
	return []any{
		uint64(a.ID),
		uint64(a.ParentID),
		[]any{uint64(a.uid), a.TypeID, attrs},
		[]any{},
		[]any{},
		[]byte{},
	}
}

func param(params []any, i int) any {
	if i >= len(params) {
		return nil
	}
	return params[i]
}

func toUint32(v any) uint32 {
	switch v := v.(type) {
	case uint64:
		return uint32(v)
	case int64:
		return uint32(v)
	default:
		return 0
	}
}

func toFloat32(v any) float32 {
	switch v := v.(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int64:
		return float32(v)
	case uint64:
		return float32(v)
	default:
		return 0
	}
}

func toTransform(v any) carla.Transform {
	arr, _ := v.([]any)
	loc, _ := param(arr, 0).([]any)
	rot, _ := param(arr, 1).([]any)
	return carla.Transform{
		Location: carla.Location{X: toFloat32(param(loc, 0)), Y: toFloat32(param(loc, 1)), Z: toFloat32(param(loc, 2))},
		Rotation: carla.Rotation{Pitch: toFloat32(param(rot, 0)), Yaw: toFloat32(param(rot, 1)), Roll: toFloat32(param(rot, 2))},
	}
}

func toControl(v any) carla.VehicleControl {
	arr, _ := v.([]any)
	hand, _ := param(arr, 3).(bool)
	reverse, _ := param(arr, 4).(bool)
	return carla.VehicleControl{
		Throttle:  toFloat32(param(arr, 0)),
		Steer:     toFloat32(param(arr, 1)),
		Brake:     toFloat32(param(arr, 2)),
		HandBrake: hand,
		Reverse:   reverse,
	}
}
