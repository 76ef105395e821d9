package carla

import (
	"fmt"
	"strings"

	"github.com/tinylib/msgp/msgp"
)

// Location is a point in world coordinates, in meters.
type Location struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Rotation is an orientation in degrees.
type Rotation struct {
	Pitch float32 `json:"pitch"`
	Yaw   float32 `json:"yaw"`
	Roll  float32 `json:"roll"`
}

// Transform places an actor in the world.
type Transform struct {
	Location Location `json:"location"`
	Rotation Rotation `json:"rotation"`
}

// AttributeType is the value type of a blueprint attribute.
type AttributeType uint8

// Attribute types, in the order of Carla's ActorAttributeType enum.
const (
	AttributeBool AttributeType = iota
	AttributeInt
	AttributeFloat
	AttributeString
	AttributeRGBColor
)

// Attribute describes one configurable property of a blueprint.
type Attribute struct {
	ID          string        `json:"id"`
	Type        AttributeType `json:"type"`
	Value       string        `json:"value"`
	Recommended []string      `json:"recommended,omitempty"`
	Modifiable  bool          `json:"modifiable"`
}

// Blueprint is an actor definition the simulator knows how to spawn.
type Blueprint struct {
	UID        uint32      `json:"uid"`
	ID         string      `json:"id"`
	Tags       []string    `json:"tags,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// ActorDescription is the spawn request sent for a blueprint.
type ActorDescription struct {
	UID        uint32
	ID         string
	Attributes []Attribute
}

// Actor is a live entity in the simulation.
type Actor struct {
	ID         uint32            `json:"id"`
	ParentID   uint32            `json:"parent_id,omitempty"`
	TypeID     string            `json:"type_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// MapInfo describes the loaded map.
type MapInfo struct {
	Name        string      `json:"name"`
	SpawnPoints []Transform `json:"spawn_points"`
}

// EpisodeInfo identifies the current episode. Loading a map starts a new episode.
type EpisodeInfo struct {
	ID uint64 `json:"id"`
}

// VehicleControl drives a vehicle for the next simulation step.
type VehicleControl struct {
	Throttle  float32 `json:"throttle"`
	Steer     float32 `json:"steer"`
	Brake     float32 `json:"brake"`
	HandBrake bool    `json:"hand_brake"`
	Reverse   bool    `json:"reverse"`
}

// ActorKind groups spawned actors the same way their blueprints are namespaced.
type ActorKind string

// Actor kinds.
const (
	KindVehicle ActorKind = "vehicle"
	KindSensor  ActorKind = "sensor"
	KindActor   ActorKind = "actor"
)

// KindOf returns the kind of actor a blueprint id spawns.
func KindOf(blueprintID string) ActorKind {
	switch {
	case strings.HasPrefix(blueprintID, "vehicle."):
		return KindVehicle
	case strings.HasPrefix(blueprintID, "sensor."):
		return KindSensor
	default:
		return KindActor
	}
}

// ParseKind validates a kind name. The empty string is accepted and means every kind.
func ParseKind(s string) (ActorKind, error) {
	switch k := ActorKind(s); k {
	case "", KindVehicle, KindSensor, KindActor:
		return k, nil
	default:
		return "", fmt.Errorf("unknown actor kind %q", s)
	}
}

// Describe builds a spawn description from the blueprint defaults, applying the given
// attribute overrides. Only modifiable attributes may be overridden.
func (b Blueprint) Describe(overrides map[string]string) (ActorDescription, error) {
	desc := ActorDescription{
		UID:        b.UID,
		ID:         b.ID,
		Attributes: make([]Attribute, 0, len(b.Attributes)),
	}
	seen := make(map[string]struct{}, len(overrides))
	for _, attr := range b.Attributes {
		if v, ok := overrides[attr.ID]; ok {
			if !attr.Modifiable {
				return ActorDescription{}, fmt.Errorf("attribute %q of %s is not modifiable", attr.ID, b.ID)
			}
			attr.Value = v
			seen[attr.ID] = struct{}{}
		}
		desc.Attributes = append(desc.Attributes, attr)
	}
	for id := range overrides {
		if _, ok := seen[id]; !ok {
			return ActorDescription{}, fmt.Errorf("blueprint %s has no attribute %q", b.ID, id)
		}
	}
	return desc, nil
}

// HasTag reports whether the blueprint carries the tag.
func (b Blueprint) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// EncodeMsg implements msgp.Encodable.
func (l Location) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteArrayHeader(3); err != nil {
		return err
	}
	for _, f := range []float32{l.X, l.Y, l.Z} {
		if err := w.WriteFloat32(f); err != nil {
			return err
		}
	}
	return nil
}

// EncodeMsg implements msgp.Encodable.
func (r Rotation) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteArrayHeader(3); err != nil {
		return err
	}
	for _, f := range []float32{r.Pitch, r.Yaw, r.Roll} {
		if err := w.WriteFloat32(f); err != nil {
			return err
		}
	}
	return nil
}

// EncodeMsg implements msgp.Encodable.
func (t Transform) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteArrayHeader(2); err != nil {
		return err
	}
	if err := t.Location.EncodeMsg(w); err != nil {
		return err
	}
	return t.Rotation.EncodeMsg(w)
}

// EncodeMsg implements msgp.Encodable.
func (d ActorDescription) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteArrayHeader(3); err != nil {
		return err
	}
	if err := w.WriteUint32(d.UID); err != nil {
		return err
	}
	if err := w.WriteString(d.ID); err != nil {
		return err
	}
	if err := w.WriteArrayHeader(uint32(len(d.Attributes))); err != nil {
		return err
	}
	for _, attr := range d.Attributes {
		if err := w.WriteArrayHeader(3); err != nil {
			return err
		}
		if err := w.WriteString(attr.ID); err != nil {
			return err
		}
		if err := w.WriteUint8(uint8(attr.Type)); err != nil {
			return err
		}
		if err := w.WriteString(attr.Value); err != nil {
			return err
		}
	}
	return nil
}

// EncodeMsg implements msgp.Encodable.
func (c VehicleControl) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteArrayHeader(7); err != nil {
		return err
	}
	for _, f := range []float32{c.Throttle, c.Steer, c.Brake} {
		if err := w.WriteFloat32(f); err != nil {
			return err
		}
	}
	// hand_brake, reverse, manual_gear_shift
	for _, b := range []bool{c.HandBrake, c.Reverse, false} {
		if err := w.WriteBool(b); err != nil {
			return err
		}
	}
	return w.WriteInt32(0)
}

// Clamp limits the control values to the ranges the simulator accepts.
func (c VehicleControl) Clamp() VehicleControl {
	c.Throttle = clamp(c.Throttle, 0, 1)
	c.Steer = clamp(c.Steer, -1, 1)
	c.Brake = clamp(c.Brake, 0, 1)
	return c
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}

func decodeLocation(v any) (Location, error) {
	arr, err := asArray(v)
	if err != nil {
		return Location{}, err
	}
	var l Location
	for i, p := range []*float32{&l.X, &l.Y, &l.Z} {
		if *p, err = asFloat32(field(arr, i)); err != nil {
			return Location{}, err
		}
	}
	return l, nil
}

func decodeRotation(v any) (Rotation, error) {
	arr, err := asArray(v)
	if err != nil {
		return Rotation{}, err
	}
	var r Rotation
	for i, p := range []*float32{&r.Pitch, &r.Yaw, &r.Roll} {
		if *p, err = asFloat32(field(arr, i)); err != nil {
			return Rotation{}, err
		}
	}
	return r, nil
}

func decodeTransform(v any) (Transform, error) {
	arr, err := asArray(v)
	if err != nil {
		return Transform{}, err
	}
	loc, err := decodeLocation(field(arr, 0))
	if err != nil {
		return Transform{}, fmt.Errorf("location: %w", err)
	}
	rot, err := decodeRotation(field(arr, 1))
	if err != nil {
		return Transform{}, fmt.Errorf("rotation: %w", err)
	}
	return Transform{Location: loc, Rotation: rot}, nil
}

func decodeMapInfo(v any) (MapInfo, error) {
	arr, err := asArray(v)
	if err != nil {
		return MapInfo{}, err
	}
	name, err := asString(field(arr, 0))
	if err != nil {
		return MapInfo{}, fmt.Errorf("name: %w", err)
	}
	info := MapInfo{Name: name}
	if field(arr, 1) == nil {
		return info, nil
	}
	points, err := asArray(arr[1])
	if err != nil {
		return MapInfo{}, fmt.Errorf("spawn points: %w", err)
	}
	info.SpawnPoints = make([]Transform, 0, len(points))
	for i, p := range points {
		t, err := decodeTransform(p)
		if err != nil {
			return MapInfo{}, fmt.Errorf("spawn point %d: %w", i, err)
		}
		info.SpawnPoints = append(info.SpawnPoints, t)
	}
	return info, nil
}

func decodeAttribute(v any) (Attribute, error) {
	arr, err := asArray(v)
	if err != nil {
		return Attribute{}, err
	}
	var attr Attribute
	if attr.ID, err = asString(field(arr, 0)); err != nil {
		return Attribute{}, fmt.Errorf("id: %w", err)
	}
	typ, err := asUint64(field(arr, 1))
	if err != nil {
		return Attribute{}, fmt.Errorf("type of %s: %w", attr.ID, err)
	}
	attr.Type = AttributeType(typ)
	if attr.Value, err = asString(field(arr, 2)); err != nil {
		return Attribute{}, fmt.Errorf("value of %s: %w", attr.ID, err)
	}
	if rec, ok := field(arr, 3).([]any); ok {
		for _, r := range rec {
			s, err := asString(r)
			if err != nil {
				return Attribute{}, fmt.Errorf("recommended values of %s: %w", attr.ID, err)
			}
			attr.Recommended = append(attr.Recommended, s)
		}
	}
	// Actor descriptions only carry three fields; their attributes are never modifiable.
	if m, ok := field(arr, 4).(bool); ok {
		attr.Modifiable = m
	}
	return attr, nil
}

func decodeAttributes(v any) ([]Attribute, error) {
	if v == nil {
		return nil, nil
	}
	arr, err := asArray(v)
	if err != nil {
		return nil, err
	}
	attrs := make([]Attribute, 0, len(arr))
	for _, a := range arr {
		attr, err := decodeAttribute(a)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func decodeBlueprint(v any) (Blueprint, error) {
	arr, err := asArray(v)
	if err != nil {
		return Blueprint{}, err
	}
	var bp Blueprint
	if bp.UID, err = asUint32(field(arr, 0)); err != nil {
		return Blueprint{}, fmt.Errorf("uid: %w", err)
	}
	if bp.ID, err = asString(field(arr, 1)); err != nil {
		return Blueprint{}, fmt.Errorf("id: %w", err)
	}
	tags, err := asString(field(arr, 2))
	if err != nil {
		return Blueprint{}, fmt.Errorf("tags of %s: %w", bp.ID, err)
	}
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			bp.Tags = append(bp.Tags, t)
		}
	}
	if bp.Attributes, err = decodeAttributes(field(arr, 3)); err != nil {
		return Blueprint{}, fmt.Errorf("attributes of %s: %w", bp.ID, err)
	}
	return bp, nil
}

func decodeActor(v any) (Actor, error) {
	arr, err := asArray(v)
	if err != nil {
		return Actor{}, err
	}
	var a Actor
	if a.ID, err = asUint32(field(arr, 0)); err != nil {
		return Actor{}, fmt.Errorf("id: %w", err)
	}
	if p := field(arr, 1); p != nil {
		if a.ParentID, err = asUint32(p); err != nil {
			return Actor{}, fmt.Errorf("parent id: %w", err)
		}
	}
	desc, err := asArray(field(arr, 2))
	if err != nil {
		return Actor{}, fmt.Errorf("description: %w", err)
	}
	if a.TypeID, err = asString(field(desc, 1)); err != nil {
		return Actor{}, fmt.Errorf("type id: %w", err)
	}
	attrs, err := decodeAttributes(field(desc, 2))
	if err != nil {
		return Actor{}, fmt.Errorf("attributes: %w", err)
	}
	if len(attrs) > 0 {
		a.Attributes = make(map[string]string, len(attrs))
		for _, attr := range attrs {
			a.Attributes[attr.ID] = attr.Value
		}
	}
	return a, nil
}

func decodeActors(v any) ([]Actor, error) {
	arr, err := asArray(v)
	if err != nil {
		return nil, err
	}
	actors := make([]Actor, 0, len(arr))
	for i, item := range arr {
		a, err := decodeActor(item)
		if err != nil {
			return nil, fmt.Errorf("actor %d: %w", i, err)
		}
		actors = append(actors, a)
	}
	return actors, nil
}

func decodeStrings(v any) ([]string, error) {
	arr, err := asArray(v)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, err := asString(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
