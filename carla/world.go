package carla

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Weather holds the weather parameters of the current episode.
//
// Newer simulator versions append fields to the wire struct. Weather decodes the
// fields it knows and keeps the rest so that writing it back does not reset them.
type Weather struct {
	Cloudiness            float32 `json:"cloudiness"`
	Precipitation         float32 `json:"precipitation"`
	PrecipitationDeposits float32 `json:"precipitation_deposits"`
	WindIntensity         float32 `json:"wind_intensity"`
	SunAzimuthAngle       float32 `json:"sun_azimuth_angle"`
	SunAltitudeAngle      float32 `json:"sun_altitude_angle"`
	FogDensity            float32 `json:"fog_density"`
	FogDistance           float32 `json:"fog_distance"`
	FogFalloff            float32 `json:"fog_falloff"`
	Wetness               float32 `json:"wetness"`

	raw []any
}

func (w *Weather) fields() []*float32 {
	return []*float32{
		&w.Cloudiness,
		&w.Precipitation,
		&w.PrecipitationDeposits,
		&w.WindIntensity,
		&w.SunAzimuthAngle,
		&w.SunAltitudeAngle,
		&w.FogDensity,
		&w.FogDistance,
		&w.FogFalloff,
		&w.Wetness,
	}
}

// EncodeMsg implements msgp.Encodable.
func (w Weather) EncodeMsg(wr *msgp.Writer) error {
	fields := w.fields()
	n := len(fields)
	if w.raw != nil {
		n = len(w.raw)
	}
	if err := wr.WriteArrayHeader(uint32(n)); err != nil {
		return err
	}
	for i := range n {
		var err error
		if i < len(fields) {
			err = wr.WriteFloat32(*fields[i])
		} else {
			err = wr.WriteIntf(w.raw[i])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeWeather(v any) (Weather, error) {
	arr, err := asArray(v)
	if err != nil {
		return Weather{}, err
	}
	w := Weather{raw: arr}
	for i, p := range w.fields() {
		f := field(arr, i)
		if f == nil {
			continue
		}
		if *p, err = asFloat32(f); err != nil {
			return Weather{}, fmt.Errorf("weather field %d: %w", i, err)
		}
	}
	return w, nil
}

// Settings holds the episode settings that control how the simulation advances.
// Like Weather, fields it does not know are carried through unchanged.
type Settings struct {
	SynchronousMode   bool     `json:"synchronous_mode"`
	NoRenderingMode   bool     `json:"no_rendering_mode"`
	FixedDeltaSeconds *float64 `json:"fixed_delta_seconds,omitempty"`

	raw []any
}

const settingsKnownFields = 3

// EncodeMsg implements msgp.Encodable.
func (s Settings) EncodeMsg(w *msgp.Writer) error {
	n := max(len(s.raw), settingsKnownFields)
	if err := w.WriteArrayHeader(uint32(n)); err != nil {
		return err
	}
	if err := w.WriteBool(s.SynchronousMode); err != nil {
		return err
	}
	if err := w.WriteBool(s.NoRenderingMode); err != nil {
		return err
	}
	// fixed_delta_seconds is an optional<double>: [false] or [true, value].
	if s.FixedDeltaSeconds == nil {
		if err := w.WriteArrayHeader(1); err != nil {
			return err
		}
		if err := w.WriteBool(false); err != nil {
			return err
		}
	} else {
		if err := w.WriteArrayHeader(2); err != nil {
			return err
		}
		if err := w.WriteBool(true); err != nil {
			return err
		}
		if err := w.WriteFloat64(*s.FixedDeltaSeconds); err != nil {
			return err
		}
	}
	for i := settingsKnownFields; i < n; i++ {
		if err := w.WriteIntf(s.raw[i]); err != nil {
			return err
		}
	}
	return nil
}

func decodeSettings(v any) (Settings, error) {
	arr, err := asArray(v)
	if err != nil {
		return Settings{}, err
	}
	s := Settings{raw: arr}
	if f := field(arr, 0); f != nil {
		if s.SynchronousMode, err = asBool(f); err != nil {
			return Settings{}, fmt.Errorf("synchronous mode: %w", err)
		}
	}
	if f := field(arr, 1); f != nil {
		if s.NoRenderingMode, err = asBool(f); err != nil {
			return Settings{}, fmt.Errorf("no rendering mode: %w", err)
		}
	}
	if s.FixedDeltaSeconds, err = decodeOptionalFloat(field(arr, 2)); err != nil {
		return Settings{}, fmt.Errorf("fixed delta seconds: %w", err)
	}
	return s, nil
}

func decodeOptionalFloat(v any) (*float64, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []any:
		if len(v) == 0 {
			return nil, nil
		}
		set, err := asBool(v[0])
		if err != nil {
			return nil, err
		}
		if !set {
			return nil, nil
		}
		f, err := asFloat64(field(v, 1))
		if err != nil {
			return nil, err
		}
		return &f, nil
	default:
		f, err := asFloat64(v)
		if err != nil {
			return nil, err
		}
		return &f, nil
	}
}

func decodeEpisodeInfo(v any) (EpisodeInfo, error) {
	if id, err := asUint64(v); err == nil {
		return EpisodeInfo{ID: id}, nil
	}
	arr, err := asArray(v)
	if err != nil {
		return EpisodeInfo{}, err
	}
	id, err := asUint64(field(arr, 0))
	if err != nil {
		return EpisodeInfo{}, fmt.Errorf("id: %w", err)
	}
	return EpisodeInfo{ID: id}, nil
}
