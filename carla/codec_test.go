package carla

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"
)

func TestUnwrapResponse(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    any
		wantErr string
	}{
		{name: "value", in: []any{[]any{int64(1), "Town01"}}, want: "Town01"},
		{name: "array value", in: []any{[]any{uint64(1), []any{int64(3)}}}, want: []any{int64(3)}},
		{name: "error", in: []any{[]any{int64(0), []any{"actor not found"}}}, wantErr: "actor not found"},
		{name: "void ok", in: []any{[]any{false}}, want: nil},
		{name: "void error", in: []any{[]any{true, []any{"map not found"}}}, wantErr: "map not found"},
		{name: "plain string", in: "0.9.15", want: "0.9.15"},
		{name: "plain array", in: []any{int64(1), int64(2)}, want: []any{int64(1), int64(2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := unwrapResponse(tt.in)
			if tt.wantErr != "" {
				var serverErr *ServerError
				require.True(t, errors.As(err, &serverErr), "expected ServerError, got %v", err)
				assert.Equal(t, tt.wantErr, serverErr.Message)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("unwrapResponse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDescribeError(t *testing.T) {
	assert.Equal(t, "unknown error", describeError(nil))
	assert.Equal(t, "boom", describeError([]byte("boom")))
	assert.Equal(t, "boom", describeError([]any{"boom"}))
	assert.Equal(t, "42", describeError(int64(42)))
}

func TestAsUint64(t *testing.T) {
	n, err := asUint64(int64(7))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)

	_, err = asUint64(int64(-1))
	assert.Error(t, err)

	_, err = asUint64("7")
	assert.Error(t, err)

	_, err = asUint32(uint64(1) << 40)
	assert.Error(t, err)
}

func roundTrip(t *testing.T, e msgp.Encodable) any {
	t.Helper()

	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	require.NoError(t, e.EncodeMsg(w))
	require.NoError(t, w.Flush())

	v, err := msgp.NewReader(&buf).ReadIntf()
	require.NoError(t, err)
	return v
}

func TestWeatherKeepsUnknownFields(t *testing.T) {
	wire := []any{
		float32(5), float32(0), float32(0), float32(10), float32(0), float32(45),
		float32(2), float32(0.75), float32(0.1), float32(0),
		float32(1), float32(0.03),
	}
	w, err := decodeWeather(wire)
	require.NoError(t, err)
	assert.Equal(t, float32(45), w.SunAltitudeAngle)

	w.Cloudiness = 80
	encoded, err := asArray(roundTrip(t, w))
	require.NoError(t, err)
	require.Len(t, encoded, len(wire))
	assert.Equal(t, float32(80), encoded[0])
	assert.Equal(t, float32(0.03), encoded[11])
}

func TestWeatherShortWire(t *testing.T) {
	w, err := decodeWeather([]any{float32(30), float32(40)})
	require.NoError(t, err)
	assert.Equal(t, float32(30), w.Cloudiness)
	assert.Equal(t, float32(40), w.Precipitation)
	assert.Zero(t, w.Wetness)
}

func TestSettingsEncoding(t *testing.T) {
	s, err := decodeSettings([]any{false, true, []any{false}, false, float64(0.1), int64(10)})
	require.NoError(t, err)
	assert.False(t, s.SynchronousMode)
	assert.True(t, s.NoRenderingMode)
	assert.Nil(t, s.FixedDeltaSeconds)

	delta := 0.05
	s.SynchronousMode = true
	s.FixedDeltaSeconds = &delta

	encoded, err := asArray(roundTrip(t, s))
	require.NoError(t, err)
	require.Len(t, encoded, 6)
	assert.Equal(t, true, encoded[0])
	assert.Equal(t, []any{true, 0.05}, encoded[2])
	assert.Equal(t, int64(10), encoded[5])

	back, err := decodeSettings(encoded)
	require.NoError(t, err)
	require.NotNil(t, back.FixedDeltaSeconds)
	assert.InDelta(t, 0.05, *back.FixedDeltaSeconds, 1e-9)
}

func TestDecodeEpisodeInfo(t *testing.T) {
	info, err := decodeEpisodeInfo([]any{uint64(3), uint64(0)})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.ID)

	info, err = decodeEpisodeInfo(int64(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), info.ID)
}

func TestDecodeBlueprint(t *testing.T) {
	bp, err := decodeBlueprint([]any{
		int64(7), "vehicle.audi.tt", "vehicle, audi,tt,",
		[]any{
			[]any{"color", int64(4), "0,0,0", []any{"0,0,0", "255,255,255"}, true},
			[]any{"number_of_wheels", int64(1), "4", []any{}, false},
		},
	})
	require.NoError(t, err)

	want := Blueprint{
		UID:  7,
		ID:   "vehicle.audi.tt",
		Tags: []string{"vehicle", "audi", "tt"},
		Attributes: []Attribute{
			{ID: "color", Type: AttributeRGBColor, Value: "0,0,0", Recommended: []string{"0,0,0", "255,255,255"}, Modifiable: true},
			{ID: "number_of_wheels", Type: AttributeInt, Value: "4"},
		},
	}
	if diff := cmp.Diff(want, bp); diff != "" {
		t.Errorf("decodeBlueprint() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeActor(t *testing.T) {
	a, err := decodeActor([]any{
		int64(120), int64(0),
		[]any{int64(7), "vehicle.audi.tt", []any{[]any{"role_name", int64(3), "hero"}}},
		[]any{}, []any{}, []byte{},
	})
	require.NoError(t, err)
	assert.Equal(t, Actor{ID: 120, TypeID: "vehicle.audi.tt", Attributes: map[string]string{"role_name": "hero"}}, a)

	_, err = decodeActor([]any{int64(1)})
	assert.Error(t, err)
}
