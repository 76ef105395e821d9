package carla

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := map[string]ActorKind{
		"vehicle.tesla.model3":   KindVehicle,
		"sensor.camera.rgb":      KindSensor,
		"walker.pedestrian.0001": KindActor,
		"static.prop.barrel":     KindActor,
		"vehicles.not.a.prefix":  KindActor,
	}
	for id, want := range tests {
		assert.Equal(t, want, KindOf(id), id)
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"", "vehicle", "sensor", "actor"} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, ActorKind(s), k)
	}
	_, err := ParseKind("walker")
	assert.Error(t, err)
}

func TestBlueprintDescribe(t *testing.T) {
	bp := Blueprint{
		UID: 3,
		ID:  "vehicle.audi.tt",
		Attributes: []Attribute{
			{ID: "color", Type: AttributeRGBColor, Value: "0,0,0", Modifiable: true},
			{ID: "number_of_wheels", Type: AttributeInt, Value: "4"},
		},
	}

	t.Run("defaults", func(t *testing.T) {
		desc, err := bp.Describe(nil)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), desc.UID)
		assert.Equal(t, bp.Attributes, desc.Attributes)
	})

	t.Run("override", func(t *testing.T) {
		desc, err := bp.Describe(map[string]string{"color": "255,0,0"})
		require.NoError(t, err)
		assert.Equal(t, "255,0,0", desc.Attributes[0].Value)
		assert.Equal(t, AttributeRGBColor, desc.Attributes[0].Type)
		assert.Equal(t, "0,0,0", bp.Attributes[0].Value, "blueprint must not be modified")
	})

	t.Run("not modifiable", func(t *testing.T) {
		_, err := bp.Describe(map[string]string{"number_of_wheels": "3"})
		assert.ErrorContains(t, err, "not modifiable")
	})

	t.Run("unknown attribute", func(t *testing.T) {
		_, err := bp.Describe(map[string]string{"wings": "2"})
		assert.ErrorContains(t, err, "no attribute")
	})
}

func TestVehicleControlClamp(t *testing.T) {
	c := VehicleControl{Throttle: 1.5, Steer: -3, Brake: -0.2, Reverse: true}.Clamp()
	assert.Equal(t, VehicleControl{Throttle: 1, Steer: -1, Brake: 0, Reverse: true}, c)
}

func TestBlueprintHasTag(t *testing.T) {
	bp := Blueprint{Tags: []string{"vehicle", "car"}}
	assert.True(t, bp.HasTag("car"))
	assert.False(t, bp.HasTag("truck"))
}
