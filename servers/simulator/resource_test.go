package simulator_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MegaGrindStone/carla-mcp/carla"
	"github.com/MegaGrindStone/carla-mcp/carla/carlatest"
	"github.com/MegaGrindStone/carla-mcp/mcp"
	"github.com/MegaGrindStone/carla-mcp/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readResource[T any](t *testing.T, env testEnv, uri string) T {
	t.Helper()
	result, err := env.srv.ReadResource(context.Background(), mcp.ReadResourceParams{URI: uri}, nil)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, uri, result.Contents[0].URI)
	assert.Equal(t, "application/json", result.Contents[0].MimeType)

	var v T
	require.NoError(t, json.Unmarshal([]byte(result.Contents[0].Text), &v))
	return v
}

func TestListResources(t *testing.T) {
	env := newTestEnv(t, true)

	result, err := env.srv.ListResources(context.Background(), mcp.ListResourcesParams{}, nil)
	require.NoError(t, err)
	uris := make([]string, 0, len(result.Resources))
	for _, r := range result.Resources {
		uris = append(uris, r.URI)
	}
	assert.Equal(t, []string{"carla://map", "carla://blueprints", "carla://actors", "carla://runs"}, uris)

	run := decode[struct {
		RunID string `json:"run_id"`
	}](t, env.mustCall(t, "run_simulation", map[string]any{"name": "listed", "frames": 1}))

	result, err = env.srv.ListResources(context.Background(), mcp.ListResourcesParams{}, nil)
	require.NoError(t, err)
	require.Len(t, result.Resources, 5)
	assert.Equal(t, "carla://runs/"+run.RunID, result.Resources[4].URI)
	assert.Contains(t, result.Resources[4].Name, "listed")
}

func TestReadResources(t *testing.T) {
	env := newTestEnv(t, true)

	info := readResource[carla.MapInfo](t, env, "carla://map")
	assert.Equal(t, "Carla/Maps/Town10HD_Opt", info.Name)
	assert.Len(t, info.SpawnPoints, 3)

	bps := readResource[[]carla.Blueprint](t, env, "carla://blueprints")
	assert.Len(t, bps, len(carlatest.DefaultBlueprints()))

	assert.Empty(t, readResource[[]carla.TrackedActor](t, env, "carla://actors"))
	env.mustCall(t, "spawn_actor", map[string]any{"blueprint": "vehicle.yamaha.yzf"})
	actors := readResource[[]carla.TrackedActor](t, env, "carla://actors")
	require.Len(t, actors, 1)
	assert.Equal(t, "vehicle.yamaha.yzf", actors[0].TypeID)

	run := decode[struct {
		RunID string `json:"run_id"`
	}](t, env.mustCall(t, "run_simulation", map[string]any{"frames": 2}))

	runs := readResource[[]recorder.Run](t, env, "carla://runs")
	require.Len(t, runs, 1)
	assert.Equal(t, run.RunID, runs[0].ID)

	detail := readResource[struct {
		Run    recorder.Run     `json:"run"`
		Frames []recorder.Frame `json:"frames"`
	}](t, env, "carla://runs/"+run.RunID)
	assert.Equal(t, run.RunID, detail.Run.ID)
	assert.Len(t, detail.Frames, 2)

	_, err := env.srv.ReadResource(context.Background(), mcp.ReadResourceParams{URI: "carla://runs/nope"}, nil)
	require.ErrorIs(t, err, recorder.ErrRunNotFound)
	_, err = env.srv.ReadResource(context.Background(), mcp.ReadResourceParams{URI: "carla://weather"}, nil)
	require.ErrorContains(t, err, "resource not found")
}

func TestActorSubscription(t *testing.T) {
	env := newTestEnv(t, false)

	updates := make(chan string, 10)
	go func() {
		for uri := range env.srv.SubscribedResourceUpdates() {
			updates <- uri
		}
	}()

	// Without a subscription nothing is emitted.
	env.mustCall(t, "spawn_actor", map[string]any{"blueprint": "vehicle.audi.tt"})

	env.srv.SubscribeResource(mcp.SubscribeResourceParams{URI: "carla://actors"})
	vehicle := decode[carla.TrackedActor](t, env.mustCall(t, "spawn_actor", map[string]any{
		"blueprint": "vehicle.tesla.model3",
	}))
	expectUpdate(t, updates, "carla://actors")

	env.mustCall(t, "destroy_actor", map[string]any{"actor_id": vehicle.ID})
	expectUpdate(t, updates, "carla://actors")

	env.srv.UnsubscribeResource(mcp.UnsubscribeResourceParams{URI: "carla://actors"})
	env.mustCall(t, "destroy_all_actors", nil)

	select {
	case uri := <-updates:
		t.Fatalf("unexpected update for %s", uri)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResourceListUpdatesOnRuns(t *testing.T) {
	env := newTestEnv(t, true)

	changes := make(chan struct{}, 10)
	go func() {
		for range env.srv.ResourceListUpdates() {
			changes <- struct{}{}
		}
	}()

	env.mustCall(t, "run_simulation", map[string]any{"frames": 1})

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no resource list update after a run")
	}
}

func TestCompletesRunIDs(t *testing.T) {
	env := newTestEnv(t, true)

	var ids []string
	for range 3 {
		run := decode[struct {
			RunID string `json:"run_id"`
		}](t, env.mustCall(t, "run_simulation", map[string]any{"frames": 1}))
		ids = append(ids, run.RunID)
	}

	params := mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: "ref/resource", URI: "carla://runs/{run_id}"},
		Argument: mcp.CompletionArgument{Name: "run_id", Value: ""},
	}
	result, err := env.srv.CompletesResourceTemplate(context.Background(), params)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, result.Completion.Values)
	assert.Equal(t, 3, result.Completion.Total)

	params.Argument.Value = ids[1]
	result, err = env.srv.CompletesResourceTemplate(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1]}, result.Completion.Values)

	params.Argument.Name = "frame"
	_, err = env.srv.CompletesResourceTemplate(context.Background(), params)
	require.Error(t, err)
}

func expectUpdate(t *testing.T, updates <-chan string, want string) {
	t.Helper()
	select {
	case uri := <-updates:
		assert.Equal(t, want, uri)
	case <-time.After(5 * time.Second):
		t.Fatalf("no update for %s", want)
	}
}
