package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/carla-mcp/mcp"
)

const (
	jsonMimeType         = "application/json"
	listedRuns           = 20
	maxCompletionResults = 100
)

var staticResources = []mcp.Resource{
	{
		URI:         mapURI,
		Name:        "Map",
		Description: "The loaded map and its recommended spawn points",
		MimeType:    jsonMimeType,
	},
	{
		URI:         blueprintURI,
		Name:        "Blueprints",
		Description: "Every blueprint the simulator can spawn",
		MimeType:    jsonMimeType,
	},
	{
		URI:         actorsURI,
		Name:        "Tracked actors",
		Description: "Actors spawned through this server. Subscribe to be told about spawns and destroys",
		MimeType:    jsonMimeType,
	},
	{
		URI:         runsURI,
		Name:        "Recorded runs",
		Description: "The most recent recorded simulation runs",
		MimeType:    jsonMimeType,
	},
}

// ListResources implements mcp.ResourceServer. Recent recorded runs are listed after the
// fixed resources.
func (s *Server) ListResources(
	ctx context.Context,
	_ mcp.ListResourcesParams,
	_ mcp.ProgressReporter,
) (mcp.ListResourcesResult, error) {
	resources := append([]mcp.Resource{}, staticResources...)
	if s.store == nil {
		return mcp.ListResourcesResult{Resources: resources}, nil
	}

	runs, err := s.store.Runs(ctx, listedRuns)
	if err != nil {
		return mcp.ListResourcesResult{}, err
	}
	for _, run := range runs {
		name := run.ID
		if run.Name != "" {
			name = fmt.Sprintf("%s (%s)", run.Name, run.ID)
		}
		resources = append(resources, mcp.Resource{
			URI:         runURIPrefix + run.ID,
			Name:        name,
			Description: fmt.Sprintf("Simulation run on %s, %s, %d frames", run.MapName, run.Status, run.Frames),
			MimeType:    jsonMimeType,
		})
	}
	return mcp.ListResourcesResult{Resources: resources}, nil
}

// ReadResource implements mcp.ResourceServer.
func (s *Server) ReadResource(
	ctx context.Context,
	params mcp.ReadResourceParams,
	_ mcp.ProgressReporter,
) (mcp.ReadResourceResult, error) {
	var (
		v   any
		err error
	)
	switch uri := params.URI; {
	case uri == mapURI:
		v, err = s.readMap(ctx)
	case uri == blueprintURI:
		v, err = s.readBlueprints(ctx)
	case uri == actorsURI:
		v = s.conn.Tracked("")
	case uri == runsURI:
		if s.store == nil {
			return mcp.ReadResourceResult{}, errRecordingDisabled
		}
		v, err = s.store.Runs(ctx, listedRuns)
	case strings.HasPrefix(uri, runURIPrefix):
		v, err = s.runDetail(ctx, strings.TrimPrefix(uri, runURIPrefix))
	default:
		return mcp.ReadResourceResult{}, fmt.Errorf("resource not found: %s", params.URI)
	}
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}

	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.ReadResourceResult{}, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: params.URI, MimeType: jsonMimeType, Text: string(bs)}},
	}, nil
}

// ListResourceTemplates implements mcp.ResourceServer.
func (s *Server) ListResourceTemplates(
	context.Context,
	mcp.ListResourceTemplatesParams,
	mcp.ProgressReporter,
) (mcp.ListResourceTemplatesResult, error) {
	return mcp.ListResourceTemplatesResult{
		Templates: []mcp.ResourceTemplate{{
			URITemplate: runTemplate,
			Name:        "Recorded run",
			Description: "A recorded simulation run with its frames",
			MimeType:    jsonMimeType,
		}},
	}, nil
}

// CompletesResourceTemplate implements mcp.ResourceServer. It completes run ids of the
// run template by prefix.
func (s *Server) CompletesResourceTemplate(
	ctx context.Context,
	params mcp.CompletesCompletionParams,
) (mcp.CompletionResult, error) {
	var result mcp.CompletionResult
	if params.Ref.URI != runTemplate {
		return result, fmt.Errorf("unknown resource template: %s", params.Ref.URI)
	}
	if params.Argument.Name != "run_id" {
		return result, fmt.Errorf("unknown argument: %s", params.Argument.Name)
	}
	if s.store == nil {
		return result, nil
	}

	runs, err := s.store.Runs(ctx, maxRunsLimit)
	if err != nil {
		return result, err
	}
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID)
	}
	return completion(ids, params.Argument.Value), nil
}

func (s *Server) readMap(ctx context.Context) (any, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.MapInfo(ctx)
}

func (s *Server) readBlueprints(ctx context.Context) (any, error) {
	client, err := s.conn.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Blueprints(ctx, "")
}

// completion filters candidates by case-insensitive prefix, capped at
// maxCompletionResults values.
func completion(candidates []string, prefix string) mcp.CompletionResult {
	var result mcp.CompletionResult
	prefix = strings.ToLower(prefix)

	matches := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if strings.HasPrefix(strings.ToLower(c), prefix) {
			matches = append(matches, c)
		}
	}

	result.Completion.Total = len(matches)
	if len(matches) > maxCompletionResults {
		matches = matches[:maxCompletionResults]
		result.Completion.HasMore = true
	}
	result.Completion.Values = matches
	return result
}
