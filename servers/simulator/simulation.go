package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/carla-mcp/carla"
	"github.com/MegaGrindStone/carla-mcp/mcp"
	"github.com/MegaGrindStone/carla-mcp/recorder"
)

const (
	defaultFixedDeltaSeconds = 0.05
	progressSteps            = 100
	restoreTimeout           = 10 * time.Second
)

// SimulationResult summarizes a run_simulation call.
type SimulationResult struct {
	RunID      string          `json:"run_id,omitempty"`
	Status     recorder.Status `json:"status"`
	Frames     int             `json:"frames"`
	FirstFrame uint64          `json:"first_frame"`
	LastFrame  uint64          `json:"last_frame"`
	ElapsedMS  int64           `json:"elapsed_ms"`
	Recorded   bool            `json:"recorded"`
}

// RunDetail is a recorded run together with its frames.
type RunDetail struct {
	Run    recorder.Run     `json:"run"`
	Frames []recorder.Frame `json:"frames"`
}

// runSimulation steps the world args.Frames times. The episode settings are switched
// for the run and restored afterwards, even when the run fails or is cancelled.
func (s *Server) runSimulation(
	ctx context.Context,
	args RunSimulationArgs,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	if args.FixedDeltaSeconds != nil && *args.FixedDeltaSeconds <= 0 {
		return mcp.CallToolResult{}, errors.New("fixed_delta_seconds must be positive")
	}
	if !s.runLock.TryLock() {
		return mcp.CallToolResult{}, errors.New("another simulation is already running")
	}
	defer s.runLock.Unlock()

	client, err := s.conn.Client(ctx)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	previous, err := client.Settings(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get settings: %w", err)
	}
	info, err := client.MapInfo(ctx)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to get map: %w", err)
	}

	settings := runSettings(previous, args)
	if _, err := client.SetSettings(ctx, settings); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to apply settings: %w", err)
	}
	defer s.restoreSettings(ctx, previous)

	var run recorder.Run
	if s.store != nil {
		run, err = s.store.StartRun(ctx, recorder.NewRun{
			Name:              args.Name,
			MapName:           info.Name,
			FixedDeltaSeconds: settings.FixedDeltaSeconds,
		})
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		s.runsChanged()
	}

	logger := s.logger.With(slog.String("run_id", run.ID))
	logger.Info("simulation started", slog.Int("frames", args.Frames), slog.String("map", info.Name))

	result, runErr := s.stepFrames(ctx, run.ID, args.Frames, progress)
	result.RunID = run.ID
	result.Recorded = s.store != nil

	switch {
	case runErr == nil:
		result.Status = recorder.StatusCompleted
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		result.Status = recorder.StatusCancelled
	default:
		result.Status = recorder.StatusFailed
	}

	if s.store != nil {
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		_, err := s.store.FinishRun(finishCtx, run.ID, result.Status, runErr)
		cancel()
		if err != nil {
			logger.Error("failed to finish run", slog.String("err", err.Error()))
		}
		s.runsChanged()
	}

	logger.Info("simulation finished",
		slog.String("status", string(result.Status)),
		slog.Int("frames", result.Frames),
		slog.Int64("elapsed_ms", result.ElapsedMS))

	if runErr != nil {
		if run.ID != "" {
			return mcp.CallToolResult{}, fmt.Errorf("simulation run %s %s after %d frames: %w",
				run.ID, result.Status, result.Frames, runErr)
		}
		return mcp.CallToolResult{}, fmt.Errorf("simulation %s after %d frames: %w", result.Status, result.Frames, runErr)
	}
	return jsonResult(result)
}

func (s *Server) stepFrames(
	ctx context.Context,
	runID string,
	frames int,
	progress mcp.ProgressReporter,
) (SimulationResult, error) {
	var result SimulationResult
	every := max(1, frames/progressSteps)
	start := time.Now()

	for i := range frames {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		frame, err := s.conn.Tick(ctx)
		if err != nil {
			return result, err
		}
		elapsed := time.Since(start).Milliseconds()

		if result.Frames == 0 {
			result.FirstFrame = frame
		}
		result.Frames++
		result.LastFrame = frame
		result.ElapsedMS = elapsed

		if s.store != nil {
			if _, err := s.store.RecordFrame(ctx, runID, recorder.Frame{
				Frame:      frame,
				ElapsedMS:  elapsed,
				ActorCount: len(s.conn.Tracked("")),
			}); err != nil {
				return result, err
			}
		}

		if done := i + 1; progress != nil && (done%every == 0 || done == frames) {
			progress(mcp.ProgressParams{Progress: float64(done), Total: float64(frames)})
		}
	}
	return result, nil
}

func (s *Server) restoreSettings(ctx context.Context, previous carla.Settings) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()
	client, err := s.conn.Client(ctx)
	if err == nil {
		_, err = client.SetSettings(ctx, previous)
	}
	if err != nil {
		s.logger.Error("failed to restore episode settings", slog.String("err", err.Error()))
	}
}

// runSettings derives the settings of a run. Synchronous runs default to a fixed
// step when none is configured, otherwise frame timing depends on the server's
// frame rate.
func runSettings(previous carla.Settings, args RunSimulationArgs) carla.Settings {
	settings := previous
	settings.SynchronousMode = args.Synchronous == nil || *args.Synchronous
	switch {
	case args.FixedDeltaSeconds != nil:
		settings.FixedDeltaSeconds = args.FixedDeltaSeconds
	case settings.SynchronousMode && settings.FixedDeltaSeconds == nil:
		delta := defaultFixedDeltaSeconds
		settings.FixedDeltaSeconds = &delta
	}
	return settings
}

func (s *Server) runDetail(ctx context.Context, runID string) (RunDetail, error) {
	if s.store == nil {
		return RunDetail{}, errRecordingDisabled
	}
	run, err := s.store.Run(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	frames, err := s.store.Frames(ctx, runID)
	if err != nil {
		return RunDetail{}, err
	}
	return RunDetail{Run: run, Frames: frames}, nil
}
