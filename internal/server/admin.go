package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"grokgate/internal/batch"
	"grokgate/internal/pool"
	"grokgate/internal/settings"
	"grokgate/internal/store"
)

func (s *Server) handleGetSettings(c echo.Context) error {
	bundle := s.loadSettings(c)
	return c.JSON(http.StatusOK, map[string]any{
		settings.SectionGlobal:      bundle.Global,
		settings.SectionGrok:        bundle.Grok,
		settings.SectionToken:       bundle.Token,
		settings.SectionCache:       bundle.Cache,
		settings.SectionPerformance: bundle.Performance,
		settings.SectionRegister:    bundle.Register,
	})
}

// handlePutSettings merges the posted sections over the stored ones and
// writes all six sections back atomically.
func (s *Server) handlePutSettings(c echo.Context) error {
	var incoming map[string]json.RawMessage
	if err := decodeRequestBody(c, &incoming); err != nil {
		return err
	}

	ctx := c.Request().Context()
	current, err := s.deps.Store.FetchSettings(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		current = make(map[string]json.RawMessage)
	}
	for key, value := range incoming {
		current[key] = value
	}

	bundle := settings.FromStored(current)
	sections, err := bundle.Stored()
	if err != nil {
		return err
	}
	if err := s.deps.Store.SaveSettings(ctx, sections); err != nil {
		return err
	}

	s.deps.Pool.SetSuperModels(bundle.Token.SuperModels)

	return s.handleGetSettings(c)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.deps.Store.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleLogs(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	logs, err := s.deps.Store.RecentLogs(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"logs": logs})
}

// handleTokenRefresh starts a credential check batch over the whole pool
// and returns the task id for live observation.
func (s *Server) handleTokenRefresh(c echo.Context) error {
	if progress, err := s.deps.Store.GetRefreshProgress(c.Request().Context()); err == nil && progress.Running {
		return requestError{
			Status:  http.StatusConflict,
			Message: "a token refresh is already running",
			Type:    "invalid_request_error",
		}
	}

	creds := s.deps.Pool.Credentials()
	bundle := s.loadSettings(c)
	task := s.deps.Registry.Create(len(creds))

	running := true
	total := len(creds)
	zero := 0
	if err := s.deps.Store.UpdateRefreshProgress(c.Request().Context(), store.ProgressPatch{
		Running: &running, Total: &total, Current: &zero, Success: &zero, Failed: &zero,
	}); err != nil {
		slog.Warn("seed refresh progress failed", "err", err)
	}

	go s.runTokenRefresh(task, creds, bundle)

	return c.JSON(http.StatusAccepted, map[string]string{"task_id": task.ID()})
}

func (s *Server) runTokenRefresh(task *batch.Task, creds []pool.Credential, bundle settings.Bundle) {
	// The request context is gone once the handler returns; the job runs
	// on its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var current, success, failed atomic.Int64
	mirror := func() {
		cur := int(current.Load())
		ok := int(success.Load())
		bad := int(failed.Load())
		if err := s.deps.Store.UpdateRefreshProgress(ctx, store.ProgressPatch{
			Current: &cur, Success: &ok, Failed: &bad,
		}); err != nil {
			slog.Warn("mirror refresh progress failed", "err", err)
		}
	}

	processor := func(ctx context.Context, cred pool.Credential) batch.Outcome {
		err := s.deps.Upstream.CheckCredential(ctx, cred, bundle.Grok.CFClearance)
		current.Add(1)
		if err != nil {
			failed.Add(1)
			mirror()
			return batch.Outcome{OK: false, Detail: cred.Name, Error: err.Error()}
		}
		success.Add(1)
		mirror()
		return batch.Outcome{OK: true, Detail: cred.Name}
	}

	concurrency := bundle.Token.RefreshConcurrency
	batch.RunInBatches(ctx, creds, task, processor, concurrency)

	if !task.Cancelled() {
		snap := task.Snapshot()
		warning := ""
		if snap.Fail > 0 {
			warning = strconv.Itoa(snap.Fail) + " credential(s) failed the refresh check"
		}
		task.Finish(map[string]any{"success": snap.OK, "failed": snap.Fail}, warning)
	}

	running := false
	if err := s.deps.Store.UpdateRefreshProgress(ctx, store.ProgressPatch{Running: &running}); err != nil {
		slog.Warn("clear refresh progress failed", "err", err)
	}
}

func (s *Server) handleRefreshProgress(c echo.Context) error {
	progress, err := s.deps.Store.GetRefreshProgress(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, progress)
}

func (s *Server) handleTaskStream(c echo.Context) error {
	task, ok := s.deps.Registry.Get(c.Param("id"))
	if !ok {
		return requestError{
			Status:  http.StatusNotFound,
			Message: "unknown task",
			Type:    "invalid_request_error",
		}
	}

	w, flush := sseResponse(c)
	if err := batch.ServeSSE(c.Request().Context(), w, flush, task); err != nil {
		slog.Debug("task stream ended", "task", task.ID(), "err", err)
	}
	return nil
}

func (s *Server) handleTaskCancel(c echo.Context) error {
	task, ok := s.deps.Registry.Get(c.Param("id"))
	if !ok {
		return requestError{
			Status:  http.StatusNotFound,
			Message: "unknown task",
			Type:    "invalid_request_error",
		}
	}
	task.Cancel()
	return c.JSON(http.StatusAccepted, map[string]any{"id": task.ID(), "cancelling": true})
}
