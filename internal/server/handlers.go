package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"grokgate/internal/models"
	"grokgate/internal/settings"
	"grokgate/internal/store"
	"grokgate/internal/translator"
	"grokgate/internal/upstream"
)

func (s *Server) loadSettings(c echo.Context) settings.Bundle {
	sections, err := s.deps.Store.FetchSettings(c.Request().Context())
	if err != nil {
		// Serving with defaults beats refusing the request.
		slog.Warn("fetch settings failed, using defaults", "err", err)
		return settings.Defaults()
	}
	return settings.FromStored(sections)
}

func requestOrigin(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	bundle := s.loadSettings(c)
	ctx := c.Request().Context()

	cred, err := s.deps.Pool.Pick(req.Model)
	if err != nil {
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: err.Error(),
			Type:    "upstream_error",
		}
	}

	completionID := "chatcmpl-" + uuid.New().String()
	message := translator.BuildPrompt(req.Messages)
	perf := bundle.Performance

	logFinish := func(r translator.FinishResult, upstreamErr string) {
		entry := store.LogEntry{
			IP:          c.RealIP(),
			Model:       req.Model,
			Duration:    r.Duration.Seconds(),
			Status:      r.Status,
			KeyName:     cred.Name,
			TokenSuffix: cred.TokenSuffix(),
			Error:       upstreamErr,
		}
		if err := s.deps.Store.AppendLog(ctx, entry); err != nil {
			slog.Warn("append request log failed", "err", err)
		}
	}

	body, err := s.deps.Upstream.Converse(ctx, cred, bundle.Grok.CFClearance, message, upstreamOptions(req.Model, bundle))
	if err != nil {
		logFinish(translator.FinishResult{Status: http.StatusInternalServerError}, err.Error())
		if req.Stream {
			return writeErrorStream(c, completionID, req.Model, err)
		}
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: fmt.Sprintf("upstream request failed: %v", err),
			Type:    "upstream_error",
		}
	}

	opts := translator.StreamOptions{
		CompletionID:       completionID,
		Model:              req.Model,
		FilterTags:         bundle.Grok.FilterTags,
		ShowThinking:       bundle.Grok.ShowThinking,
		FirstResponse:      time.Duration(perf.FirstResponseTimeout) * time.Second,
		Chunk:              time.Duration(perf.ChunkTimeout) * time.Second,
		Total:              time.Duration(perf.TotalTimeout) * time.Second,
		Idle:               time.Duration(perf.IdleTimeout) * time.Second,
		VideoIdle:          time.Duration(perf.VideoIdleTimeout) * time.Second,
		BaseURL:            bundle.Global.BaseURL,
		Origin:             requestOrigin(c),
		VideoPosterPreview: bundle.Global.VideoPosterPreview,
		OnFinish: func(r translator.FinishResult) {
			logFinish(r, "")
		},
	}

	if req.Stream {
		w, flush := sseResponse(c)
		translator.Stream(w, flush, body, opts)
		return nil
	}

	content, model, status := translator.Accumulate(body, opts)
	if status >= 400 {
		return writeError(c, status, content, "upstream_error", "")
	}
	return c.JSON(http.StatusOK, models.NewChatCompletion(completionID, time.Now().Unix(), model, content))
}

// writeErrorStream surfaces an upstream HTTP failure on an SSE stream: one
// assistant-visible error chunk with a stop finish, then [DONE].
func writeErrorStream(c echo.Context, completionID, model string, upstreamErr error) error {
	w, flush := sseResponse(c)
	stop := "stop"
	chunk := models.NewChunk(completionID, time.Now().Unix(), model, "Error: "+upstreamErr.Error(), &stop)
	if data, err := json.Marshal(chunk); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
		flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flush()
	return nil
}

func upstreamOptions(model string, bundle settings.Bundle) upstream.ConverseOptions {
	return upstream.ConverseOptions{
		Model:                 model,
		EnableSearch:          true,
		ImageGenerationMethod: bundle.Grok.ImageGenerationMethod,
	}
}

func (s *Server) handleListModels(c echo.Context) error {
	bundle := s.loadSettings(c)

	ids := []string{"grok-3", "grok-4", "grok-imagine"}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, id := range bundle.Token.SuperModels {
		if _, dup := seen[id]; !dup && strings.TrimSpace(id) != "" {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
	}

	list := models.ModelList{Object: "list"}
	for _, id := range ids {
		list.Data = append(list.Data, models.ModelData{ID: id, Object: "model", OwnedBy: "xai"})
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleImageProxy(c echo.Context) error {
	value, _, err := translator.DecodeAssetPath(c.Param("encoded"))
	if err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	resp, err := s.deps.Upstream.Fetch(c.Request().Context(), value)
	if err != nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "failed to fetch upstream asset",
			Type:    "upstream_error",
		}
	}
	defer resp.Body.Close()

	bundle := s.loadSettings(c)
	if bundle.Cache.Enabled && bundle.Cache.AssetTTLSeconds > 0 {
		c.Response().Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", bundle.Cache.AssetTTLSeconds))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Stream(http.StatusOK, contentType, resp.Body)
}
