// Package translator converts the upstream NDJSON frame dialect into
// OpenAI-compatible chat completion output, streaming or accumulated.
package translator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"grokgate/internal/models"
)

// FinishResult reports how a transcoding run ended.
type FinishResult struct {
	Status   int
	Duration time.Duration
}

// StreamOptions configures one transcoding run.
type StreamOptions struct {
	CompletionID string
	Model        string
	FilterTags   []string
	ShowThinking bool

	// Timeout budgets; zero disables the corresponding deadline.
	FirstResponse time.Duration
	Chunk         time.Duration
	Total         time.Duration
	Idle          time.Duration
	VideoIdle     time.Duration // replaces Idle while in video mode

	// Asset proxying.
	BaseURL            string
	Origin             string
	VideoPosterPreview bool

	// OnFinish is invoked exactly once on any terminal path.
	OnFinish func(FinishResult)
}

type chunkSink interface {
	WriteChunk(models.ChatCompletionChunk)
	WriteDone()
}

// Stream transcodes the upstream NDJSON body into SSE chunks on w, flushing
// after every event. It blocks until the stream terminates and always emits
// a finish_reason chunk followed by the [DONE] sentinel.
func Stream(w io.Writer, flush func(), upstream io.ReadCloser, opts StreamOptions) {
	t := newTranscoder(opts, &sseSink{w: w, flush: flush})
	role := models.NewChunk(opts.CompletionID, t.created, t.displayModel(), "", nil)
	role.Choices[0].Delta.Role = "assistant"
	t.sink.WriteChunk(role)
	t.run(upstream)
}

// Accumulate drains the upstream NDJSON body through the same frame loop
// and returns the concatenated content, the display model, and the final
// status. Tag filtering and thinking handling apply as in streaming mode.
func Accumulate(upstream io.ReadCloser, opts StreamOptions) (content, model string, status int) {
	sink := &captureSink{}
	t := newTranscoder(opts, sink)
	t.run(upstream)
	return sink.content.String(), t.displayModel(), t.finalStatus
}

type transcoder struct {
	opts    StreamOptions
	sink    chunkSink
	filter  *TagFilter
	created int64

	startTime time.Time
	lastChunk time.Time

	currentModel         string
	firstReceived        bool
	isImage              bool
	isVideo              bool
	isThinking           bool
	thinkingFinished     bool
	videoProgressStarted bool
	lastVideoProgress    int

	finalStatus int
	done        bool
}

func newTranscoder(opts StreamOptions, sink chunkSink) *transcoder {
	now := time.Now()
	return &transcoder{
		opts:        opts,
		sink:        sink,
		filter:      NewTagFilter(opts.FilterTags),
		created:     now.Unix(),
		startTime:   now,
		lastChunk:   now,
		finalStatus: 200,
	}
}

func (t *transcoder) displayModel() string {
	if t.currentModel != "" {
		return t.currentModel
	}
	return t.opts.Model
}

func (t *transcoder) run(upstream io.ReadCloser) {
	finished := false
	finish := func() {
		if finished {
			return
		}
		finished = true
		if t.opts.OnFinish != nil {
			t.opts.OnFinish(FinishResult{Status: t.finalStatus, Duration: time.Since(t.startTime)})
		}
	}
	defer upstream.Close()
	defer finish()
	defer func() {
		if r := recover(); r != nil {
			if !t.done {
				t.finishError(fmt.Errorf("%v", r))
			}
			finish()
		}
	}()

	lines := make(chan []byte, 16)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		defer close(lines)
		reader := bufio.NewReader(upstream)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-quit:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for !t.done {
		now := time.Now()
		effIdle := t.opts.Idle
		if t.isVideo {
			effIdle = t.opts.VideoIdle
		}

		// Deadlines are evaluated in a fixed order; the first expired one
		// wins.
		switch {
		case !t.firstReceived && t.opts.FirstResponse > 0 && now.Sub(t.startTime) > t.opts.FirstResponse:
			slog.Warn("first response timeout", "id", t.opts.CompletionID)
			t.flushStop()
			continue
		case t.opts.Total > 0 && now.Sub(t.startTime) > t.opts.Total:
			slog.Warn("total stream timeout", "id", t.opts.CompletionID)
			t.flushStop()
			continue
		case t.firstReceived && effIdle > 0 && now.Sub(t.lastChunk) > effIdle:
			// Idle expiry is a clean stop, not an error; status preserved.
			slog.Warn("stream idle timeout", "id", t.opts.CompletionID, "video", t.isVideo)
			t.flushStop()
			continue
		case t.firstReceived && t.opts.Chunk > 0 && now.Sub(t.lastChunk) > t.opts.Chunk:
			slog.Warn("chunk timeout", "id", t.opts.CompletionID)
			t.flushStop()
			continue
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if wait := t.nextWait(now, effIdle); wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case line, ok := <-lines:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				err := <-readErr
				if err == nil || err == io.EOF {
					t.finishEOF()
				} else {
					t.finishError(err)
				}
				continue
			}
			t.handleLine(line)
		case <-timerC:
			// Re-enter the deadline checks above.
		}
	}
}

// nextWait computes the read race timeout: the nearest of the active
// first-response/chunk, total, and idle deadlines. Zero means wait without
// a timer.
func (t *transcoder) nextWait(now time.Time, effIdle time.Duration) time.Duration {
	const none = time.Duration(1<<63 - 1)
	wait := none
	consider := func(deadline time.Time) {
		if d := deadline.Sub(now); d < wait {
			wait = d
		}
	}

	if t.firstReceived {
		if t.opts.Chunk > 0 {
			consider(t.lastChunk.Add(t.opts.Chunk))
		}
		if effIdle > 0 {
			consider(t.lastChunk.Add(effIdle))
		}
	} else if t.opts.FirstResponse > 0 {
		consider(t.startTime.Add(t.opts.FirstResponse))
	}
	if t.opts.Total > 0 {
		consider(t.startTime.Add(t.opts.Total))
	}

	if wait == none {
		return 0
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (t *transcoder) handleLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		return
	}
	root := gjson.ParseBytes(trimmed)
	t.firstReceived = true
	t.lastChunk = time.Now()

	if errMsg := root.Get("error.message"); errMsg.Exists() {
		t.finalStatus = 500
		t.finishWith("Error: "+errMsg.String(), "stop")
		return
	}

	resp := root.Get("result.response")
	if m := resp.Get("userResponse.model"); m.Type == gjson.String && m.String() != "" {
		t.currentModel = m.String()
	}

	if video := resp.Get("streamingVideoGenerationResponse"); video.Exists() {
		t.handleVideo(video)
		return
	}

	if resp.Get("imageAttachmentInfo").Exists() {
		t.isImage = true
	}

	if t.isImage {
		t.handleImageFrame(resp)
		return
	}
	t.handleTextFrame(resp)
}

func (t *transcoder) handleVideo(video gjson.Result) {
	t.isVideo = true

	if progress := int(video.Get("progress").Int()); progress > t.lastVideoProgress && t.opts.ShowThinking {
		line := fmt.Sprintf("视频已生成%d%%", progress)
		if !t.videoProgressStarted {
			line = "<think>" + line
			t.videoProgressStarted = true
		}
		if progress >= 100 {
			line += "</think>"
		}
		t.emitDelta(line + "\n")
		t.lastVideoProgress = progress
	}

	if videoURL := video.Get("videoUrl").String(); videoURL != "" {
		proxied := ImageProxyURL(t.opts.BaseURL, t.opts.Origin, EncodeAssetPath(videoURL))
		poster := ""
		if thumb := video.Get("thumbnailImageUrl").String(); thumb != "" {
			poster = ImageProxyURL(t.opts.BaseURL, t.opts.Origin, EncodeAssetPath(thumb))
		}
		t.emitDelta(VideoHTML(proxied, poster, t.opts.VideoPosterPreview))
	}
}

func (t *transcoder) handleImageFrame(resp gjson.Result) {
	if urls := resp.Get("modelResponse.generatedImageUrls"); urls.IsArray() {
		raw := make([]string, 0, 4)
		urls.ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String {
				raw = append(raw, v.String())
			}
			return true
		})
		if normalized := NormalizeGeneratedURLs(raw); len(normalized) > 0 {
			links := make([]string, 0, len(normalized))
			for _, u := range normalized {
				proxied := ImageProxyURL(t.opts.BaseURL, t.opts.Origin, EncodeAssetPath(u))
				links = append(links, fmt.Sprintf("![image](%s)", proxied))
			}
			t.finishWith(strings.Join(links, "\n"), "stop")
			return
		}
	}

	// No tag filtering in image mode.
	if tok := resp.Get("token"); tok.Type == gjson.String && tok.String() != "" {
		t.emitDelta(tok.String())
	}
}

func (t *transcoder) handleTextFrame(resp gjson.Result) {
	tok := resp.Get("token")
	if tok.Type != gjson.String || tok.String() == "" {
		// Array-valued tokens are ignored; their semantics are undocumented.
		return
	}

	filtered := t.filter.Filter(tok.String())
	if filtered == "" {
		return
	}

	cur := resp.Get("isThinking").Bool()

	if resp.Get("toolUsageCardId").Exists() {
		if results := resp.Get("webSearchResults.results"); results.IsArray() {
			if !(cur && t.opts.ShowThinking) {
				return
			}
			var b strings.Builder
			b.WriteString(filtered)
			results.ForEach(func(_, r gjson.Result) bool {
				preview := strings.ReplaceAll(r.Get("preview").String(), "\n", " ")
				fmt.Fprintf(&b, "\n- [%s](%s %q)", r.Get("title").String(), r.Get("url").String(), preview)
				return true
			})
			b.WriteString("\n")
			filtered = b.String()
		}
	}

	if resp.Get("messageTag").String() == "header" {
		filtered = "\n\n" + filtered + "\n\n"
	}

	switch {
	case !t.isThinking && cur:
		if !t.opts.ShowThinking || t.thinkingFinished {
			t.isThinking = cur
			return
		}
		filtered = "<think>\n" + filtered
	case t.isThinking && !cur:
		if t.opts.ShowThinking && !t.thinkingFinished {
			filtered = "\n</think>\n" + filtered
		}
		t.thinkingFinished = true
	case cur && !t.opts.ShowThinking:
		t.isThinking = cur
		return
	case t.thinkingFinished && cur:
		t.isThinking = cur
		return
	}

	t.emitDelta(filtered)
	t.isThinking = cur
}

func (t *transcoder) emitDelta(content string) {
	t.sink.WriteChunk(models.NewChunk(t.opts.CompletionID, t.created, t.displayModel(), content, nil))
}

// flushStop closes the stream cleanly: an empty finish chunk, then [DONE].
func (t *transcoder) flushStop() {
	t.finishWith("", "stop")
}

func (t *transcoder) finishWith(content, reason string) {
	t.sink.WriteChunk(models.NewChunk(t.opts.CompletionID, t.created, t.displayModel(), content, &reason))
	t.sink.WriteDone()
	t.done = true
}

func (t *transcoder) finishEOF() {
	if rem := t.filter.Flush(); rem != "" && !t.isImage {
		t.emitDelta(rem)
	}
	if t.isThinking && t.opts.ShowThinking && !t.thinkingFinished {
		t.emitDelta("\n</think>\n")
		t.thinkingFinished = true
	}
	if t.videoProgressStarted && t.lastVideoProgress < 100 {
		t.emitDelta("</think>\n")
	}
	t.flushStop()
}

// finishError classifies a read failure: transport stream hiccups produce a
// clean stop with status 502, anything else surfaces as a processing error
// chunk with status 500.
func (t *transcoder) finishError(err error) {
	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "http/2") || strings.Contains(lower, "curl: (92)") || strings.Contains(lower, "stream") {
		slog.Warn("upstream transport error", "id", t.opts.CompletionID, "err", err)
		t.finalStatus = 502
		t.flushStop()
		return
	}
	slog.Error("stream processing error", "id", t.opts.CompletionID, "err", err)
	t.finalStatus = 500
	t.finishWith("处理错误: "+msg, "error")
}

type sseSink struct {
	w     io.Writer
	flush func()
}

func (s *sseSink) WriteChunk(c models.ChatCompletionChunk) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	if s.flush != nil {
		s.flush()
	}
}

func (s *sseSink) WriteDone() {
	io.WriteString(s.w, "data: [DONE]\n\n")
	if s.flush != nil {
		s.flush()
	}
}

type captureSink struct {
	content strings.Builder
	finish  string
}

func (s *captureSink) WriteChunk(c models.ChatCompletionChunk) {
	for _, choice := range c.Choices {
		s.content.WriteString(choice.Delta.Content)
		if choice.FinishReason != nil {
			s.finish = *choice.FinishReason
		}
	}
}

func (s *captureSink) WriteDone() {}
