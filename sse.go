package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// sseMaxBuffer caps how much of an upstream stream the post-processor
// will hold before declaring the request fatal.
const sseMaxBuffer = 10 << 20

// jsonRepairMode controls the tolerance applied to malformed SSE lines.
type jsonRepairMode string

const (
	repairOff  jsonRepairMode = "off"
	repairSafe jsonRepairMode = "safe"
)

// stallTimeoutReader wraps an upstream body and cancels the request when
// no bytes arrive within the window. This prevents zombie SSE
// connections where the upstream stops sending data but never closes
// the TCP connection.
type stallTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	done    chan struct{}
	cancel  func() // cancel the request context
	closed  bool
	stalled bool
}

func newStallTimeoutReader(rc io.ReadCloser, timeout time.Duration, cancel func()) *stallTimeoutReader {
	r := &stallTimeoutReader{
		rc:      rc,
		timeout: timeout,
		timer:   time.NewTimer(timeout),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go r.watchdog()
	return r
}

func (r *stallTimeoutReader) watchdog() {
	select {
	case <-r.timer.C:
		// Timer expired - cancel the request context which will cause
		// the in-flight Read to return with a context error.
		r.stalled = true
		r.cancel()
	case <-r.done:
		r.timer.Stop()
	}
}

func (r *stallTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	if err != nil && r.stalled {
		return n, fmt.Errorf("stream stalled: no bytes for %v", r.timeout)
	}
	return n, err
}

func (r *stallTimeoutReader) Close() error {
	if !r.closed {
		r.closed = true
		close(r.done)
		r.timer.Stop()
	}
	return r.rc.Close()
}

// streamError is a terminal SSE error flattened into the shape the
// client receives synchronously.
type streamError struct {
	Message string
	Type    string
	Code    string
	Status  int
}

func (e *streamError) envelope() []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    e.Type,
			"code":    e.Code,
		},
	})
	return body
}

// sseOutcome is the result of draining one upstream SSE body.
type sseOutcome struct {
	// Payload is the `response` object of a terminal success event,
	// task-normalized. Set when the stream completed.
	Payload []byte
	// Err is set when a terminal error event was seen.
	Err *streamError
	// Raw carries the original bytes when the stream ended without any
	// terminal event; they are replayed to the client unchanged.
	Raw []byte
}

// terminalErrorEvents end the logical response with a failure.
var terminalErrorEvents = map[string]bool{
	"error":               true,
	"response.error":      true,
	"response.failed":     true,
	"response.incomplete": true,
}

// processSSEToJSON drains an SSE body until a terminal event or EOF and
// converts it to a plain JSON result. cancel tears down the upstream
// request; it is always invoked on error paths so the connection is
// cancelled, not merely abandoned.
func processSSEToJSON(body io.ReadCloser, cancel func(), stall time.Duration, repair jsonRepairMode, normalizeTasks bool) (*sseOutcome, error) {
	rc := newStallTimeoutReader(body, stall, cancel)
	defer rc.Close()

	var raw bytes.Buffer
	br := bufio.NewReader(rc)
	for {
		line, err := br.ReadBytes('\n')
		raw.Write(line)
		if raw.Len() > sseMaxBuffer {
			cancel()
			return nil, fmt.Errorf("sse stream exceeded %d byte cap", sseMaxBuffer)
		}
		if len(line) > 0 {
			if outcome := consumeSSELine(line, repair, normalizeTasks); outcome != nil {
				if outcome.Err != nil {
					cancel()
				}
				return outcome, nil
			}
		}
		if err == io.EOF {
			return &sseOutcome{Raw: raw.Bytes()}, nil
		}
		if err != nil {
			cancel()
			return nil, err
		}
	}
}

// consumeSSELine inspects one wire line and returns a non-nil outcome
// when it carries a terminal event.
func consumeSSELine(line []byte, repair jsonRepairMode, normalizeTasks bool) *sseOutcome {
	data, ok := sseDataPayload(line)
	if !ok {
		return nil
	}
	data, ok = repairJSONLine(data, repair)
	if !ok {
		// Unparseable even after repair: drop the line.
		return nil
	}
	evType := gjson.GetBytes(data, "type").String()
	switch {
	case evType == "response.done" || evType == "response.completed":
		payload := []byte(gjson.GetBytes(data, "response").Raw)
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		if normalizeTasks {
			payload = normalizeTaskPayload(payload)
		}
		return &sseOutcome{Payload: payload}
	case terminalErrorEvents[evType]:
		return &sseOutcome{Err: extractStreamError(data)}
	}
	return nil
}

// sseDataPayload strips the `data:` prefix, tolerating CRLF line endings
// and a missing space after the colon. The [DONE] sentinel and non-data
// lines yield ok=false.
func sseDataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	data := bytes.TrimSpace(line[len("data:"):])
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return nil, false
	}
	return data, true
}

// extractStreamError pulls a structured error out of a terminal event,
// with stable fallbacks so the client always sees a type and code.
func extractStreamError(data []byte) *streamError {
	se := &streamError{Type: "stream_error", Code: "stream_error", Status: http.StatusBadGateway}
	for _, path := range []string{"response.error", "error"} {
		obj := gjson.GetBytes(data, path)
		if !obj.Exists() {
			continue
		}
		if m := obj.Get("message").String(); m != "" {
			se.Message = m
		}
		if t := obj.Get("type").String(); t != "" {
			se.Type = t
		}
		if c := obj.Get("code").String(); c != "" {
			se.Code = c
		}
		if s := int(obj.Get("status").Int()); s >= 400 && s < 600 {
			se.Status = s
		}
		break
	}
	if se.Message == "" {
		if reason := gjson.GetBytes(data, "response.incomplete_details.reason").String(); reason != "" {
			se.Message = "response incomplete: " + reason
		}
	}
	if se.Message == "" {
		if m := gjson.GetBytes(data, "message").String(); m != "" {
			se.Message = m
		}
	}
	if se.Message == "" {
		se.Message = "upstream stream ended with " + gjson.GetBytes(data, "type").String()
	}
	return se
}

// repairJSONLine validates a data payload, optionally applying the safe
// repairs: strip a surrounding Markdown code fence, then remove trailing
// commas outside of strings. Anything still invalid is dropped.
func repairJSONLine(data []byte, mode jsonRepairMode) ([]byte, bool) {
	if json.Valid(data) {
		return data, true
	}
	if mode != repairSafe {
		return nil, false
	}
	fixed := stripCodeFence(data)
	fixed = stripTrailingCommas(fixed)
	if json.Valid(fixed) {
		return fixed, true
	}
	return nil, false
}

func stripCodeFence(data []byte) []byte {
	out := bytes.TrimSpace(data)
	if !bytes.HasPrefix(out, []byte("```")) {
		return out
	}
	out = out[3:]
	// Skip a language tag directly after the opening fence.
	if i := bytes.IndexAny(out, "{[\""); i > 0 {
		tag := bytes.TrimSpace(out[:i])
		if !bytes.ContainsAny(tag, "{}[]\"") {
			out = out[i:]
		}
	}
	out = bytes.TrimSpace(out)
	out = bytes.TrimSuffix(out, []byte("```"))
	return bytes.TrimSpace(out)
}

// stripTrailingCommas removes commas directly preceding a closing brace
// or bracket. The scan is string-aware: nothing inside a quoted string
// is modified.
func stripTrailingCommas(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString := false
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(data) && (data[j] == ' ' || data[j] == '\t' || data[j] == '\n' || data[j] == '\r') {
				j++
			}
			if j < len(data) && (data[j] == '}' || data[j] == ']') {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func isTaskToolName(name string) bool {
	return name == "task" || name == "functions.task"
}

// normalizeTaskPayload injects run_in_background:false into every task
// function call whose arguments omit it. Applied to extracted terminal
// payloads and, line by line, to pass-through streams.
func normalizeTaskPayload(raw []byte) []byte {
	out := raw
	if output := gjson.GetBytes(out, "output"); output.IsArray() {
		n := int(output.Get("#").Int())
		for i := 0; i < n; i++ {
			out = normalizeTaskCallAt(out, fmt.Sprintf("output.%d", i))
		}
	}
	if gjson.GetBytes(out, "item").Exists() {
		out = normalizeTaskCallAt(out, "item")
	}
	out = normalizeTaskCallAt(out, "")
	return out
}

// normalizeTaskCallAt fixes a single function-call-like object at path
// ("" for the document root).
func normalizeTaskCallAt(raw []byte, path string) []byte {
	obj := gjson.ParseBytes(raw)
	if path != "" {
		obj = obj.Get(path)
	}
	if !obj.IsObject() || !isTaskToolName(obj.Get("name").String()) {
		return raw
	}
	if t := obj.Get("type").String(); t != "" && t != "function_call" && t != "tool_call" && t != "custom_tool_call" {
		return raw
	}
	argPath := "arguments"
	if path != "" {
		argPath = path + ".arguments"
	}
	args := obj.Get("arguments")
	switch {
	case !args.Exists():
		out, err := sjson.SetBytes(raw, argPath, map[string]any{"run_in_background": false})
		if err != nil {
			return raw
		}
		return out
	case args.Type == gjson.String:
		// Arguments serialized as a JSON string: patch the inner
		// document and re-embed it.
		inner := args.String()
		if !gjson.Valid(inner) || gjson.Get(inner, "run_in_background").Exists() {
			return raw
		}
		fixed, err := sjson.Set(inner, "run_in_background", false)
		if err != nil {
			return raw
		}
		out, err := sjson.SetBytes(raw, argPath, fixed)
		if err != nil {
			return raw
		}
		return out
	case args.IsObject():
		if args.Get("run_in_background").Exists() {
			return raw
		}
		out, err := sjson.SetBytes(raw, argPath+".run_in_background", false)
		if err != nil {
			return raw
		}
		return out
	}
	return raw
}

// sseRewriteWriter streams an SSE body through to the client while
// rewriting data: lines on the fly. Only complete lines are inspected;
// the full stream is never buffered.
type sseRewriteWriter struct {
	w   io.Writer
	buf []byte
	// onTerminalError is invoked once when a terminal error event
	// passes through, for bookkeeping; the bytes still flow unchanged.
	onTerminalError func(*streamError)
	sawTerminalErr  bool
	repair          jsonRepairMode
	rewriteTasks    bool
}

func (sw *sseRewriteWriter) Write(p []byte) (int, error) {
	sw.buf = append(sw.buf, p...)
	for {
		idx := bytes.IndexByte(sw.buf, '\n')
		if idx < 0 {
			// Keep the partial line bounded; a line past the cap is
			// forwarded unmodified.
			if len(sw.buf) > 256*1024 {
				if _, err := sw.w.Write(sw.buf); err != nil {
					return len(p), err
				}
				sw.buf = sw.buf[:0]
			}
			return len(p), nil
		}
		line := sw.buf[:idx+1]
		if _, err := sw.w.Write(sw.rewriteLine(line)); err != nil {
			return len(p), err
		}
		sw.buf = sw.buf[idx+1:]
	}
}

// Flush forwards any trailing partial line at end of stream.
func (sw *sseRewriteWriter) Flush() error {
	if len(sw.buf) == 0 {
		return nil
	}
	_, err := sw.w.Write(sw.rewriteLine(sw.buf))
	sw.buf = nil
	return err
}

func (sw *sseRewriteWriter) rewriteLine(line []byte) []byte {
	data, ok := sseDataPayload(line)
	if !ok {
		return line
	}
	if sw.onTerminalError != nil && !sw.sawTerminalErr {
		if parsed, ok := repairJSONLine(data, sw.repair); ok {
			if terminalErrorEvents[gjson.GetBytes(parsed, "type").String()] {
				sw.sawTerminalErr = true
				sw.onTerminalError(extractStreamError(parsed))
			}
		}
	}
	if !sw.rewriteTasks {
		return line
	}
	// Cheap pre-filter: only task calls are rewritten.
	if !bytes.Contains(data, []byte(`"task"`)) && !bytes.Contains(data, []byte(`"functions.task"`)) {
		return line
	}
	parsed, ok := repairJSONLine(data, sw.repair)
	if !ok {
		return line
	}
	fixed := normalizeTaskPayload(parsed)
	if bytes.Equal(fixed, parsed) {
		return line
	}
	ending := line[len(bytes.TrimRight(line, "\r\n")):]
	out := make([]byte, 0, len(fixed)+len(ending)+6)
	out = append(out, "data: "...)
	out = append(out, fixed...)
	out = append(out, ending...)
	return out
}

type flushWriter struct {
	w             http.ResponseWriter
	f             http.Flusher
	flushInterval time.Duration
	lastFlush     time.Time
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	now := time.Now()
	if fw.flushInterval <= 0 || fw.lastFlush.IsZero() || now.Sub(fw.lastFlush) >= fw.flushInterval {
		fw.f.Flush()
		fw.lastFlush = now
	}
	return n, err
}
