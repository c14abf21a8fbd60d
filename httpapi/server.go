package httpapi

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
	"pkt.systems/senseng/internal/command"
	"pkt.systems/senseng/internal/logx"
	"pkt.systems/senseng/internal/transcript"
	"pkt.systems/senseng/schema"
)

// Engine is the engine surface served over HTTP.
type Engine interface {
	command.Engine
	Complete(ctx context.Context, prefix string) ([]string, error)
}

// ServerDeps captures the collaborators of a Server.
type ServerDeps struct {
	Engine   Engine
	Commands *command.Handler
	Hub      *Hub
	// Transcript seeds stream snapshots and serves /api/transcript.
	Transcript *transcript.Transcript
	Language   schema.LanguageName
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server serves the HTTP API and UI.
type Server struct {
	cfg        Config
	engine     Engine
	commands   *command.Handler
	hub        *Hub
	transcript *transcript.Transcript
	language   schema.LanguageName
	metrics    http.Handler
	mount      mount
	index      []byte
	upgrader   websocket.Upgrader
}

//go:embed assets
var assets embed.FS

// ui is the browser client: index.html plus the files it loads from /assets/.
var ui = func() fs.FS {
	sub, err := fs.Sub(assets, "assets")
	if err != nil {
		panic(err)
	}
	return sub
}()

var errExitOverHTTP = errors.New("/exit is not available over http")

const maxInputSize = 1 << 20

// NewServer constructs an HTTP server.
func NewServer(cfg Config, deps ServerDeps) *Server {
	commands := deps.Commands
	if commands == nil {
		commands = command.NewHandler(command.HandlerConfig{})
	}
	tr := deps.Transcript
	if tr == nil {
		tr = transcript.New(deps.Engine.ID(), deps.Language)
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.Engine.ID(), cfg.History)
	}
	mnt := newMount(cfg.BaseURL, cfg.BasePath)
	return &Server{
		cfg:        cfg,
		engine:     deps.Engine,
		commands:   commands,
		hub:        hub,
		transcript: tr,
		language:   deps.Language,
		metrics:    deps.Metrics,
		mount:      mnt,
		index:      renderIndex(mnt.href, deps.Language),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(ui))))

	mux.HandleFunc("/api/input", s.handleInput)
	mux.HandleFunc("/api/interrupt", s.handleInterrupt)
	mux.HandleFunc("/api/complete", s.handleComplete)
	mux.HandleFunc("/api/transcript", s.handleTranscript)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	return s.mount.wrap(withRequestLogging(mux, s.engine.ID()))
}

// mount places the server below an optional path prefix. href is the base the
// index page resolves relative asset and API URLs against.
type mount struct {
	prefix string
	href   string
}

// newMount cleans basePath to "" or "/a/b" and joins it onto baseURL when one
// is given, for deployments behind a path-routing proxy.
func newMount(baseURL, basePath string) mount {
	prefix := ""
	if trimmed := strings.Trim(strings.TrimSpace(basePath), "/"); trimmed != "" {
		prefix = path.Clean("/" + trimmed)
		if prefix == "/" {
			prefix = ""
		}
	}
	m := mount{prefix: prefix}
	baseURL = strings.TrimSpace(baseURL)
	switch {
	case baseURL != "":
		if u, err := url.Parse(baseURL); err == nil {
			u.Path = strings.TrimSuffix(path.Join("/", u.Path, prefix), "/") + "/"
			u.RawPath, u.RawQuery, u.Fragment = "", "", ""
			m.href = u.String()
		} else {
			m.href = strings.TrimRight(baseURL, "/") + prefix + "/"
		}
	case prefix != "":
		m.href = prefix + "/"
	}
	return m
}

func (m mount) wrap(handler http.Handler) http.Handler {
	if m.prefix == "" {
		return handler
	}
	root := http.NewServeMux()
	root.Handle(m.prefix+"/", http.StripPrefix(m.prefix, handler))
	root.HandleFunc(m.prefix, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, m.prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

const (
	baseHrefPlaceholder = "<!-- BASE_HREF -->"
	languagePlaceholder = "SENSENG_LANGUAGE"
)

// renderIndex fills the placeholders of the embedded index page once per server.
func renderIndex(href string, language schema.LanguageName) []byte {
	data, err := fs.ReadFile(ui, "index.html")
	if err != nil {
		return nil
	}
	base := ""
	if href != "" {
		base = fmt.Sprintf(`<base href="%s" />`, html.EscapeString(href))
	}
	data = bytes.ReplaceAll(data, []byte(baseHrefPlaceholder), []byte(base))
	return bytes.ReplaceAll(data, []byte(languagePlaceholder), []byte(html.EscapeString(string(language))))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if s.index == nil {
		http.Error(w, "index not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "index.html", time.Time{}, bytes.NewReader(s.index))
}

type inputRequest struct {
	Input     string `json:"input"`
	Overwrite bool   `json:"overwrite"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := s.requestLogger(r)
	var payload inputRequest
	if err := decodeJSON(io.LimitReader(r.Body, maxInputSize), &payload); err != nil {
		log.Warn("http input decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("input_len", len(payload.Input), "overwrite", payload.Overwrite)
	handled, err := s.submit(r.Context(), sessionFor(r), payload)
	if err != nil {
		log.Warn("http input failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "command": handled})
	log.Info("http input ok", "command", handled)
}

// submit routes slash commands to the command handler and everything else to
// the engine. It reports whether input was a command.
func (s *Server) submit(ctx context.Context, sessionID schema.SessionID, payload inputRequest) (bool, error) {
	if !payload.Overwrite {
		if cmd, ok := command.Parse(payload.Input); ok {
			if cmd.Name == "exit" || cmd.Name == "quit" {
				return true, errExitOverHTTP
			}
			handled, _, err := s.commands.Handle(ctx, s.engine, sessionID, payload.Input)
			return handled, err
		}
	}
	return false, s.engine.Input(ctx, payload.Input, payload.Overwrite)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := s.requestLogger(r)
	if err := s.engine.Interrupt(r.Context()); err != nil {
		log.Warn("http interrupt failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http interrupt ok")
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	prefix := r.URL.Query().Get("prefix")
	candidates, err := s.engine.Complete(r.Context(), prefix)
	if err != nil {
		s.requestLogger(r).Warn("http complete failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	if candidates == nil {
		candidates = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"completions": candidates})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.transcript.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.engine.State()
	status := http.StatusOK
	if state == schema.StateExited {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": status == http.StatusOK, "state": state})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := s.requestLogger(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	ch, unsubscribe, subscribedAt := s.hub.Subscribe()
	defer unsubscribe()

	replayCount := 0
	if lastID > 0 {
		replay := s.hub.Replay(lastID, subscribedAt)
		replayCount = len(replay)
		for _, event := range replay {
			_ = writeSSEvent(w, event)
		}
	} else {
		snapshot := s.buildSnapshot()
		_ = writeSSEvent(w, StreamEvent{
			Type:      streamSnapshot,
			Snapshot:  &snapshot,
			Timestamp: time.Now(),
		})
	}
	flusher.Flush()

	notify := r.Context().Done()
	log.Info("http stream opened", "last_id", lastID, "replay", replayCount)
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

func (s *Server) buildSnapshot() SnapshotPayload {
	tr := s.transcript.Snapshot()
	return SnapshotPayload{
		Engine:   s.engine.ID(),
		Language: s.language,
		State:    s.engine.State(),
		Cell:     s.engine.Cell(),
		Pending:  s.engine.Pending(),
		Outputs:  tr.Outputs,
		LastSeq:  tr.LastSeq,
	}
}

type wsRequest struct {
	Type      string `json:"type"`
	Input     string `json:"input,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := s.requestLogger(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("http ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, unsubscribe, _ := s.hub.Subscribe()
	defer unsubscribe()
	snapshot := s.buildSnapshot()

	// Only the writer goroutine touches the connection for writes.
	replies := make(chan StreamEvent, 16)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer cancel()
		send := func(event StreamEvent) bool {
			if err := conn.WriteJSON(event); err != nil {
				log.Debug("http ws write failed", "err", err)
				return false
			}
			return true
		}
		if !send(StreamEvent{Type: streamSnapshot, Snapshot: &snapshot, Timestamp: time.Now()}) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			case event, ok := <-ch:
				if !ok || !send(event) {
					return
				}
			case reply := <-replies:
				if !send(reply) {
					return
				}
			}
		}
	}()

	log.Info("http ws opened")
	session := sessionFor(r)
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			log.Info("http ws closed", "err", err)
			break
		}
		reply, ok := s.handleWSRequest(ctx, session, req)
		if !ok {
			continue
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
		}
	}
	cancel()
	<-writeDone
}

// handleWSRequest runs one client request. Replies are only sent for
// completions and failures; engine activity arrives through the hub.
func (s *Server) handleWSRequest(ctx context.Context, session schema.SessionID, req wsRequest) (StreamEvent, bool) {
	log := logx.WithEngineSession(ctx, s.engine.ID(), session).With("request", req.Type)
	fail := func(err error) (StreamEvent, bool) {
		log.Warn("http ws request failed", "err", err)
		return StreamEvent{Type: streamError, Error: err.Error(), Timestamp: time.Now()}, true
	}
	switch req.Type {
	case "input":
		if _, err := s.submit(ctx, session, inputRequest{Input: req.Input, Overwrite: req.Overwrite}); err != nil {
			return fail(err)
		}
		return StreamEvent{}, false
	case "interrupt":
		if err := s.engine.Interrupt(ctx); err != nil {
			return fail(err)
		}
		return StreamEvent{}, false
	case "complete":
		candidates, err := s.engine.Complete(ctx, req.Prefix)
		if err != nil {
			return fail(err)
		}
		return StreamEvent{Type: streamCompletions, Completions: candidates, Timestamp: time.Now()}, true
	default:
		return fail(fmt.Errorf("unknown request type %q", req.Type))
	}
}

func (s *Server) requestLogger(r *http.Request) pslog.Logger {
	return logx.WithEngineSession(r.Context(), s.engine.ID(), sessionFor(r)).With("remote", clientIP(r))
}

func sessionFor(r *http.Request) schema.SessionID {
	return schema.SessionID("http:" + clientIP(r))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrEngineExited), errors.Is(err, schema.ErrEngineNotStarted):
		return http.StatusConflict
	case errors.Is(err, errExitOverHTTP):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
