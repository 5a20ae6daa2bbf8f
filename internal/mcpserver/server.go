// Package mcpserver exposes the bridge's speech tools over the Model Context
// Protocol (streamable HTTP transport).
//
// Tools:
//
//   - tts_stream_url: returns an absolute /stream/tts URL that speaks the
//     given text.
//   - list_waiting_clips: returns the ids of the loaded waiting clips.
package mcpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/callbridge/internal/ttsproxy"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
)

// Path is the route the server is mounted on.
const Path = "/mcp"

const (
	serverName    = "callbridge"
	serverVersion = "1.0.0"
)

// ClipLister lists the available waiting clips. *waiting.Store implements it.
type ClipLister interface {
	IDs() []string
}

// TTSURLInput is the argument of the tts_stream_url tool.
type TTSURLInput struct {
	Text  string  `json:"text" jsonschema:"the text to speak, 1 to 500 characters"`
	Voice string  `json:"voice,omitempty" jsonschema:"optional voice id; the server default is used when empty"`
	Speed float64 `json:"speed,omitempty" jsonschema:"optional speaking rate between 0.5 and 1.5"`
}

// TTSURLOutput is the structured result of the tts_stream_url tool.
type TTSURLOutput struct {
	URL string `json:"url"`
}

// ClipsOutput is the structured result of the list_waiting_clips tool.
type ClipsOutput struct {
	Clips []string `json:"clips"`
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// Server is the MCP tool server.
type Server struct {
	baseURL string
	clips   ClipLister
	log     *slog.Logger
	mcp     *mcpsdk.Server
}

// New returns a server whose tts_stream_url results point at baseURL. A nil
// clips lists no clips.
func New(baseURL string, clips ClipLister, opts ...Option) *Server {
	s := &Server{
		baseURL: strings.TrimRight(baseURL, "/"),
		clips:   clips,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "mcpserver")

	s.mcp = mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "tts_stream_url",
		Description: "Return a URL that streams the given text as 8 kHz μ-law speech (audio/basic).",
	}, s.ttsStreamURL)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "list_waiting_clips",
		Description: "List the ids of the pre-recorded waiting clips the bridge can play.",
	}, s.listWaitingClips)
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *mcpsdk.Server { return s.mcp }

// Handler returns the streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.mcp }, nil)
}

// Register adds the MCP route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle(Path, s.Handler())
}

func (s *Server) ttsStreamURL(_ context.Context, _ *mcpsdk.CallToolRequest, in TTSURLInput) (*mcpsdk.CallToolResult, TTSURLOutput, error) {
	if err := ttsproxy.ValidateText(in.Text); err != nil {
		return nil, TTSURLOutput{}, err
	}
	if in.Speed != 0 && (in.Speed < tts.MinSpeed || in.Speed > tts.MaxSpeed) {
		return nil, TTSURLOutput{}, ttsproxy.ErrBadSpeed
	}
	u := ttsproxy.URL(s.baseURL, in.Text, strings.TrimSpace(in.Voice), in.Speed)
	s.log.Debug("mcpserver: tts url issued", "chars", len([]rune(in.Text)))
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: u}},
	}, TTSURLOutput{URL: u}, nil
}

func (s *Server) listWaitingClips(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, ClipsOutput, error) {
	ids := []string{}
	if s.clips != nil {
		ids = append(ids, s.clips.IDs()...)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: strings.Join(ids, "\n")}},
	}, ClipsOutput{Clips: ids}, nil
}
