package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Output formats understood by CLIWorker.
const (
	FormatClaude = "claude" // claude -p ... --output-format json envelope
	FormatJSON   = "json"   // Request JSON on stdin, Response JSON on stdout
)

// CLIConfig describes how to launch a provider binary.
type CLIConfig struct {
	Provider string
	Command  string
	Args     []string // prepended to the generated arguments
	Format   string
	Timeout  time.Duration // per exchange; 0 means no limit
}

// SessionStore persists provider session ids so a restarted process can
// resume a task's conversation.
type SessionStore interface {
	SaveSession(ctx context.Context, key, sessionID, provider string) error
	GetSession(ctx context.Context, key string) (sessionID, provider string, err error)
}

// CLIWorker runs one subprocess per exchange. Claude sessions are kept per
// task and role so later exchanges resume the same conversation.
type CLIWorker struct {
	cfg   CLIConfig
	pm    *ProcessManager
	store SessionStore

	mu       sync.Mutex
	sessions map[string]string // sessionKey -> session
}

// NewCLIWorker creates a subprocess-backed worker. pm may be nil.
func NewCLIWorker(cfg CLIConfig, pm *ProcessManager) (*CLIWorker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("provider %q has no command", cfg.Provider)
	}
	if !ValidFormat(cfg.Format) {
		return nil, fmt.Errorf("provider %q: unknown output format %q", cfg.Provider, cfg.Format)
	}
	if cfg.Format == "" {
		cfg.Format = FormatClaude
	}
	return &CLIWorker{cfg: cfg, pm: pm, sessions: make(map[string]string)}, nil
}

// UseSessions makes the worker persist sessions to store and consult it on
// the first exchange of a task.
func (w *CLIWorker) UseSessions(store SessionStore) {
	w.store = store
}

// Invoke implements Worker.
func (w *CLIWorker) Invoke(ctx context.Context, req Request) (Response, error) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	var stdin []byte
	args := append([]string(nil), w.cfg.Args...)
	key := sessionKey(req.TaskID, req.Role)
	session, resume := w.session(ctx, key)

	switch w.cfg.Format {
	case FormatJSON:
		b, err := json.Marshal(wireRequest(req))
		if err != nil {
			return Response{}, fmt.Errorf("encode request: %w", err)
		}
		stdin = b
	case FormatCodex:
		args = append(args, codexArgs(req, session, resume)...)
	case FormatGoose:
		args = append(args, gooseArgs(req, session, resume)...)
	default:
		args = append(args, claudeArgs(req, session, resume)...)
	}

	cmd := NewCommand(ctx, req.WorkDir, w.cfg.Command, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := Execute(cmd, w.pm)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("%s invocation: %w", w.cfg.Provider, ctx.Err())
		}
		return Response{}, fmt.Errorf("%s invocation: %w (stderr: %s)", w.cfg.Provider, err, strings.TrimSpace(string(out.Stderr)))
	}

	var resp Response
	switch w.cfg.Format {
	case FormatJSON:
		if err := json.Unmarshal(bytes.TrimSpace(out.Stdout), &resp); err != nil {
			return Response{}, fmt.Errorf("parse %s response: %w", w.cfg.Provider, err)
		}
	case FormatCodex:
		resp, err = parseCodexEvents(out.Stdout)
		if err != nil {
			return Response{}, fmt.Errorf("parse %s response: %w", w.cfg.Provider, err)
		}
	case FormatGoose:
		resp = parseGooseResponse(out.Stdout)
	default:
		resp, err = parseClaudeResponse(out.Stdout)
		if err != nil {
			return Response{}, fmt.Errorf("parse %s response: %w", w.cfg.Provider, err)
		}
	}

	if resp.SessionID == "" {
		if w.cfg.Format == FormatCodex && !resume {
			// codex names its own threads; nothing to resume yet.
			return resp, nil
		}
		resp.SessionID = session
	}
	w.remember(ctx, key, resp.SessionID)
	return resp, nil
}

// Forget drops the in-memory sessions for a task.
func (w *CLIWorker) Forget(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range Roles() {
		delete(w.sessions, sessionKey(taskID, r))
	}
}

func sessionKey(taskID string, role Role) string {
	return taskID + "/" + role.String()
}

func (w *CLIWorker) session(ctx context.Context, key string) (string, bool) {
	w.mu.Lock()
	id, ok := w.sessions[key]
	w.mu.Unlock()
	if ok {
		return id, true
	}

	if w.store != nil {
		if id, provider, err := w.store.GetSession(ctx, key); err == nil && provider == w.cfg.Provider && id != "" {
			return id, true
		}
	}
	return uuid.NewString(), false
}

func (w *CLIWorker) remember(ctx context.Context, key, session string) {
	w.mu.Lock()
	prev, known := w.sessions[key]
	w.sessions[key] = session
	w.mu.Unlock()

	if w.store != nil && (!known || prev != session) {
		// Best effort: a lost session only costs conversation context.
		_ = w.store.SaveSession(ctx, key, session, w.cfg.Provider)
	}
}

func claudeArgs(req Request, session string, resume bool) []string {
	args := []string{"-p", BuildPrompt(req), "--output-format", "json"}
	if resume {
		args = append(args, "--resume", session)
	} else {
		args = append(args, "--session-id", session)
	}
	if req.Profile.Model != "" {
		args = append(args, "--model", req.Profile.Model)
	}
	if req.Profile.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.Profile.SystemPrompt)
	}
	if len(req.Profile.Tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.Profile.Tools, ","))
	}
	return args
}

type requestWire struct {
	TaskID      string   `json:"task_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Role        string   `json:"role"`
	Model       string   `json:"model,omitempty"`
	Temperature float64  `json:"temperature"`
	Tools       []string `json:"tools,omitempty"`
	Iteration   int      `json:"iteration"`
	Exchange    int      `json:"exchange"`
	PriorDiff   string   `json:"prior_diff,omitempty"`
	PriorErrors []string `json:"prior_errors,omitempty"`
	Hints       []string `json:"hints,omitempty"`
	Files       []string `json:"files,omitempty"`
	Prompt      string   `json:"prompt"`
}

func wireRequest(req Request) requestWire {
	return requestWire{
		TaskID:      req.TaskID,
		Name:        req.Name,
		Description: req.Description,
		Role:        req.Role.String(),
		Model:       req.Profile.Model,
		Temperature: req.Profile.Temperature,
		Tools:       req.Profile.Tools,
		Iteration:   req.Iteration,
		Exchange:    req.Exchange,
		PriorDiff:   req.PriorDiff,
		PriorErrors: req.PriorErrors,
		Hints:       req.Hints,
		Files:       req.Files,
		Prompt:      BuildPrompt(req),
	}
}

// BuildPrompt renders the request as the text sent to a model.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n\n%s\n", req.TaskID, req.Name, req.Description)
	if len(req.Files) > 0 {
		fmt.Fprintf(&b, "\nFiles in scope: %s\n", strings.Join(req.Files, ", "))
	}
	fmt.Fprintf(&b, "\nIteration %d, exchange %d.\n", req.Iteration, req.Exchange)

	if len(req.PriorErrors) > 0 {
		b.WriteString("\nThe previous iteration failed these checks:\n")
		for _, e := range req.PriorErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	if req.PriorDiff != "" {
		fmt.Fprintf(&b, "\nPrevious iteration diff:\n```diff\n%s\n```\n", req.PriorDiff)
	}
	for _, h := range req.Hints {
		fmt.Fprintf(&b, "\nNote: %s\n", h)
	}

	b.WriteString("\nRespond with a single JSON object: " +
		`{"done": bool, "summary": string, "changes": [{"path": string, "content": string, "delete": bool}], ` +
		`"verdict": {"approved": bool, "findings": [string]}}. ` +
		"Set done to true only when the task is finished. Include verdict only when reviewing.\n")
	return b.String()
}

// claudeEnvelope covers both the flat and the content-array result shapes.
type claudeEnvelope struct {
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    json.RawMessage `json:"result"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

func parseClaudeResponse(data []byte) (Response, error) {
	var env claudeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.IsError {
		return Response{}, fmt.Errorf("provider reported an error: %s", string(env.Result))
	}

	text, err := resultText(env.Result)
	if err != nil {
		return Response{}, err
	}

	resp := extractResponse(text)
	resp.SessionID = env.SessionID
	return resp, nil
}

func resultText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("unrecognised result payload: %w", err)
	}
	var b strings.Builder
	for _, item := range obj.Content {
		if item.Type == "text" {
			b.WriteString(item.Text)
		}
	}
	return b.String(), nil
}

// extractResponse decodes the structured reply embedded in model text. Text
// without a decodable object yields a response with Done unset.
func extractResponse(text string) Response {
	trimmed := strings.TrimSpace(text)
	candidates := []string{trimmed}
	if m := fencedJSON.FindAllStringSubmatch(trimmed, -1); len(m) > 0 {
		candidates = append(candidates, m[len(m)-1][1])
	}
	if i, j := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); i >= 0 && j > i {
		candidates = append(candidates, trimmed[i:j+1])
	}

	for _, c := range candidates {
		var resp Response
		if err := json.Unmarshal([]byte(c), &resp); err == nil {
			return resp
		}
	}
	return Response{Summary: trimmed}
}
