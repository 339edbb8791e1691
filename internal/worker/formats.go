package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Additional provider formats. Both are one subprocess per exchange, like
// FormatClaude.
const (
	FormatCodex = "codex" // codex exec/resume --json event stream
	FormatGoose = "goose" // goose run --output-format json
)

// Formats lists every output format CLIWorker understands.
func Formats() []string {
	return []string{FormatClaude, FormatJSON, FormatCodex, FormatGoose}
}

// ValidFormat reports whether f is a known format. Empty means FormatClaude.
func ValidFormat(f string) bool {
	if f == "" {
		return true
	}
	for _, known := range Formats() {
		if f == known {
			return true
		}
	}
	return false
}

// codexArgs starts a thread on the first exchange and resumes it afterwards.
func codexArgs(req Request, thread string, resume bool) []string {
	var args []string
	if resume {
		args = []string{"resume", thread, BuildPrompt(req), "--json"}
	} else {
		args = []string{"exec", BuildPrompt(req), "--json"}
	}
	if req.Profile.Model != "" {
		args = append(args, "--model", req.Profile.Model)
	}
	return args
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
}

// parseCodexEvents reads the newline-delimited event stream. The thread id
// comes from ThreadStarted and the reply from the last TurnCompleted.
func parseCodexEvents(data []byte) (Response, error) {
	var thread, content string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return Response{}, fmt.Errorf("failed to parse event: %w", err)
		}
		switch ev.Type {
		case "ThreadStarted":
			thread = ev.ThreadID
		case "TurnCompleted":
			content = ev.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("error reading events: %w", err)
	}

	resp := extractResponse(content)
	resp.SessionID = thread
	return resp, nil
}

// gooseArgs names the session on the first exchange and resumes it by name
// afterwards.
func gooseArgs(req Request, session string, resume bool) []string {
	args := []string{"run", "--text", BuildPrompt(req), "--output-format", "json", "--name", session}
	if resume {
		args = append(args, "--resume")
	}
	if req.Profile.Model != "" {
		args = append(args, "--model", req.Profile.Model)
	}
	if req.Profile.SystemPrompt != "" {
		args = append(args, "--system", req.Profile.SystemPrompt)
	}
	return args
}

type gooseReply struct {
	Content string `json:"content"`
}

// parseGooseResponse accepts a single JSON object, newline-delimited JSON,
// or plain text from versions without --output-format.
func parseGooseResponse(data []byte) Response {
	var single gooseReply
	if err := json.Unmarshal(data, &single); err == nil {
		return extractResponse(single.Content)
	}

	var parts []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var r gooseReply
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &r); err == nil && r.Content != "" {
			parts = append(parts, r.Content)
		}
	}
	if len(parts) > 0 {
		return extractResponse(strings.Join(parts, "\n"))
	}
	return extractResponse(string(data))
}
