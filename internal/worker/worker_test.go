package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{in: "coder", want: RoleCoder},
		{in: " Reviewer ", want: RoleReviewer},
		{in: "tester", want: RoleTester},
		{in: "merger", want: RoleMerger},
		{in: "", want: RoleCoder},
		{in: "wizard", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoleTextRoundTrip(t *testing.T) {
	for _, r := range Roles() {
		b, err := r.MarshalText()
		require.NoError(t, err)
		var back Role
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, r, back)
	}
	_, err := Role(42).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "role(42)", Role(42).String())
}

func TestDefaultProfilesCoverEveryRole(t *testing.T) {
	profiles := DefaultProfiles()
	for _, r := range Roles() {
		p, ok := profiles[r]
		require.True(t, ok, r.String())
		assert.NotEmpty(t, p.Model)
	}
	assert.NotContains(t, profiles[RoleReviewer].Tools, "Edit")
}

func TestApplyChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "old.txt"), []byte("x"), 0o644))

	err := ApplyChanges(root, []FileChange{
		{Path: "pkg/new.go", Content: "package pkg\n"},
		{Path: "old.txt", Delete: true},
		{Path: "missing.txt", Delete: true},
	})
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(root, "pkg", "new.go"))
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", string(b))
	assert.NoFileExists(t, filepath.Join(root, "old.txt"))

	assert.Error(t, ApplyChanges(root, []FileChange{{Path: "../escape.txt", Content: "x"}}))
	assert.Error(t, ApplyChanges(root, []FileChange{{Content: "x"}}))
	assert.Error(t, ApplyChanges(root, []FileChange{{Path: ".", Content: "x"}}))
}

func TestApplyChangesProtectsGitMetadata(t *testing.T) {
	root := t.TempDir()
	gitlink := filepath.Join(root, ".git")
	require.NoError(t, os.WriteFile(gitlink, []byte("gitdir: /repo/.git/worktrees/t1\n"), 0o644))

	for _, path := range []string{".git", ".git/config", "./.git", "pkg/../.git", ".GIT/hooks/pre-commit"} {
		err := ApplyChanges(root, []FileChange{{Path: path, Content: "x"}})
		assert.ErrorContains(t, err, "git metadata", path)
	}
	assert.ErrorContains(t, ApplyChanges(root, []FileChange{{Path: ".git", Delete: true}}), "git metadata")

	b, err := os.ReadFile(gitlink)
	require.NoError(t, err)
	assert.Equal(t, "gitdir: /repo/.git/worktrees/t1\n", string(b))

	require.NoError(t, ApplyChanges(root, []FileChange{
		{Path: ".gitignore", Content: "bin/\n"},
		{Path: "docs/.git-notes", Content: "x"},
	}))
	assert.FileExists(t, filepath.Join(root, ".gitignore"))
}

func TestExtractResponse(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantDone bool
		wantSum  string
	}{
		{name: "bare object", text: `{"done": true, "summary": "ok"}`, wantDone: true, wantSum: "ok"},
		{name: "fenced", text: "Here you go\n```json\n{\"done\": true, \"summary\": \"fenced\"}\n```\n", wantDone: true, wantSum: "fenced"},
		{name: "embedded", text: `I finished. {"done": false, "summary": "half"} thanks`, wantSum: "half"},
		{name: "marker text is not a signal", text: "TASK COMPLETE", wantSum: "TASK COMPLETE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := extractResponse(tt.text)
			assert.Equal(t, tt.wantDone, resp.Done)
			assert.Equal(t, tt.wantSum, resp.Summary)
		})
	}
}

func TestParseClaudeResponse(t *testing.T) {
	flat := `{"type":"result","session_id":"s1","result":"{\"done\":true,\"changes\":[{\"path\":\"a.go\",\"content\":\"x\"}]}"}`
	resp, err := parseClaudeResponse([]byte(flat))
	require.NoError(t, err)
	assert.True(t, resp.Done)
	assert.Equal(t, "s1", resp.SessionID)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "a.go", resp.Changes[0].Path)

	content := `{"session_id":"s2","result":{"content":[{"type":"text","text":"{\"done\":"},{"type":"text","text":"true}"}]}}`
	resp, err = parseClaudeResponse([]byte(content))
	require.NoError(t, err)
	assert.True(t, resp.Done)

	_, err = parseClaudeResponse([]byte(`{"is_error":true,"result":"rate limited"}`))
	assert.Error(t, err)

	_, err = parseClaudeResponse([]byte("not json"))
	assert.Error(t, err)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provider.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCLIWorkerJSONFormat(t *testing.T) {
	script := writeScript(t, `
input=$(cat)
case "$input" in
  *'"iteration":2'*) echo '{"done": true, "summary": "second"}' ;;
  *) echo '{"done": false, "summary": "first"}' ;;
esac`)

	w, err := NewCLIWorker(CLIConfig{Provider: "fake", Command: script, Format: FormatJSON}, NewProcessManager())
	require.NoError(t, err)

	req := Request{TaskID: "t1", WorkDir: t.TempDir(), Iteration: 1, Exchange: 1}
	resp, err := w.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.Done)
	assert.Equal(t, "first", resp.Summary)

	req.Iteration = 2
	resp, err = w.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Done)
}

func TestCLIWorkerClaudeFormatResumesSession(t *testing.T) {
	dir := t.TempDir()
	argsLog := filepath.Join(dir, "args.log")
	script := writeScript(t, fmt.Sprintf(`
printf '%%s ' "$@" | tr '\n' ' ' >> %q
echo >> %q
echo '{"session_id":"","result":"{\"done\":true}"}'`, argsLog, argsLog))

	w, err := NewCLIWorker(CLIConfig{Provider: "claude", Command: script}, nil)
	require.NoError(t, err)

	req := Request{TaskID: "t1", WorkDir: dir, Profile: Profile{Model: "sonnet", Tools: []string{"Read", "Edit"}}}
	_, err = w.Invoke(context.Background(), req)
	require.NoError(t, err)
	_, err = w.Invoke(context.Background(), req)
	require.NoError(t, err)

	b, err := os.ReadFile(argsLog)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "--session-id")
	assert.Contains(t, lines[0], "--model sonnet")
	assert.Contains(t, lines[0], "--allowedTools Read,Edit")
	assert.Contains(t, lines[1], "--resume")

	w.Forget("t1")
	_, resumed := w.session(context.Background(), sessionKey("t1", RoleCoder))
	assert.False(t, resumed)
}

type mapSessions struct {
	mu    sync.Mutex
	saved map[string][2]string
}

func (m *mapSessions) SaveSession(_ context.Context, key, id, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[key] = [2]string{id, provider}
	return nil
}

func (m *mapSessions) GetSession(_ context.Context, key string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.saved[key]
	if !ok {
		return "", "", errors.New("not found")
	}
	return v[0], v[1], nil
}

func TestCLIWorkerSessionStore(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `echo '{"session_id":"","result":"{\"done\":true}"}'`)
	store := &mapSessions{saved: make(map[string][2]string)}

	w1, err := NewCLIWorker(CLIConfig{Provider: "claude", Command: script}, nil)
	require.NoError(t, err)
	w1.UseSessions(store)
	_, err = w1.Invoke(context.Background(), Request{TaskID: "t1", WorkDir: dir})
	require.NoError(t, err)
	require.Contains(t, store.saved, "t1/coder")

	// A fresh worker, as after a restart, resumes from the store.
	w2, err := NewCLIWorker(CLIConfig{Provider: "claude", Command: script}, nil)
	require.NoError(t, err)
	w2.UseSessions(store)
	id, resumed := w2.session(context.Background(), "t1/coder")
	assert.True(t, resumed)
	assert.Equal(t, store.saved["t1/coder"][0], id)

	_, resumed = w2.session(context.Background(), "t1/reviewer")
	assert.False(t, resumed, "roles keep separate conversations")

	other, err := NewCLIWorker(CLIConfig{Provider: "codex", Command: script}, nil)
	require.NoError(t, err)
	other.UseSessions(store)
	_, resumed = other.session(context.Background(), "t1/coder")
	assert.False(t, resumed, "sessions are provider specific")
}

func TestCLIWorkerTimeout(t *testing.T) {
	script := writeScript(t, "sleep 5")
	pm := NewProcessManager()
	w, err := NewCLIWorker(CLIConfig{Provider: "slow", Command: script, Format: FormatJSON, Timeout: 100 * time.Millisecond}, pm)
	require.NoError(t, err)

	start := time.Now()
	_, err = w.Invoke(context.Background(), Request{TaskID: "t", WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 0, pm.Count())
}

func TestNewCLIWorkerValidation(t *testing.T) {
	_, err := NewCLIWorker(CLIConfig{Provider: "x"}, nil)
	assert.Error(t, err)
	_, err = NewCLIWorker(CLIConfig{Provider: "x", Command: "x", Format: "xml"}, nil)
	assert.Error(t, err)
}

func TestBuildPromptIncludesRetryContext(t *testing.T) {
	p := BuildPrompt(Request{
		TaskID:      "t1",
		Name:        "Add login",
		Description: "Implement login",
		Iteration:   3,
		Exchange:    1,
		PriorErrors: []string{"build: undefined: foo"},
		PriorDiff:   "+func foo()",
		Hints:       []string{"the same errors repeated 3 times"},
	})
	assert.Contains(t, p, "Iteration 3")
	assert.Contains(t, p, "build: undefined: foo")
	assert.Contains(t, p, "+func foo()")
	assert.Contains(t, p, "repeated 3 times")
}

// scriptedWorker replays a fixed sequence of responses and errors.
type scriptedWorker struct {
	mu    sync.Mutex
	steps []any
	calls int
}

func (w *scriptedWorker) Invoke(ctx context.Context, req Request) (Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.calls >= len(w.steps) {
		return Response{}, fmt.Errorf("unexpected call %d", w.calls+1)
	}
	step := w.steps[w.calls]
	w.calls++
	if err, ok := step.(error); ok {
		return Response{}, err
	}
	return step.(Response), nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		MaxElapsedTime:      500 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0.1,
	}
}

func TestResilientRetriesTransientErrors(t *testing.T) {
	inner := &scriptedWorker{steps: []any{errors.New("503"), errors.New("503"), Response{Done: true}}}
	r := NewResilient(inner, "p", NewBreakerRegistry(DefaultBreakerSettings(), nil), fastRetry())

	resp, err := r.Invoke(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, resp.Done)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientOpensBreaker(t *testing.T) {
	steps := make([]any, 50)
	for i := range steps {
		steps[i] = errors.New("down")
	}
	inner := &scriptedWorker{steps: steps}
	reg := NewBreakerRegistry(BreakerSettings{ConsecutiveFailures: 3, OpenTimeout: time.Minute, HalfOpenRequests: 1}, nil)
	r := NewResilient(inner, "p", reg, fastRetry())

	_, err := r.Invoke(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, r.State())

	calls := inner.calls
	_, err = r.Invoke(context.Background(), Request{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, calls, inner.calls, "open breaker must not reach the provider")

	// Same provider shares the breaker.
	other := NewResilient(inner, "p", reg, fastRetry())
	assert.Equal(t, gobreaker.StateOpen, other.State())
}

func TestResilientStopsOnCancel(t *testing.T) {
	inner := Func(func(ctx context.Context, req Request) (Response, error) {
		return Response{}, errors.New("flaky")
	})
	r := NewResilient(inner, "p", NewBreakerRegistry(DefaultBreakerSettings(), nil), DefaultRetryConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.Invoke(ctx, Request{})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSetRouting(t *testing.T) {
	s := NewSet(map[Role]Profile{RoleCoder: {Provider: "codex", Model: "gpt"}})
	var got Request
	s.Register(RoleCoder, Func(func(ctx context.Context, req Request) (Response, error) {
		got = req
		return Response{Done: true}, nil
	}))

	resp, err := s.Invoke(context.Background(), Request{Role: RoleCoder})
	require.NoError(t, err)
	assert.True(t, resp.Done)
	assert.Equal(t, "gpt", got.Profile.Model)
	assert.Equal(t, "opus", s.Profile(RoleReviewer).Model)

	assert.True(t, s.Has(RoleCoder))
	_, err = s.Invoke(context.Background(), Request{Role: RoleReviewer})
	assert.Error(t, err)
}
