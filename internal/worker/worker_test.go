package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/retry"
)

// --- ShellExecutor ---

func TestShellExecutor_Success(t *testing.T) {
	e := &ShellExecutor{}

	res, err := e.Execute(context.Background(), &Invocation{
		Step:    "greet",
		Command: "echo hello $NAME",
		Env:     map[string]string{"NAME": "world"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Output) != "hello world" {
		t.Errorf("expected 'hello world', got %q", res.Output)
	}
}

func TestShellExecutor_ExitCode(t *testing.T) {
	e := &ShellExecutor{}

	res, err := e.Execute(context.Background(), &Invocation{Command: "echo boom >&2; exit 3"})
	if !errors.Is(err, retry.ErrStepCommandFailure) {
		t.Fatalf("expected ErrStepCommandFailure, got %v", err)
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %T", err)
	}
	if cmdErr.ExitCode != 3 || res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", cmdErr.ExitCode)
	}
	if !strings.Contains(res.Output, "boom") {
		t.Errorf("stderr should be captured, got %q", res.Output)
	}
}

func TestShellExecutor_NotFound(t *testing.T) {
	e := &ShellExecutor{}

	_, err := e.Execute(context.Background(), &Invocation{Command: "definitely-not-a-binary-xyz --flag"})

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 127 {
		t.Errorf("expected exit code 127, got %d", cmdErr.ExitCode)
	}
}

func TestShellExecutor_Argv(t *testing.T) {
	e := &ShellExecutor{}

	tests := []struct {
		command string
		want    []string
	}{
		{`pg_dump -Fc "my db"`, []string{"pg_dump", "-Fc", "my db"}},
		{"make build && make test", []string{"/bin/sh", "-c", "make build && make test"}},
		{"echo $HOME", []string{"/bin/sh", "-c", "echo $HOME"}},
		{"ls > out.txt", []string{"/bin/sh", "-c", "ls > out.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got, err := e.argv(tt.command)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestShellExecutor_OutputTruncated(t *testing.T) {
	e := &ShellExecutor{}

	res, err := e.Execute(context.Background(), &Invocation{Command: "head -c 100000 /dev/zero | tr '\\0' a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Output, "[truncated") {
		t.Error("expected truncation marker")
	}
	if len(res.Output) > maxOutput+64 {
		t.Errorf("output too long: %d", len(res.Output))
	}
}

// --- Registry.Run ---

func TestRegistry_RunTimeout(t *testing.T) {
	r := NewRegistry()

	_, err := r.Run(context.Background(), &Invocation{Step: "slow", Type: TypeDelay, Command: "5s"}, 20*time.Millisecond)
	if !errors.Is(err, retry.ErrStepTimeout) {
		t.Errorf("expected ErrStepTimeout, got %v", err)
	}
}

func TestRegistry_RunParentCancel(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, &Invocation{Type: TypeDelay, Command: "5s"}, time.Second)
	if errors.Is(err, retry.ErrStepTimeout) {
		t.Error("parent cancellation must not be reported as timeout")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRegistry_UnknownTypeIsPermanent(t *testing.T) {
	r := NewRegistry()

	_, err := r.Run(context.Background(), &Invocation{Type: "ftp", Command: "x"}, 0)
	if !errors.Is(err, ErrUnknownStepType) {
		t.Errorf("expected ErrUnknownStepType, got %v", err)
	}
	if !retry.IsPermanent(err) {
		t.Error("unknown type should not be retried")
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	custom := &DelayExecutor{}
	r.Register("custom", custom)

	got, err := r.Get("custom")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != custom {
		t.Error("expected registered executor")
	}

	if _, err := r.Get(""); err != nil {
		t.Errorf("empty type should resolve to shell: %v", err)
	}
}

// --- HTTPExecutor ---

func TestHTTPExecutor_POST(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("expected X-Api-Key header, got %q", r.Header.Get("X-Api-Key"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected json content type, got %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"release":"v1"}` {
			t.Errorf("unexpected body %s", body)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	e := &HTTPExecutor{}
	res, err := e.Execute(context.Background(), &Invocation{
		Command: "post " + server.URL,
		Env: map[string]string{
			"HTTP_HEADER_X_API_KEY": "secret",
			"HTTP_BODY":             `{"release":"v1"}`,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != http.StatusOK || res.Output != `{"ok":true}` {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestHTTPExecutor_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance"))
	}))
	defer server.Close()

	e := &HTTPExecutor{}
	_, err := e.Execute(context.Background(), &Invocation{Command: server.URL})

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", cmdErr.ExitCode)
	}
	if !strings.Contains(cmdErr.Output, "maintenance") {
		t.Errorf("expected body in output, got %q", cmdErr.Output)
	}
}

func TestHTTPExecutor_BadCommand(t *testing.T) {
	e := &HTTPExecutor{}
	_, err := e.Execute(context.Background(), &Invocation{Command: "GET a b c"})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("expected ErrInvalidCommand, got %v", err)
	}
}

// --- DelayExecutor ---

func TestDelayExecutor(t *testing.T) {
	e := &DelayExecutor{}

	for _, cmd := range []string{"10ms", "0.01"} {
		start := time.Now()
		if _, err := e.Execute(context.Background(), &Invocation{Command: cmd}); err != nil {
			t.Fatalf("%s: unexpected error: %v", cmd, err)
		}
		if time.Since(start) < 10*time.Millisecond {
			t.Errorf("%s: returned too early", cmd)
		}
	}

	if _, err := e.Execute(context.Background(), &Invocation{Command: "soon"}); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("expected ErrInvalidCommand, got %v", err)
	}
}

// --- Probe ---

func TestProbe(t *testing.T) {
	r := NewRegistry()

	if err := r.Probe(context.Background(), "api", &domain.HealthCheck{Command: "true"}, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err := r.Probe(context.Background(), "api", &domain.HealthCheck{Command: "false", Retries: 3, Interval: time.Millisecond}, nil)
	if !errors.Is(err, ErrHealthCheckFailed) {
		t.Fatalf("expected ErrHealthCheckFailed, got %v", err)
	}
	if !errors.Is(err, retry.ErrStepCommandFailure) {
		t.Errorf("probe failure should wrap command failure, got %v", err)
	}

	if err := r.Probe(context.Background(), "api", nil, nil); err != nil {
		t.Errorf("nil healthcheck should pass, got %v", err)
	}
}
