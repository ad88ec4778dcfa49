package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Переменные окружения шага, которые HTTPExecutor превращает в запрос.
const (
	// HTTP_HEADER_X_API_KEY=secret → заголовок X-Api-Key: secret
	httpHeaderPrefix = "HTTP_HEADER_"

	// HTTP_BODY — тело запроса как есть.
	httpBodyKey = "HTTP_BODY"

	// HTTP_CONTENT_TYPE — Content-Type для тела. По умолчанию application/json.
	httpContentTypeKey = "HTTP_CONTENT_TYPE"
)

// HTTPExecutor — executor для шага типа "http".
//
// Команда: "METHOD URL" или просто "URL" (GET).
// Ответ со статусом >= 400 — CommandError с ExitCode = статус.
type HTTPExecutor struct {
	// Client — HTTP-клиент. nil — http.DefaultClient; timeout задаёт ctx.
	Client *http.Client
}

// Execute выполняет HTTP-запрос.
func (e *HTTPExecutor) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	method, url, err := parseHTTPCommand(inv.Command)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if b, ok := inv.Env[httpBodyKey]; ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrInvalidCommand, err)
	}
	setHeaders(req, inv.Env)
	if body != nil && req.Header.Get("Content-Type") == "" {
		ct := inv.Env[httpContentTypeKey]
		if ct == "" {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	out := &limitedBuffer{max: maxOutput}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	res := &Result{Output: out.String(), ExitCode: resp.StatusCode}
	if resp.StatusCode >= 400 {
		return res, &CommandError{
			ExitCode: resp.StatusCode,
			Output:   fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(res.Output, 200)),
		}
	}
	return res, nil
}

// parseHTTPCommand разбирает "METHOD URL" или "URL".
func parseHTTPCommand(command string) (string, string, error) {
	fields := strings.Fields(command)
	switch len(fields) {
	case 1:
		return http.MethodGet, fields[0], nil
	case 2:
		return strings.ToUpper(fields[0]), fields[1], nil
	default:
		return "", "", fmt.Errorf("%w: http command must be \"METHOD URL\", got %q", ErrInvalidCommand, command)
	}
}

// setHeaders устанавливает заголовки из переменных HTTP_HEADER_*.
func setHeaders(req *http.Request, env map[string]string) {
	for key, val := range env {
		name, ok := strings.CutPrefix(key, httpHeaderPrefix)
		if !ok || name == "" {
			continue
		}
		req.Header.Set(strings.ReplaceAll(name, "_", "-"), val)
	}
}
