package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// ProcessResponse — процесс из API.
type ProcessResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Schedule    string   `json:"schedule,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	Timeout     float64  `json:"timeout_sec,omitempty"`
	MaxParallel int      `json:"max_parallel,omitempty"`
	Steps       []string `json:"steps"`
	Fingerprint string   `json:"fingerprint"`
}

// StageResponse — стадия плана.
type StageResponse struct {
	Index int      `json:"index"`
	Steps []string `json:"steps"`
}

// PlanResponse — план выполнения из API.
type PlanResponse struct {
	Process     string          `json:"process"`
	Fingerprint string          `json:"fingerprint"`
	MaxParallel int             `json:"max_parallel"`
	Stages      []StageResponse `json:"stages"`
}

// StepResponse — результат шага в run.
type StepResponse struct {
	Name           string `json:"name"`
	Stage          int    `json:"stage"`
	State          string `json:"state"`
	Critical       bool   `json:"critical,omitempty"`
	Attempts       int    `json:"attempts"`
	DurationMs     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
	SkipReason     string `json:"skip_reason,omitempty"`
	Classification string `json:"classification,omitempty"`
	Recovered      bool   `json:"recovered,omitempty"`
}

// SummaryResponse — агрегированная статистика run.
type SummaryResponse struct {
	Total             int     `json:"total"`
	Succeeded         int     `json:"succeeded"`
	Failed            int     `json:"failed"`
	Skipped           int     `json:"skipped"`
	Pending           int     `json:"pending"`
	SuccessRate       float64 `json:"success_rate"`
	StrictSuccessRate float64 `json:"strict_success_rate"`
}

// RunResponse — run из API (отчёт или снимок активного run).
type RunResponse struct {
	ExecutionID string          `json:"execution_id"`
	Process     string          `json:"process"`
	Environment string          `json:"environment,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	Status      string          `json:"status"`
	Result      string          `json:"result,omitempty"`
	Warnings    bool            `json:"warnings,omitempty"`
	Cause       string          `json:"cause,omitempty"`
	Steps       []StepResponse  `json:"steps,omitempty"`
	Summary     SummaryResponse `json:"summary"`
	Active      bool            `json:"active"`
}

// --- Request types ---

// CreateRunRequest — запуск процесса.
type CreateRunRequest struct {
	Process     string         `json:"process"`
	Environment string         `json:"environment,omitempty"`
	Vars        map[string]any `json:"vars,omitempty"`
	Wait        bool           `json:"wait,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	Process string
	Status  string
	Limit   int
	Offset  int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для procorch API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Processes ---

// ListProcesses возвращает все процессы.
func (c *Client) ListProcesses() ([]ProcessResponse, error) {
	var processes []ProcessResponse
	err := c.list("/api/v1/processes", nil, &processes)
	return processes, err
}

// GetPlan возвращает план выполнения процесса.
func (c *Client) GetPlan(name string) (*PlanResponse, error) {
	var plan PlanResponse
	err := c.get("/api/v1/processes/"+url.PathEscape(name)+"/plan", &plan)
	return &plan, err
}

// --- Runs ---

// ListRuns возвращает историю runs с фильтрацией.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.Process != "" {
		params.Set("process", opts.Process)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// ListActiveRuns возвращает выполняющиеся runs.
func (c *Client) ListActiveRuns() ([]RunResponse, error) {
	var runs []RunResponse
	err := c.list("/api/v1/runs/active", nil, &runs)
	return runs, err
}

// StartRun запускает процесс. С Wait ответ содержит итоговый отчёт.
func (c *Client) StartRun(req CreateRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs", req, &run)
	return &run, err
}

// GetRun возвращает run по execution id.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/runs/"+url.PathEscape(id), &run)
	return &run, err
}

// CancelRun отменяет run.
func (c *Client) CancelRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+url.PathEscape(id)+"/cancel", nil, &run)
	return &run, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
