// Package executor runs source files on a remote Piston sandbox.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hilthontt/codesync/internal/infrastructure/logging"
	"github.com/hilthontt/codesync/internal/infrastructure/metrics"
	"github.com/hilthontt/codesync/internal/infrastructure/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultEndpoint = "https://emkc.org/api/v2/piston/execute"
	DefaultTimeout  = 15 * time.Second
	DefaultLanguage = "javascript"

	NoOutput     = "No output from execution."
	failedPrefix = "Error: Could not execute code. "

	maxErrorBody = 64 << 10
)

var tracer = tracing.GetTracer("codesync/executor")

var languages = map[string]string{
	"js":   "javascript",
	"py":   "python",
	"cpp":  "cpp",
	"c":    "c",
	"java": "java",
	"cs":   "csharp",
	"go":   "go",
	"rs":   "rust",
}

// LanguageFor maps a file name's extension to a sandbox language. Unknown or
// missing extensions run as JavaScript.
func LanguageFor(fileName string) string {
	i := strings.LastIndex(fileName, ".")
	if i < 0 {
		return DefaultLanguage
	}
	if lang, ok := languages[strings.ToLower(fileName[i+1:])]; ok {
		return lang
	}
	return DefaultLanguage
}

// Runnable reports whether fileName may be executed. Placeholder .keep files
// never are.
func Runnable(fileName string) bool {
	return !strings.HasSuffix(fileName, ".keep")
}

// sandboxError keeps the transport detail for logs apart from the reason
// shown to room members.
type sandboxError struct {
	reason string
	err    error
}

func (e *sandboxError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return e.reason + ": " + e.err.Error()
}

func (e *sandboxError) Unwrap() error {
	return e.err
}

func reasonOf(err error) string {
	var se *sandboxError
	if errors.As(err, &se) {
		return se.reason
	}
	return "sandbox request failed"
}

type Result struct {
	Output   string
	Language string
	Failed   bool
}

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

type Client struct {
	endpoint string
	http     *http.Client
	logger   logging.Logger
	metrics  *metrics.Metrics
}

func NewClient(cfg Config, logger logging.Logger, m *metrics.Metrics) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Client{
		endpoint: cfg.Endpoint,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:  logger,
		metrics: m,
	}
}

type pistonFile struct {
	Content string `json:"content"`
}

type pistonRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
}

type pistonResponse struct {
	Run *struct {
		Output string `json:"output"`
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	} `json:"run"`
	Message string `json:"message"`
}

// Execute runs code as the language implied by fileName. It never returns an
// error: failures come back as a Result whose Output explains them.
func (c *Client) Execute(ctx context.Context, fileName, code string) Result {
	language := LanguageFor(fileName)

	ctx, span := tracer.Start(ctx, "executor.execute")
	span.SetAttributes(attribute.String("code.language", language), attribute.Int("code.bytes", len(code)))
	defer span.End()

	start := time.Now()
	output, err := c.run(ctx, language, code)
	if c.metrics != nil {
		c.metrics.CodeRunDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		if c.metrics != nil {
			c.metrics.CodeRuns.WithLabelValues("error").Inc()
		}
		c.logger.Warn(logging.Execution, logging.ExternalService, "code execution failed", map[logging.ExtraKey]any{
			logging.Language:     language,
			logging.ErrorMessage: err.Error(),
		})
		return Result{Output: failedPrefix + reasonOf(err), Language: language, Failed: true}
	}

	if c.metrics != nil {
		c.metrics.CodeRuns.WithLabelValues("ok").Inc()
	}
	return Result{Output: output, Language: language}
}

func (c *Client) run(ctx context.Context, language, code string) (string, error) {
	body, err := json.Marshal(pistonRequest{
		Language: language,
		Version:  "*",
		Files:    []pistonFile{{Content: code}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return "", &sandboxError{reason: "execution timed out", err: err}
		}
		return "", &sandboxError{reason: "sandbox unreachable", err: err}
	}
	defer resp.Body.Close()

	var out pistonResponse
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if json.Unmarshal(raw, &out) == nil && out.Message != "" {
			return "", &sandboxError{reason: out.Message}
		}
		return "", &sandboxError{reason: fmt.Sprintf("sandbox returned status %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &sandboxError{reason: "invalid sandbox response", err: err}
	}
	if out.Run == nil {
		if out.Message != "" {
			return "", &sandboxError{reason: out.Message}
		}
		return "", &sandboxError{reason: "invalid sandbox response: missing run"}
	}

	switch {
	case out.Run.Output != "":
		return out.Run.Output, nil
	case out.Run.Stdout != "":
		return out.Run.Stdout, nil
	case out.Run.Stderr != "":
		return out.Run.Stderr, nil
	default:
		return NoOutput, nil
	}
}
