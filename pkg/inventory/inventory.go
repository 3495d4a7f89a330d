package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mozart409/tendhost/pkg/executor"
	"github.com/Mozart409/tendhost/pkg/log"
)

// defaultQueryTimeout bounds a single osquery invocation
const defaultQueryTimeout = 60 * time.Second

// ErrorKind classifies inventory failures. The set is closed.
type ErrorKind string

const (
	KindOsqueryNotFound ErrorKind = "osquery_not_found"
	KindQueryFailed     ErrorKind = "query_failed"
	KindParseError      ErrorKind = "parse_error"
	KindExecutionError  ErrorKind = "execution_error"
	KindTimeout         ErrorKind = "timeout"
)

// Error is an inventory failure with a classified kind
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	detail := e.Msg
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	switch e.Kind {
	case KindOsqueryNotFound:
		return fmt.Sprintf("osquery not found: %s", detail)
	case KindQueryFailed:
		return fmt.Sprintf("query execution failed: %s", detail)
	case KindParseError:
		return fmt.Sprintf("JSON parse error: %s", detail)
	case KindExecutionError:
		return fmt.Sprintf("execution error: %s", detail)
	case KindTimeout:
		return fmt.Sprintf("query timeout: %s", detail)
	}
	return detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// cachedResult is a query result with an expiry
type cachedResult struct {
	rows     []map[string]string
	cachedAt time.Time
}

// Client runs osquery SQL against a host through its executor and caches
// results for a configurable TTL
type Client struct {
	exec    executor.Executor
	timeout time.Duration
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]*cachedResult
}

// NewClient creates an osquery client with the given cache TTL
func NewClient(exec executor.Executor, ttl time.Duration) *Client {
	return &Client{
		exec:    exec,
		timeout: defaultQueryTimeout,
		ttl:     ttl,
		cache:   make(map[string]*cachedResult),
	}
}

// WithTimeout overrides the per-query timeout
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

// Available reports whether osqueryi exists on the host
func (c *Client) Available(ctx context.Context) bool {
	exists, err := executor.CommandExists(ctx, c.exec, "osqueryi")
	return err == nil && exists
}

// Query runs a SQL statement through osqueryi --json, serving cached
// rows while they are fresh
func (c *Client) Query(ctx context.Context, sql string) ([]map[string]string, error) {
	c.mu.Lock()
	if cached, ok := c.cache[sql]; ok && time.Since(cached.cachedAt) < c.ttl {
		rows := cached.rows
		c.mu.Unlock()
		log.Logger.Debug().Str("query", sql).Msg("serving inventory query from cache")
		return rows, nil
	}
	c.mu.Unlock()

	if !c.Available(ctx) {
		return nil, &Error{Kind: KindOsqueryNotFound, Msg: "osqueryi not found on target system"}
	}

	// Single quotes in the SQL are escaped for the surrounding shell quoting
	escaped := strings.ReplaceAll(sql, "'", `'"'"'`)
	cmd := fmt.Sprintf("osqueryi --json '%s'", escaped)

	result, err := c.exec.RunWithTimeout(ctx, cmd, c.timeout)
	if err != nil {
		var execErr *executor.Error
		if errors.As(err, &execErr) && execErr.Kind == executor.KindTimeout {
			return nil, &Error{Kind: KindTimeout, Msg: execErr.Timeout.String(), Err: err}
		}
		return nil, &Error{Kind: KindExecutionError, Err: err}
	}
	if !result.Success() {
		return nil, &Error{Kind: KindQueryFailed, Msg: result.Stderr}
	}

	var rows []map[string]string
	if err := json.Unmarshal([]byte(result.Stdout), &rows); err != nil {
		return nil, &Error{Kind: KindParseError, Err: err}
	}

	c.mu.Lock()
	c.cache[sql] = &cachedResult{rows: rows, cachedAt: time.Now()}
	c.mu.Unlock()

	return rows, nil
}

// InvalidateCache drops all cached query results
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cachedResult)
}
