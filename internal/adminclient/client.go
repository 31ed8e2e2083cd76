package adminclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/rudder-reconciler/internal/model"
	"github.com/rudderlabs/rudder-reconciler/utils/httputil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Mode is the write mode of an endpoint.
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeRestricted Mode = "restricted"
)

const (
	routeJobs     = "/v1/jobs"
	routeChecksum = "/v1/checksum"
	routeTypes    = "/v1/types"
	routeMode     = "/v1/mode"
)

// Client talks to one administrative endpoint over HTTP.
type Client struct {
	name    string
	baseURL string

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     logger.Logger
	stats      stats.Stats
}

// New creates a client for the endpoint at baseURL. name identifies the endpoint in logs,
// metrics and errors (e.g. "source" or "destination").
func New(name, baseURL string, conf *config.Config, log logger.Logger, s stats.Stats) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if conf.IsSet("Reconciler.httpClient.transport.maxIdleConns") {
		transport.MaxIdleConns = conf.GetInt("Reconciler.httpClient.transport.maxIdleConns", 100)
	}
	if conf.IsSet("Reconciler.httpClient.transport.idleConnTimeout") {
		transport.IdleConnTimeout = conf.GetDurationVar(90, time.Second, "Reconciler.httpClient.transport.idleConnTimeout")
	}

	consecutiveFailures := conf.GetIntVar(5, 1, "Reconciler.httpClient.breaker.consecutiveFailures")
	c := &Client{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   conf.GetDurationVar(30, time.Second, "Reconciler.httpClient.timeout"),
			Transport: transport,
		},
		logger: log.Child(name),
		stats:  s,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     conf.GetDurationVar(10, time.Second, "Reconciler.httpClient.breaker.openTimeout"),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return consecutiveFailures > 0 && counts.ConsecutiveFailures >= uint32(consecutiveFailures)
		},
		// only transient failures say anything about the endpoint's health
		IsSuccessful: func(err error) bool {
			return err == nil || !model.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warnn("Endpoint circuit breaker changed state",
				logger.NewStringField("from", from.String()),
				logger.NewStringField("to", to.String()),
			)
		},
	})
	return c
}

func (c *Client) Name() string {
	return c.name
}

// Submit submits an administrative request as an asynchronous job.
func (c *Client) Submit(ctx context.Context, req model.Request) (model.Handle, error) {
	var h model.Handle
	if err := c.do(ctx, http.MethodPost, routeJobs, nil, req, &h); err != nil {
		return model.Handle{}, err
	}
	return h, nil
}

// Poll returns the current state of a job. Polls bypass the circuit breaker: the caller bounds
// poll retries per job, and one job's failing polls must not fail the polls of another.
func (c *Client) Poll(ctx context.Context, jobID string) (model.Handle, error) {
	var h model.Handle
	if err := c.roundTrip(ctx, http.MethodGet, routeJobs+"/"+url.PathEscape(jobID), nil, nil, &h); err != nil {
		return model.Handle{}, err
	}
	return h, nil
}

type checksumResponse struct {
	Checksum *string `json:"checksum"`
}

// Checksum computes the checksum of a range synchronously. A nil checksum means the endpoint
// holds no rows in the range. Endpoints without direct checksum support return
// model.ErrUnsupported.
func (c *Client) Checksum(ctx context.Context, t model.MigrationType, r model.IDRange, salt model.Salt) (*string, error) {
	var res checksumResponse
	if err := c.do(ctx, http.MethodPost, routeChecksum, nil, model.NewChecksumRequest(t, r, salt), &res); err != nil {
		return nil, err
	}
	return res.Checksum, nil
}

type typesResponse struct {
	Types []model.MigrationType `json:"types"`
}

// Types returns the migration types the endpoint supports.
func (c *Client) Types(ctx context.Context) ([]model.MigrationType, error) {
	var res typesResponse
	if err := c.do(ctx, http.MethodGet, routeTypes, nil, nil, &res); err != nil {
		return nil, err
	}
	return res.Types, nil
}

// Bounds returns the id bounds and row count of a type, or nil if the endpoint has no rows of it.
func (c *Client) Bounds(ctx context.Context, t model.MigrationType) (*model.Bounds, error) {
	var b model.Bounds
	err := c.do(ctx, http.MethodGet, routeTypes+"/"+url.PathEscape(string(t))+"/bounds", nil, nil, &b)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

type idsResponse struct {
	IDs []int64 `json:"ids"`
}

// IDs lists the ids of a type stored by the endpoint within the range.
func (c *Client) IDs(ctx context.Context, t model.MigrationType, r model.IDRange) ([]int64, error) {
	query := url.Values{}
	query.Set("minId", strconv.FormatInt(r.Min, 10))
	query.Set("maxId", strconv.FormatInt(r.Max, 10))
	var res idsResponse
	if err := c.do(ctx, http.MethodGet, routeTypes+"/"+url.PathEscape(string(t))+"/ids", query, nil, &res); err != nil {
		return nil, err
	}
	return res.IDs, nil
}

type modeRequest struct {
	Mode Mode `json:"mode"`
}

// SetMode switches the endpoint's write mode.
func (c *Client) SetMode(ctx context.Context, mode Mode) error {
	return c.do(ctx, http.MethodPut, routeMode, nil, modeRequest{Mode: mode}, nil)
}

func (c *Client) do(ctx context.Context, method, route string, query url.Values, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, route, query, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return model.Transient(fmt.Errorf("%s %s on %s: %w", method, route, c.name, err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, route string, query url.Values, body, out any) error {
	u := c.baseURL + route
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling %s request body: %w", route, err)
		}
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("constructing HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s on %s: %w", method, route, c.name, ctx.Err())
		}
		return model.Transient(fmt.Errorf("%s %s on %s: %w", method, route, c.name, err))
	}
	defer func() { httputil.CloseResponse(resp) }()

	tags := stats.Tags{
		"endpoint": c.name,
		"method":   method,
		"route":    routeTag(route),
		"status":   strconv.Itoa(resp.StatusCode),
	}
	c.stats.NewTaggedStat("reconciler_admin_request_latency", stats.TimerType, tags).Since(start)
	c.stats.NewTaggedStat("reconciler_admin_request", stats.CountType, tags).Increment()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Transient(fmt.Errorf("reading %s response from %s: %w", route, c.name, err))
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s %s on %s: %w", method, route, c.name, model.ErrNotFound)
	case code == http.StatusNotImplemented:
		return fmt.Errorf("%s %s on %s: %w", method, route, c.name, model.ErrUnsupported)
	case code < 200 || code >= 300:
		statusErr := &httputil.StatusError{Method: method, URL: u, StatusCode: code, Body: string(respBody)}
		if statusErr.Retriable() {
			return model.Transient(statusErr)
		}
		return statusErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshalling %s response from %s: %w", route, c.name, err)
	}
	return nil
}

// routeTag keeps the metric cardinality bounded by dropping path parameters.
func routeTag(route string) string {
	switch {
	case strings.HasPrefix(route, routeJobs+"/"):
		return routeJobs + "/:id"
	case strings.HasPrefix(route, routeTypes+"/"):
		return routeTypes + "/:type/" + route[strings.LastIndex(route, "/")+1:]
	default:
		return route
	}
}
