package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tturner/ucops/internal/logging"
	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/target"
)

// Timeouts bound individual backend requests.
type Timeouts struct {
	Request   time.Duration
	Long      time.Duration
	Discovery time.Duration
}

// DefaultTimeouts match how long the backend's synchronous endpoints can
// take: health probes up to four minutes, discovery up to two.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Request:   30 * time.Second,
		Long:      4 * time.Minute,
		Discovery: 2 * time.Minute,
	}
}

// HTTPClient implements Client over the backend REST API.
type HTTPClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeouts   Timeouts
	Logger     *logging.Logger
	// Clock stamps locally tracked health probes.
	Clock clockwork.Clock

	probes *probeTracker
}

// NewHTTPClient returns a client for baseURL. A nil httpClient gets one
// without a global timeout; each call applies its own.
func NewHTTPClient(baseURL, token string, httpClient *http.Client, timeouts Timeouts, logger *logging.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	d := DefaultTimeouts()
	if timeouts.Request <= 0 {
		timeouts.Request = d.Request
	}
	if timeouts.Long <= 0 {
		timeouts.Long = d.Long
	}
	if timeouts.Discovery <= 0 {
		timeouts.Discovery = d.Discovery
	}
	c := &HTTPClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: httpClient,
		Timeouts:   timeouts,
		Logger:     logger,
		Clock:      clockwork.NewRealClock(),
	}
	c.probes = newProbeTracker(func() time.Time { return c.Clock.Now() })
	return c
}

var _ Client = (*HTTPClient)(nil)

// Start submits the operation described by req and returns its reference.
func (c *HTTPClient) Start(ctx context.Context, req Request) (operation.Ref, error) {
	route := RouteFor(req.Kind, req.Target.DeviceType)
	switch route {
	case RouteHealth:
		return c.startProbe(req), nil
	case RouteCaptures:
		return c.create(ctx, route, "/captures", captureBody(req), "capture_id")
	case RouteJobs:
		return c.create(ctx, route, "/jobs", jobBody(req), "job_id")
	default:
		return c.create(ctx, route, "/logs", logBody(req), "collection_id")
	}
}

func (c *HTTPClient) create(ctx context.Context, route, path string, payload interface{}, idKey string) (operation.Ref, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.Request)
	defer cancel()
	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return operation.Ref{}, err
	}
	id := firstString(parse(body), idKey, "id")
	if id == "" {
		return operation.Ref{}, &DecodeError{Path: path, Reason: "response carries no " + idKey}
	}
	c.Logger.Debug("backend created %s/%s", route, id)
	return operation.Ref{ID: id, Route: route}, nil
}

// Status fetches and decodes the current state of ref. The caller bounds
// the request through ctx.
func (c *HTTPClient) Status(ctx context.Context, ref operation.Ref) (operation.Snapshot, error) {
	if ref.Route == RouteHealth {
		return c.probes.status(ref.ID)
	}
	path, err := refPath(ref, "")
	if err != nil {
		return operation.Snapshot{}, err
	}
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return operation.Snapshot{}, err
	}
	return decodeStatus(ref.Route, path, body)
}

// Stop asks the backend to end the operation early. For captures the
// partial file is kept.
func (c *HTTPClient) Stop(ctx context.Context, ref operation.Ref) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.Request)
	defer cancel()
	var err error
	switch ref.Route {
	case RouteHealth:
		return c.probes.cancel(ref.ID)
	case RouteJobs:
		_, err = c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(ref.ID), nil)
	case RouteLogs:
		_, err = c.do(ctx, http.MethodPost, "/logs/"+url.PathEscape(ref.ID)+"/cancel", struct{}{})
	case RouteCaptures:
		_, err = c.do(ctx, http.MethodPost, "/captures/"+url.PathEscape(ref.ID)+"/stop", struct{}{})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRef, ref.Route)
	}
	return err
}

// Artifacts lists the files an operation produced.
func (c *HTTPClient) Artifacts(ctx context.Context, ref operation.Ref) ([]Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.Request)
	defer cancel()
	var path string
	switch ref.Route {
	case RouteJobs:
		path = "/jobs/" + url.PathEscape(ref.ID) + "/artifacts"
	case RouteLogs, RouteCaptures:
		path = "/" + ref.Route + "/" + url.PathEscape(ref.ID)
	default:
		return nil, ErrUnsupported
	}
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeArtifacts(ref.Route, body), nil
}

// FetchBundle streams the downloadable artifact of ref.
func (c *HTTPClient) FetchBundle(ctx context.Context, ref operation.Ref) (*Download, error) {
	path, err := refPath(ref, "/download")
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return &Download{
		Body:     resp.Body,
		Filename: dispositionFilename(resp.Header.Get("Content-Disposition")),
		Size:     resp.ContentLength,
	}, nil
}

// Delete removes the backend record and its stored files.
func (c *HTTPClient) Delete(ctx context.Context, ref operation.Ref) error {
	switch ref.Route {
	case RouteHealth:
		c.probes.forget(ref.ID)
		return nil
	case RouteLogs, RouteCaptures:
	default:
		return ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.Request)
	defer cancel()
	_, err := c.do(ctx, http.MethodDelete, "/"+ref.Route+"/"+url.PathEscape(ref.ID), nil)
	return err
}

// DiscoverNodes asks the CUCM publisher for the cluster membership.
func (c *HTTPClient) DiscoverNodes(ctx context.Context, t target.Target) ([]target.Node, error) {
	if t.DeviceType != target.DeviceCUCM {
		return nil, fmt.Errorf("discovery requires a CUCM publisher, got %s", t.DeviceType.Label())
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.Discovery)
	defer cancel()
	body, err := c.do(ctx, http.MethodPost, "/discover-nodes", map[string]interface{}{
		"publisher_host": t.Host,
		"port":           t.Port,
		"username":       t.Credentials.Username,
		"password":       t.Credentials.Password,
	})
	if err != nil {
		return nil, err
	}
	return decodeNodes(body), nil
}

// Profiles lists log collection profiles for a device type.
func (c *HTTPClient) Profiles(ctx context.Context, dt target.DeviceType) ([]Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.Request)
	defer cancel()
	if dt == target.DeviceCUCM {
		body, err := c.do(ctx, http.MethodGet, "/profiles", nil)
		if err != nil {
			return nil, err
		}
		return decodeProfiles(body, ""), nil
	}
	body, err := c.do(ctx, http.MethodGet, "/logs/profiles", nil)
	if err != nil {
		return nil, err
	}
	return decodeProfiles(body, logDeviceType(dt)), nil
}

// HealthReport returns the raw response of a finished health probe.
func (c *HTTPClient) HealthReport(ref operation.Ref) ([]byte, bool) {
	return c.probes.report(ref.ID)
}

// Close cancels outstanding health probes.
func (c *HTTPClient) Close() {
	c.probes.cancelAll()
}

func refPath(ref operation.Ref, suffix string) (string, error) {
	switch ref.Route {
	case RouteJobs, RouteLogs, RouteCaptures:
	case RouteHealth:
		return "", ErrUnsupported
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRef, ref.Route)
	}
	if ref.ID == "" {
		return "", fmt.Errorf("%w: empty id", ErrUnknownRef)
	}
	return "/" + ref.Route + "/" + url.PathEscape(ref.ID) + suffix, nil
}

// do sends a JSON request and returns the full response body.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	resp, err := c.send(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	return data, nil
}

// send returns the open response for 2xx statuses; the caller closes it.
func (c *HTTPClient) send(ctx context.Context, method, path string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	return resp, nil
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// logDeviceType maps a target to the device type the log endpoints know.
// CSR1000v routers run the same IOS-XE collection as CUBE.
func logDeviceType(dt target.DeviceType) string {
	if dt == target.DeviceCSR1000v {
		return string(target.DeviceCUBE)
	}
	return string(dt)
}

func captureBody(req Request) map[string]interface{} {
	t := req.Target
	body := map[string]interface{}{
		"device_type":  string(t.DeviceType),
		"host":         t.Host,
		"port":         t.Port,
		"username":     t.Credentials.Username,
		"password":     t.Credentials.Password,
		"duration_sec": int(req.Capture.Duration / time.Second),
		"interface":    t.InterfaceName,
	}
	if req.Capture.PacketCount > 0 {
		body["packet_count"] = req.Capture.PacketCount
	}
	if req.Capture.Filename != "" {
		body["filename"] = req.Capture.Filename
	}
	if t.Filter != nil {
		body["filter"] = t.Filter
	}
	return body
}

func jobBody(req Request) map[string]interface{} {
	t := req.Target
	opts := map[string]interface{}{}
	tr := req.Logs.TimeRange
	switch tr.Mode {
	case "range":
		opts["time_mode"] = "range"
		opts["start_time"] = tr.Start.UTC().Format(time.RFC3339)
		opts["end_time"] = tr.End.UTC().Format(time.RFC3339)
	case "relative":
		opts["time_mode"] = "relative"
		opts["reltime_minutes"] = tr.RelativeMinutes
	}
	if req.Logs.DebugLevel != "" {
		opts["debug_level"] = req.Logs.DebugLevel
	}
	body := map[string]interface{}{
		"publisher_host": t.Host,
		"port":           t.Port,
		"username":       t.Credentials.Username,
		"password":       t.Credentials.Password,
		"nodes":          t.EffectiveNodes(),
		"profile":        req.Logs.Profile,
	}
	if len(opts) > 0 {
		body["options"] = opts
	}
	return body
}

func logBody(req Request) map[string]interface{} {
	t := req.Target
	body := map[string]interface{}{
		"device_type":   logDeviceType(t.DeviceType),
		"host":          t.Host,
		"port":          t.Port,
		"username":      t.Credentials.Username,
		"password":      t.Credentials.Password,
		"include_debug": req.Logs.IncludeDebug,
	}
	if req.Logs.Profile != "" {
		body["profile"] = req.Logs.Profile
	}
	if req.Logs.IncludeDebug && req.Logs.Duration > 0 {
		body["duration_sec"] = int(req.Logs.Duration / time.Second)
	}
	return body
}

func healthBody(req Request) map[string]interface{} {
	t := req.Target
	dev := map[string]interface{}{
		"device_type": logDeviceType(t.DeviceType),
		"host":        t.Host,
		"port":        t.Port,
		"username":    t.Credentials.Username,
		"password":    t.Credentials.Password,
	}
	if len(req.Health.Checks) > 0 {
		dev[logDeviceType(t.DeviceType)+"_checks"] = req.Health.Checks
	}
	return map[string]interface{}{"devices": []interface{}{dev}}
}
