package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/target"
)

// TraceLevelNames are the levels the backend accepts for CUCM service traces.
var TraceLevelNames = []string{"basic", "detailed", "verbose"}

// TraceRequest addresses CUCM nodes for a trace level read or change.
type TraceRequest struct {
	Hosts       []string
	Port        int
	Credentials target.Credentials
	// Services limits the call to these services; empty means the
	// backend's default set.
	Services       []string
	ConnectTimeout time.Duration
}

// ServiceTrace is the current trace level of one service on one node.
type ServiceTrace struct {
	Service string `json:"service"`
	Level   string `json:"level"`
}

// NodeTrace is the per-node outcome of a trace level call. Services holds
// the levels read, Updated the services a set call changed.
type NodeTrace struct {
	Host     string         `json:"host"`
	Success  bool           `json:"success"`
	Services []ServiceTrace `json:"services,omitempty"`
	Updated  []string       `json:"updated,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// TraceReport is the backend's answer to a trace level read or change.
type TraceReport struct {
	Level     string      `json:"level,omitempty"`
	Nodes     []NodeTrace `json:"nodes"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	At        time.Time   `json:"at"`
	Message   string      `json:"message,omitempty"`
}

// ValidTraceLevel reports whether level is one SetTraceLevel accepts.
func ValidTraceLevel(level string) bool {
	for _, l := range TraceLevelNames {
		if l == level {
			return true
		}
	}
	return false
}

// TraceLevels reads the current service trace levels on CUCM nodes.
func (c *HTTPClient) TraceLevels(ctx context.Context, req TraceRequest) (*TraceReport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.Long)
	defer cancel()
	body, err := c.do(ctx, http.MethodPost, "/trace-level/get", traceBody(req, ""))
	if err != nil {
		return nil, err
	}
	return decodeTraceReport("/trace-level/get", body)
}

// SetTraceLevel changes the trace level of CUCM services. Debug traces
// stay on until set back to basic.
func (c *HTTPClient) SetTraceLevel(ctx context.Context, req TraceRequest, level string) (*TraceReport, error) {
	if !ValidTraceLevel(level) {
		return nil, fmt.Errorf("invalid trace level %q; must be one of %s", level, strings.Join(TraceLevelNames, ", "))
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.Long)
	defer cancel()
	body, err := c.do(ctx, http.MethodPost, "/trace-level/set", traceBody(req, level))
	if err != nil {
		return nil, err
	}
	rep, err := decodeTraceReport("/trace-level/set", body)
	if err != nil {
		return nil, err
	}
	if rep.Level == "" {
		rep.Level = level
	}
	c.Logger.Verbose("trace level %s applied on %d of %d node(s)", level, rep.Succeeded, len(rep.Nodes))
	return rep, nil
}

func traceBody(req TraceRequest, level string) map[string]interface{} {
	port := req.Port
	if port == 0 {
		port = 22
	}
	body := map[string]interface{}{
		"hosts":    req.Hosts,
		"port":     port,
		"username": req.Credentials.Username,
		"password": req.Credentials.Password,
	}
	if level != "" {
		body["level"] = level
	}
	if len(req.Services) > 0 {
		body["services"] = req.Services
	}
	if req.ConnectTimeout > 0 {
		body["connect_timeout_sec"] = int(req.ConnectTimeout / time.Second)
	}
	return body
}

func decodeTraceReport(path string, body []byte) (*TraceReport, error) {
	if !gjson.ValidBytes(body) {
		return nil, &DecodeError{Path: path, Reason: "invalid JSON"}
	}
	root := gjson.ParseBytes(body)
	results := root.Get("results")
	if !results.IsArray() {
		return nil, &DecodeError{Path: path, Reason: "no results"}
	}
	rep := &TraceReport{
		Level:   root.Get("level").String(),
		Message: root.Get("message").String(),
		At:      timeOrZero(parseTime(firstResult(root, "completed_at", "checked_at"))),
	}
	for _, r := range results.Array() {
		n := NodeTrace{
			Host:    r.Get("host").String(),
			Success: r.Get("success").Bool(),
			Error:   r.Get("error").String(),
		}
		for _, s := range r.Get("services").Array() {
			n.Services = append(n.Services, ServiceTrace{
				Service: firstString(s, "service_name", "service"),
				Level:   firstString(s, "current_level", "level"),
			})
		}
		for _, s := range r.Get("services_updated").Array() {
			n.Updated = append(n.Updated, s.String())
		}
		if n.Success {
			rep.Succeeded++
		} else {
			rep.Failed++
		}
		rep.Nodes = append(rep.Nodes, n)
	}
	return rep, nil
}

// JobSummary is one entry of the CUCM job list.
type JobSummary struct {
	ID        string           `json:"id"`
	Status    operation.Status `json:"status"`
	Profile   string           `json:"profile"`
	CreatedAt time.Time        `json:"created_at"`
	NodeCount int              `json:"node_count"`
}

// JobPage is one page of the CUCM job list.
type JobPage struct {
	Jobs     []JobSummary `json:"jobs"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

// Pages is the number of pages the list spans.
func (p *JobPage) Pages() int {
	if p.PageSize <= 0 {
		return 1
	}
	return max(1, (p.Total+p.PageSize-1)/p.PageSize)
}

// NodeJob is the state of a CUCM job on one node.
type NodeJob struct {
	Node        string           `json:"node"`
	Status      operation.Status `json:"status"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	Artifacts   int              `json:"artifacts"`
}

// JobDetail is the full record of one CUCM job.
type JobDetail struct {
	JobSummary
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Percent     float64    `json:"percent_complete"`
	Nodes       []NodeJob  `json:"nodes"`
}

// ListJobs returns one page of the backend's CUCM jobs, newest first.
func (c *HTTPClient) ListJobs(ctx context.Context, page, pageSize int) (*JobPage, error) {
	page = max(page, 1)
	if pageSize <= 0 {
		pageSize = 20
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.Request)
	defer cancel()
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("page_size", fmt.Sprint(pageSize))
	body, err := c.do(ctx, http.MethodGet, "/jobs?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, &DecodeError{Path: "/jobs", Reason: "invalid JSON"}
	}
	root := gjson.ParseBytes(body)
	out := &JobPage{
		Total:    int(root.Get("total").Int()),
		Page:     int(firstInt(root, "page")),
		PageSize: int(firstInt(root, "page_size")),
	}
	if out.Page == 0 {
		out.Page = page
	}
	if out.PageSize == 0 {
		out.PageSize = pageSize
	}
	for _, j := range root.Get("jobs").Array() {
		out.Jobs = append(out.Jobs, decodeJobSummary(j))
	}
	return out, nil
}

// Job returns the detail of one CUCM job.
func (c *HTTPClient) Job(ctx context.Context, id string) (*JobDetail, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUnknownRef)
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.Request)
	defer cancel()
	path := "/jobs/" + url.PathEscape(id)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, &DecodeError{Path: path, Reason: "invalid JSON"}
	}
	root := gjson.ParseBytes(body)
	d := &JobDetail{
		JobSummary:  decodeJobSummary(root),
		StartedAt:   parseTime(root.Get("started_at")),
		CompletedAt: parseTime(root.Get("completed_at")),
		Percent:     root.Get("percent_complete").Float(),
	}
	for _, n := range root.Get("nodes").Array() {
		d.Nodes = append(d.Nodes, NodeJob{
			Node:        n.Get("node").String(),
			Status:      operation.ParseStatus(n.Get("status").String()),
			StartedAt:   parseTime(n.Get("started_at")),
			CompletedAt: parseTime(n.Get("completed_at")),
			Error:       n.Get("error").String(),
			Artifacts:   int(n.Get("artifacts_count").Int()),
		})
	}
	if d.NodeCount == 0 {
		d.NodeCount = max(int(root.Get("total_nodes").Int()), len(d.Nodes))
	}
	return d, nil
}

func decodeJobSummary(j gjson.Result) JobSummary {
	return JobSummary{
		ID:        firstString(j, "job_id", "id"),
		Status:    operation.ParseStatus(j.Get("status").String()),
		Profile:   j.Get("profile").String(),
		CreatedAt: timeOrZero(parseTime(j.Get("created_at"))),
		NodeCount: int(j.Get("node_count").Int()),
	}
}
