package backend

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tturner/ucops/internal/operation"
	"github.com/tturner/ucops/internal/target"
)

// Status bodies differ by route: captures nest under "capture", log
// collections under "collection", CUCM jobs are flat with per-node detail.
// Fields are looked up on the nested object first, then on the root.
var nestedKeys = []string{"capture", "collection", "job"}

type fields struct {
	root   gjson.Result
	nested gjson.Result
}

func (f fields) get(keys ...string) gjson.Result {
	for _, k := range keys {
		if f.nested.Exists() {
			if v := f.nested.Get(k); v.Exists() && v.Type != gjson.Null {
				return v
			}
		}
		if v := f.root.Get(k); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func decodeStatus(route, path string, body []byte) (operation.Snapshot, error) {
	if !gjson.ValidBytes(body) {
		return operation.Snapshot{}, &DecodeError{Path: path, Reason: "invalid JSON"}
	}
	f := fields{root: gjson.ParseBytes(body)}
	for _, k := range nestedKeys {
		if v := f.root.Get(k); v.IsObject() {
			f.nested = v
			break
		}
	}

	raw := f.get("status")
	if !raw.Exists() {
		return operation.Snapshot{}, &DecodeError{Path: path, Reason: "no status field"}
	}

	snap := operation.Snapshot{
		Status: operation.ParseStatus(raw.String()),
		Error:  f.get("error").String(),
	}

	if v := f.get("percent_complete", "progress"); v.Exists() {
		p := v.Float()
		snap.Progress = &p
	} else if total := f.get("total_nodes").Int(); total > 0 {
		p := float64(f.get("completed_nodes").Int()) / float64(total) * 100
		snap.Progress = &p
	}

	snap.StartedAt = parseTime(f.get("started_at"))
	snap.CompletedAt = parseTime(f.get("completed_at"))

	if v := f.get("elapsed_sec"); v.Exists() {
		d := time.Duration(v.Float() * float64(time.Second))
		snap.Elapsed = &d
	}
	if v := f.get("remaining_sec"); v.Exists() {
		d := time.Duration(v.Float() * float64(time.Second))
		snap.Remaining = &d
	}

	snap.ArtifactsCount = artifactsCount(route, f)

	if v := f.get("download_available"); v.Exists() {
		snap.DownloadReady = v.Bool()
	} else {
		snap.DownloadReady = inferReady(snap)
	}
	return snap, nil
}

func artifactsCount(route string, f fields) *int {
	if v := f.get("artifacts_count", "file_count"); v.Exists() {
		n := int(v.Int())
		return &n
	}
	if nodes := f.root.Get("nodes.#.artifacts_count"); nodes.IsArray() && len(nodes.Array()) > 0 {
		n := 0
		for _, c := range nodes.Array() {
			n += int(c.Int())
		}
		return &n
	}
	if files := f.get("files"); files.IsArray() {
		n := len(files.Array())
		return &n
	}
	if route == RouteCaptures {
		if size := f.get("file_size_bytes"); size.Exists() {
			n := 0
			if size.Int() > 0 {
				n = 1
			}
			return &n
		}
	}
	return nil
}

// inferReady covers backends that omit download_available: a successful
// operation with at least one artifact is downloadable.
func inferReady(snap operation.Snapshot) bool {
	if !snap.Status.IsTerminal() {
		return false
	}
	switch snap.Status.Outcome() {
	case operation.OutcomeSuccess, operation.OutcomePartial:
	default:
		return false
	}
	return snap.ArtifactsCount != nil && *snap.ArtifactsCount > 0
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTime(v gjson.Result) *time.Time {
	s := strings.TrimSpace(v.String())
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func decodeArtifacts(route string, body []byte) []Artifact {
	root := gjson.ParseBytes(body)
	var list gjson.Result
	switch {
	case root.IsArray():
		list = root
	case root.Get("artifacts").IsArray():
		list = root.Get("artifacts")
	default:
		f := fields{root: root}
		for _, k := range nestedKeys {
			if v := root.Get(k); v.IsObject() {
				f.nested = v
				break
			}
		}
		if files := f.get("files"); files.IsArray() {
			list = files
		} else if route == RouteCaptures && f.get("filename").Exists() {
			return []Artifact{{
				Filename:  f.get("filename").String(),
				SizeBytes: f.get("file_size_bytes").Int(),
				CreatedAt: timeOrZero(parseTime(f.get("completed_at"))),
			}}
		}
	}

	var out []Artifact
	for _, a := range list.Array() {
		out = append(out, Artifact{
			Node:      firstString(a, "node", "nodeHostname"),
			Filename:  firstString(a, "filename", "name"),
			SizeBytes: firstInt(a, "size_bytes", "size"),
			CreatedAt: timeOrZero(parseTime(firstResult(a, "created_at", "collected_at", "collectedAt"))),
		})
	}
	return out
}

func decodeNodes(body []byte) []target.Node {
	var out []target.Node
	for _, n := range gjson.GetBytes(body, "nodes").Array() {
		out = append(out, target.Node{
			IP:      n.Get("ip").String(),
			FQDN:    n.Get("fqdn").String(),
			Host:    n.Get("host").String(),
			Role:    n.Get("role").String(),
			Product: n.Get("product").String(),
		})
	}
	return out
}

func decodeProfiles(body []byte, deviceKey string) []Profile {
	root := gjson.ParseBytes(body)
	list := root.Get("profiles")
	if deviceKey != "" {
		if v := root.Get(deviceKey); v.IsArray() {
			list = v
		} else if v := root.Get("profiles." + deviceKey); v.IsArray() {
			list = v
		}
	}
	var out []Profile
	for _, p := range list.Array() {
		if dt := p.Get("device_type").String(); deviceKey != "" && dt != "" && dt != deviceKey {
			continue
		}
		prof := Profile{
			ID:          firstString(p, "id", "name"),
			Name:        firstString(p, "name", "id"),
			Description: p.Get("description").String(),
		}
		for _, lt := range firstResult(p, "logTypes", "log_types").Array() {
			prof.LogTypes = append(prof.LogTypes, lt.String())
		}
		out = append(out, prof)
	}
	return out
}

// decodeHealth returns the verdict and per-device error of a health
// response for a single device.
func decodeHealth(body []byte) (operation.HealthVerdict, string) {
	root := gjson.ParseBytes(body)
	dev := root.Get("devices.0")
	verdict := firstString(dev, "overall_status", "status")
	if verdict == "" {
		verdict = firstString(root, "overall_status", "cluster_status", "status")
	}
	return operation.ParseHealthVerdict(verdict), dev.Get("error").String()
}

func parse(body []byte) gjson.Result {
	return gjson.ParseBytes(body)
}

func firstResult(v gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func firstString(v gjson.Result, keys ...string) string {
	return firstResult(v, keys...).String()
}

func firstInt(v gjson.Result, keys ...string) int64 {
	return firstResult(v, keys...).Int()
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
