package cluster

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EntryDBContentID is the content id of the coordinator's own entry database.
const EntryDBContentID = -1

// SegmentInfo identifies one worker process.
type SegmentInfo struct {
	DBID       int    `json:"dbid" yaml:"dbid"`
	ContentID  int    `json:"content_id" yaml:"content_id"`
	Addr       string `json:"addr" yaml:"addr"`               // dispatch protocol host:port
	HealthAddr string `json:"health_addr" yaml:"health_addr"` // http base URL or host:port
}

// IsEntryDB reports whether the segment is the coordinator-local entry database.
// The fault detector never tracks it.
func (s SegmentInfo) IsEntryDB() bool {
	return s.ContentID < 0
}

// Name is the label used in logs and error messages.
func (s SegmentInfo) Name() string {
	if s.IsEntryDB() {
		return fmt.Sprintf("entry db (dbid=%d)", s.DBID)
	}
	return fmt.Sprintf("seg%d (dbid=%d)", s.ContentID, s.DBID)
}

// RegisterRequest is sent by a segment worker when it starts.
type RegisterRequest struct {
	Segment SegmentInfo `json:"segment"`
}

// HealthResponse is served on a segment's /health endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	DBID       int    `json:"dbid"`
	InRecovery bool   `json:"in_recovery"`
}

// Topology is the static list of segments read from a YAML file.
type Topology struct {
	Segments []SegmentInfo `yaml:"segments"`
}

// LoadTopology decodes a topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read topology %s", path)
	}
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrapf(err, "decode topology %s", path)
	}
	seen := make(map[int]bool, len(t.Segments))
	for _, s := range t.Segments {
		if seen[s.DBID] {
			return nil, errors.Errorf("duplicate dbid %d in topology", s.DBID)
		}
		seen[s.DBID] = true
	}
	return &t, nil
}

// Registry holds the segments currently known to the coordinator.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	segments map[int]SegmentInfo
}

// NewRegistry returns a registry seeded with segs.
func NewRegistry(segs ...SegmentInfo) *Registry {
	r := &Registry{segments: make(map[int]SegmentInfo, len(segs))}
	for _, s := range segs {
		r.segments[s.DBID] = s
	}
	return r
}

// Upsert adds or replaces a segment by dbid.
func (r *Registry) Upsert(s SegmentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments[s.DBID] = s
}

// Segments returns all segments ordered by content id, then dbid.
func (r *Registry) Segments() []SegmentInfo {
	r.mu.RLock()
	out := make([]SegmentInfo, 0, len(r.segments))
	for _, s := range r.segments {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ContentID != out[j].ContentID {
			return out[i].ContentID < out[j].ContentID
		}
		return out[i].DBID < out[j].DBID
	})
	return out
}

// Primaries returns the non-entry segments, one per content id.
func (r *Registry) Primaries() []SegmentInfo {
	all := r.Segments()
	out := all[:0]
	last := EntryDBContentID
	for _, s := range all {
		if s.IsEntryDB() || s.ContentID == last {
			continue
		}
		last = s.ContentID
		out = append(out, s)
	}
	return out
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := sonic.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out)
}
