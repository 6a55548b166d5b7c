package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentInfoName(t *testing.T) {
	assert.Equal(t, "seg2 (dbid=4)", SegmentInfo{DBID: 4, ContentID: 2}.Name())
	entry := SegmentInfo{DBID: 1, ContentID: EntryDBContentID}
	assert.True(t, entry.IsEntryDB())
	assert.Equal(t, "entry db (dbid=1)", entry.Name())
}

func TestLoadTopology(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	body := `
segments:
  - dbid: 2
    content_id: 0
    addr: 127.0.0.1:6000
    health_addr: http://127.0.0.1:8081
  - dbid: 3
    content_id: 1
    addr: 127.0.0.1:6001
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	topo, err := LoadTopology(path)
	require.NoError(t, err)
	require.Len(t, topo.Segments, 2)
	assert.Equal(t, 3, topo.Segments[1].DBID)
	assert.Equal(t, "127.0.0.1:6001", topo.Segments[1].Addr)
	assert.Equal(t, "http://127.0.0.1:8081", topo.Segments[0].HealthAddr)
}

func TestLoadTopologyDuplicateDBID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	body := "segments:\n  - dbid: 2\n  - dbid: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	_, err := LoadTopology(path)
	assert.Error(t, err)
}

func TestRegistryOrderingAndPrimaries(t *testing.T) {
	r := NewRegistry(
		SegmentInfo{DBID: 5, ContentID: 1},
		SegmentInfo{DBID: 1, ContentID: EntryDBContentID},
		SegmentInfo{DBID: 2, ContentID: 0},
	)
	r.Upsert(SegmentInfo{DBID: 7, ContentID: 1})

	segs := r.Segments()
	require.Len(t, segs, 4)
	assert.Equal(t, []int{1, 2, 5, 7}, []int{segs[0].DBID, segs[1].DBID, segs[2].DBID, segs[3].DBID})

	prim := r.Primaries()
	require.Len(t, prim, 2)
	assert.Equal(t, 2, prim[0].DBID)
	assert.Equal(t, 5, prim[1].DBID)
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req RegisterRequest
		require.NoError(t, sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = sonic.ConfigDefault.NewEncoder(w).Encode(map[string]int{"dbid": req.Segment.DBID})
	}))
	defer srv.Close()

	var out map[string]int
	err := PostJSON(context.Background(), srv.URL, RegisterRequest{Segment: SegmentInfo{DBID: 9}}, &out)
	require.NoError(t, err)
	assert.Equal(t, 9, out["dbid"])

	assert.NoError(t, PostJSON(context.Background(), srv.URL, RegisterRequest{}, nil))
}

func TestGetJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var out HealthResponse
	err := GetJSON(context.Background(), srv.URL, &out)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","dbid":3,"in_recovery":true}`))
	}))
	defer srv.Close()

	var out HealthResponse
	require.NoError(t, GetJSON(context.Background(), srv.URL, &out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, 3, out.DBID)
	assert.True(t, out.InRecovery)
}
