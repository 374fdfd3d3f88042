// Package cluster implements multi-node fan-out for the meta table when
// Cluster.MetaAddrs names more than one node (§7, §9). It replaces what was
// an unimplemented Raft stub in the teacher: the KV cluster is explicitly a
// pre-existing external system (spec.md §2), not something this gateway
// replicates itself, so there is no consensus protocol here — only a
// consistent-hash ring that routes each key to the node responsible for it
// and a small HTTP protocol (kvserver) for forwarding Get/Set/Delete/Scan to
// that node's locally-held table.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// virtualNodes is the number of ring positions hashed per physical address,
// smoothing key distribution across a small node count.
const virtualNodes = 64

// Ring is a consistent-hash ring over a fixed set of node addresses.
type Ring struct {
	addrs  []string
	points []ringPoint
}

type ringPoint struct {
	hash uint32
	addr string
}

// NewRing builds a ring over addrs. addrs must be non-empty.
func NewRing(addrs []string) *Ring {
	r := &Ring{addrs: append([]string(nil), addrs...)}
	for _, addr := range addrs {
		for v := 0; v < virtualNodes; v++ {
			r.points = append(r.points, ringPoint{hash: ringHash(fmt.Sprintf("%s#%d", addr, v)), addr: addr})
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r
}

func ringHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// Owner returns the address responsible for key.
func (r *Ring) Owner(key string) string {
	if len(r.points) == 0 {
		return ""
	}
	h := ringHash(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].addr
}

// Addrs returns the ring's node addresses, in the order given to NewRing.
func (r *Ring) Addrs() []string { return r.addrs }

// RemoteTable is a kvcluster.Table that routes each call by key ownership:
// calls owned by localAddr are served directly from local; every other call
// is forwarded over HTTP to the owning node's kvserver handler.
type RemoteTable struct {
	ring      *Ring
	localAddr string
	local     kvcluster.Table
	client    *http.Client
	tableName string
}

// NewRemoteTable builds a RemoteTable for tableName ("meta" or "data") that
// fans out across the ring, serving localAddr's share of keys from local.
func NewRemoteTable(ring *Ring, localAddr string, local kvcluster.Table, tableName string) *RemoteTable {
	return &RemoteTable{ring: ring, localAddr: localAddr, local: local, client: &http.Client{}, tableName: tableName}
}

type kvRequest struct {
	Table     string `json:"table"`
	Partition int    `json:"partition"`
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
}

type kvResponse struct {
	Value   []byte            `json:"value,omitempty"`
	Found   bool              `json:"found"`
	Error   string            `json:"error,omitempty"`
	Entries map[string][]byte `json:"entries,omitempty"`
}

func (t *RemoteTable) owns(key string) bool {
	return t.ring.Owner(key) == t.localAddr
}

func (t *RemoteTable) Get(ctx context.Context, partition int, key string) ([]byte, error) {
	if t.owns(key) {
		return t.local.Get(ctx, partition, key)
	}
	resp, err := t.call(ctx, t.ring.Owner(key), "get", kvRequest{Table: t.tableName, Partition: partition, Key: key})
	if err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, kvcluster.ErrNotFound
	}
	return resp.Value, nil
}

func (t *RemoteTable) Set(ctx context.Context, partition int, key string, value []byte) error {
	if t.owns(key) {
		return t.local.Set(ctx, partition, key, value)
	}
	_, err := t.call(ctx, t.ring.Owner(key), "set", kvRequest{Table: t.tableName, Partition: partition, Key: key, Value: value})
	return err
}

func (t *RemoteTable) Delete(ctx context.Context, partition int, key string) error {
	if t.owns(key) {
		return t.local.Delete(ctx, partition, key)
	}
	_, err := t.call(ctx, t.ring.Owner(key), "delete", kvRequest{Table: t.tableName, Partition: partition, Key: key})
	return err
}

// Scan fans out to every node in the ring and merges results, since a
// prefix scan has no single key to route by. Each node is scanned with its
// own local partition data only; this is the most expensive operation the
// ring supports and is used sparingly (namelist loads, exports).
func (t *RemoteTable) Scan(ctx context.Context, partition int, prefix string, yield func(key string, value []byte) bool) error {
	for _, addr := range t.ring.Addrs() {
		if addr == t.localAddr {
			stop := false
			err := t.local.Scan(ctx, partition, prefix, func(k string, v []byte) bool {
				if !yield(k, v) {
					stop = true
					return false
				}
				return true
			})
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			continue
		}
		resp, err := t.call(ctx, addr, "scan", kvRequest{Table: t.tableName, Partition: partition, Prefix: prefix})
		if err != nil {
			return err
		}
		for k, v := range resp.Entries {
			if !yield(k, v) {
				return nil
			}
		}
	}
	return nil
}

func (t *RemoteTable) Close() error { return t.local.Close() }

func (t *RemoteTable) call(ctx context.Context, addr, op string, req kvRequest) (*kvResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	u := url.URL{Scheme: "http", Host: addr, Path: "/kv/" + op}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("kvserver %s %s: %w", addr, op, err)
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	var resp kvResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("kvserver %s %s: decoding response: %w", addr, op, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("kvserver %s %s: %s", addr, op, resp.Error)
	}
	return &resp, nil
}

// ServeKV registers the kvserver HTTP protocol on mux, answering Get/Set/
// Delete/Scan requests against meta and data against their local tables.
// This is what cmd/bleepstore binds on Cluster.BindAddr when this node
// participates in the ring.
func ServeKV(mux *http.ServeMux, meta, data kvcluster.Table) {
	tableFor := func(name string) kvcluster.Table {
		if name == "data" {
			return data
		}
		return meta
	}

	writeResp := func(w http.ResponseWriter, resp kvResponse) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}

	handle := func(op string, fn func(ctx context.Context, tbl kvcluster.Table, req kvRequest) kvResponse) {
		mux.HandleFunc("/kv/"+op, func(w http.ResponseWriter, r *http.Request) {
			var req kvRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeResp(w, kvResponse{Error: err.Error()})
				return
			}
			writeResp(w, fn(r.Context(), tableFor(req.Table), req))
		})
	}

	handle("get", func(ctx context.Context, tbl kvcluster.Table, req kvRequest) kvResponse {
		v, err := tbl.Get(ctx, req.Partition, req.Key)
		if err == kvcluster.ErrNotFound {
			return kvResponse{Found: false}
		}
		if err != nil {
			return kvResponse{Error: err.Error()}
		}
		return kvResponse{Found: true, Value: v}
	})

	handle("set", func(ctx context.Context, tbl kvcluster.Table, req kvRequest) kvResponse {
		if err := tbl.Set(ctx, req.Partition, req.Key, req.Value); err != nil {
			return kvResponse{Error: err.Error()}
		}
		return kvResponse{}
	})

	handle("delete", func(ctx context.Context, tbl kvcluster.Table, req kvRequest) kvResponse {
		if err := tbl.Delete(ctx, req.Partition, req.Key); err != nil {
			return kvResponse{Error: err.Error()}
		}
		return kvResponse{}
	})

	handle("scan", func(ctx context.Context, tbl kvcluster.Table, req kvRequest) kvResponse {
		entries := make(map[string][]byte)
		err := tbl.Scan(ctx, req.Partition, req.Prefix, func(k string, v []byte) bool {
			entries[k] = v
			return true
		})
		if err != nil {
			return kvResponse{Error: err.Error()}
		}
		return kvResponse{Entries: entries}
	})
}
