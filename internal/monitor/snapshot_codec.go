package monitor

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Encode serializes the snapshot using this binary layout:
//
//	uint64 meta_vol, data_vol, cluster_traffic
//	uint64 N_buckets, (len-string, uint64)*       // per-bucket query counts
//	uint64 N_traffic, (len-string, uint64)*       // per-key traffic counts
//	uint64 N_api, (len-string api, uint64 ok, uint64 4xx, uint64 5xx)*
//	uint64 request_count
//	uint64 upload_part_time                       // running mean, microseconds
//
// API entries are keyed by the API name string, not by a numeric kind.
// This is the format flushed periodically to the meta table
// ("__monitor_snapshot"); DecodeSnapshot parses it back. The gateway does
// not read the stored snapshot back at startup.
func (s Snapshot) Encode() []byte {
	var buf bytes.Buffer

	var clusterTraffic uint64
	for _, v := range s.Traffic {
		clusterTraffic += v
	}
	writeU64(&buf, 0) // meta_vol: not tracked separately from traffic
	writeU64(&buf, 0) // data_vol: not tracked separately from traffic
	writeU64(&buf, clusterTraffic)

	writeU64(&buf, uint64(len(s.QueryNum)))
	for k, v := range s.QueryNum {
		writeString(&buf, k)
		writeU64(&buf, v)
	}

	writeU64(&buf, uint64(len(s.Traffic)))
	for k, v := range s.Traffic {
		writeString(&buf, k)
		writeU64(&buf, v)
	}

	writeU64(&buf, uint64(len(s.APIStats)))
	for _, a := range s.APIStats {
		writeString(&buf, a.API)
		writeU64(&buf, a.OK)
		writeU64(&buf, a.C4x)
		writeU64(&buf, a.C5x)
	}

	writeU64(&buf, s.RequestCount)
	writeU64(&buf, uint64(s.UploadPartMeanUs))

	return buf.Bytes()
}

// DecodeSnapshot parses a buffer produced by Snapshot.Encode.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	r := bytes.NewReader(data)
	var snap Snapshot
	snap.QueryNum = make(map[string]uint64)
	snap.Traffic = make(map[string]uint64)

	if _, err := readU64(r); err != nil { // meta_vol
		return snap, fmt.Errorf("reading meta_vol: %w", err)
	}
	if _, err := readU64(r); err != nil { // data_vol
		return snap, fmt.Errorf("reading data_vol: %w", err)
	}
	if _, err := readU64(r); err != nil { // cluster_traffic
		return snap, fmt.Errorf("reading cluster_traffic: %w", err)
	}

	nBuckets, err := readU64(r)
	if err != nil {
		return snap, fmt.Errorf("reading N_buckets: %w", err)
	}
	for i := uint64(0); i < nBuckets; i++ {
		k, err := readString(r)
		if err != nil {
			return snap, fmt.Errorf("reading query_num key %d: %w", i, err)
		}
		v, err := readU64(r)
		if err != nil {
			return snap, fmt.Errorf("reading query_num value %d: %w", i, err)
		}
		snap.QueryNum[k] = v
	}

	nTraffic, err := readU64(r)
	if err != nil {
		return snap, fmt.Errorf("reading N_traffic: %w", err)
	}
	for i := uint64(0); i < nTraffic; i++ {
		k, err := readString(r)
		if err != nil {
			return snap, fmt.Errorf("reading traffic key %d: %w", i, err)
		}
		v, err := readU64(r)
		if err != nil {
			return snap, fmt.Errorf("reading traffic value %d: %w", i, err)
		}
		snap.Traffic[k] = v
	}

	nAPI, err := readU64(r)
	if err != nil {
		return snap, fmt.Errorf("reading N_api: %w", err)
	}
	for i := uint64(0); i < nAPI; i++ {
		api, err := readString(r)
		if err != nil {
			return snap, fmt.Errorf("reading api name %d: %w", i, err)
		}
		ok, err := readU64(r)
		if err != nil {
			return snap, fmt.Errorf("reading api ok count %d: %w", i, err)
		}
		c4x, err := readU64(r)
		if err != nil {
			return snap, fmt.Errorf("reading api 4xx count %d: %w", i, err)
		}
		c5x, err := readU64(r)
		if err != nil {
			return snap, fmt.Errorf("reading api 5xx count %d: %w", i, err)
		}
		snap.APIStats = append(snap.APIStats, APIStat{API: api, OK: ok, C4x: c4x, C5x: c5x})
	}

	requestCount, err := readU64(r)
	if err != nil {
		return snap, fmt.Errorf("reading request_count: %w", err)
	}
	snap.RequestCount = requestCount

	uploadPartTime, err := readU64(r)
	if err != nil {
		return snap, fmt.Errorf("reading upload_part_time: %w", err)
	}
	snap.UploadPartMeanUs = int64(uploadPartTime)

	return snap, nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func writeString(buf *bytes.Buffer, s string) {
	writeU64(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readU64(r *bytes.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readString(r *bytes.Reader) (string, error) {
	length, err := readU64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := r.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
