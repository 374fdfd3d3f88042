package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// SaveNameList persists an ordered set of names under scope using the
// layout from §12: uint64 count || (uint64 len || bytes)*, little-endian.
func (s *Store) SaveNameList(ctx context.Context, scope string, names []string) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(names))); err != nil {
		return newErr(KindIOError, "SaveNameList", err)
	}
	for _, name := range names {
		if err := binary.Write(&buf, binary.LittleEndian, uint64(len(name))); err != nil {
			return newErr(KindIOError, "SaveNameList", err)
		}
		buf.WriteString(name)
	}
	if err := s.metaSet(ctx, namelistKey(scope), buf.Bytes()); err != nil {
		return newErr(KindIOError, "SaveNameList", err)
	}
	return nil
}

// GetNameList loads the ordered name set persisted for scope. A missing
// namelist is not an error: it decodes to an empty list, since a scope with
// no prior activity has never been saved.
func (s *Store) GetNameList(ctx context.Context, scope string) ([]string, error) {
	data, err := s.metaGet(ctx, namelistKey(scope))
	if err == kvcluster.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, newErr(KindIOError, "GetNameList", err)
	}
	return decodeNameList(data)
}

func decodeNameList(data []byte) ([]string, error) {
	r := bytes.NewReader(data)
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, newErr(KindIOError, "GetNameList", err)
	}
	names := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		var length uint64
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, newErr(KindIOError, "GetNameList", err)
		}
		buf := make([]byte, length)
		if _, err := r.Read(buf); err != nil {
			return nil, newErr(KindIOError, "GetNameList", fmt.Errorf("reading name %d of %d: %w", i, count, err))
		}
		names = append(names, string(buf))
	}
	return names, nil
}
