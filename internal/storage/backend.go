// Package storage implements the cluster's data table: raw chunk bytes,
// addressed by partition number and string key, with no knowledge of
// buckets, objects, or multipart uploads. That typed view is built on top,
// in internal/store. Every backend here implements kvcluster.Table.
package storage

import "github.com/s3gwd/s3gw/internal/kvcluster"

// Backend is the data-table contract every implementation in this package
// satisfies. It is a plain alias for kvcluster.Table so call sites can keep
// saying storage.Backend without a second interface definition drifting out
// of sync with the cluster contract.
type Backend = kvcluster.Table
