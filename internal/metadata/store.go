// Package metadata implements the cluster's meta table: bucket, object,
// multipart-upload, part, and credential records, all encoded as opaque
// byte values by internal/store and addressed here only by partition and
// string key. Nothing in this package parses record contents — that typed
// view, including the wire encoding of each record kind, lives in
// internal/store. Every backend in this package implements kvcluster.Table.
package metadata

import "github.com/s3gwd/s3gw/internal/kvcluster"

// Store is a plain alias for kvcluster.Table: every concrete type in this
// package implements the cluster's meta-table contract.
type Store = kvcluster.Table
