package common

const (
	// 64KiB is plenty for a record plus a bucket of entries
	MaxMessageSize = 1024 * 64

	// This is the decompressed size
	MaxMessageContentSize = 1024 * 256
)
