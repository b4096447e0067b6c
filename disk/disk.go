// Package disk provides the backing-store devices the buffer cache reads
// and writes through: a sparse in-memory device, a single-file block
// device with optional O_DIRECT and per-block checksums, and a registry
// mapping device IDs to devices.
package disk

import "errors"

// Device is a synchronous fixed-block backing store. Both calls block for
// the duration of the transfer. Failure semantics are the device's own;
// the cache propagates errors verbatim and never retries.
//
// Implementations must support concurrent calls for distinct block
// numbers. The cache's per-buffer content lock already serializes calls
// for the same block.
type Device interface {
	// ReadBlock fills p with the contents of block blockno. len(p) must
	// equal BlockSize().
	ReadBlock(blockno uint64, p []byte) error

	// WriteBlock stores p as the contents of block blockno. len(p) must
	// equal BlockSize().
	WriteBlock(blockno uint64, p []byte) error

	// BlockSize returns the device's fixed block size in bytes.
	BlockSize() int
}

var (
	// ErrUnknownDevice is returned when an I/O request names a device ID
	// with no registered device.
	ErrUnknownDevice = errors.New("disk: unknown device")

	// ErrDeviceExists is returned by Registry.Attach for an ID already
	// in use.
	ErrDeviceExists = errors.New("disk: device already attached")

	// ErrBlockSize is returned when a transfer buffer does not match the
	// device block size.
	ErrBlockSize = errors.New("disk: buffer does not match block size")

	// ErrCorrupted is returned by a verifying device when a block's
	// checksum does not match what was last written.
	ErrCorrupted = errors.New("disk: block corruption detected")
)
