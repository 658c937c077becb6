// internal/ble/protocol/chunk.go
package protocol

import (
	"context"
	"fmt"
)

// RecordSize is the fragment size the firmware uses when it splits the scan
// payload into indexed records.
const RecordSize = 100

// MaxRecords is the largest record count the select characteristic can
// report (single-byte index).
const MaxRecords = 255

// Endpoint is one characteristic of an established session. Implementations
// resolve the underlying handle per call; callers must not cache it.
type Endpoint interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// ReadChunks pulls the scan result set from the device. It reads the record
// count N from sel, then for i in 0..N-1 writes i to sel and reads the
// matching fragment from result. Each select write completes before its
// result read is issued. The returned payload is the concatenation of all
// fragments.
func ReadChunks(ctx context.Context, sel, result Endpoint) ([]byte, error) {
	countValue, err := sel.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("protocol: read record count: %w", err)
	}
	if len(countValue) == 0 {
		return nil, fmt.Errorf("protocol: empty record count")
	}
	n := int(countValue[0])

	var payload []byte
	for i := 0; i < n; i++ {
		if err := sel.Write(ctx, []byte{byte(i)}); err != nil {
			return nil, fmt.Errorf("protocol: select record %d: %w", i, err)
		}
		part, err := result.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("protocol: read record %d: %w", i, err)
		}
		payload = append(payload, part...)
	}
	return payload, nil
}

// SplitRecords splits payload into fixed-size records the way the firmware
// does. The last record may be shorter. Returns nil for an empty payload.
func SplitRecords(payload []byte, size int) [][]byte {
	if len(payload) == 0 || size <= 0 {
		return nil
	}
	records := make([][]byte, 0, (len(payload)+size-1)/size)
	for len(payload) > 0 {
		n := size
		if len(payload) < n {
			n = len(payload)
		}
		rec := make([]byte, n)
		copy(rec, payload[:n])
		records = append(records, rec)
		payload = payload[n:]
	}
	return records
}
