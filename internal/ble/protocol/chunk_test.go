// internal/ble/protocol/chunk_test.go
package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// fakeDevice serves records through a select and a result endpoint and
// records every operation in order.
type fakeDevice struct {
	records  [][]byte
	selected int
	ops      []string
	failRead int // result read index that fails, -1 for none
}

type selectEndpoint struct{ d *fakeDevice }

func (e selectEndpoint) Read(context.Context) ([]byte, error) {
	e.d.ops = append(e.d.ops, "read select")
	return []byte{byte(len(e.d.records))}, nil
}

func (e selectEndpoint) Write(_ context.Context, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("select write length %d", len(data))
	}
	if int(data[0]) >= len(e.d.records) {
		return fmt.Errorf("index %d out of range", data[0])
	}
	e.d.ops = append(e.d.ops, fmt.Sprintf("write select %d", data[0]))
	e.d.selected = int(data[0])
	return nil
}

type resultEndpoint struct{ d *fakeDevice }

func (e resultEndpoint) Read(context.Context) ([]byte, error) {
	e.d.ops = append(e.d.ops, fmt.Sprintf("read result %d", e.d.selected))
	if e.d.selected == e.d.failRead {
		return nil, errors.New("link lost")
	}
	return e.d.records[e.d.selected], nil
}

func (e resultEndpoint) Write(context.Context, []byte) error {
	return errors.New("result is read-only")
}

func newFakeDevice(records ...string) *fakeDevice {
	d := &fakeDevice{failRead: -1}
	for _, r := range records {
		d.records = append(d.records, []byte(r))
	}
	return d
}

func TestReadChunksScenario(t *testing.T) {
	d := newFakeDevice(`[{"ssid":"Home","rssi":-40},`, `{"ssid":"Office","rssi":-70}]`)

	payload, err := ReadChunks(context.Background(), selectEndpoint{d}, resultEndpoint{d})
	if err != nil {
		t.Fatalf("ReadChunks() error = %v", err)
	}
	want := `[{"ssid":"Home","rssi":-40},{"ssid":"Office","rssi":-70}]`
	if string(payload) != want {
		t.Errorf("payload = %q, want %q", payload, want)
	}

	wantOps := []string{"read select", "write select 0", "read result 0", "write select 1", "read result 1"}
	if strings.Join(d.ops, "|") != strings.Join(wantOps, "|") {
		t.Errorf("ops = %v, want %v", d.ops, wantOps)
	}
}

func TestReadChunksZeroRecords(t *testing.T) {
	d := newFakeDevice()
	payload, err := ReadChunks(context.Background(), selectEndpoint{d}, resultEndpoint{d})
	if err != nil {
		t.Fatalf("ReadChunks() error = %v", err)
	}
	if len(payload) != 0 {
		t.Errorf("payload = %q, want empty", payload)
	}
	if len(d.ops) != 1 {
		t.Errorf("ops = %v, want only the count read", d.ops)
	}
}

func TestReadChunksRoundTripAllCounts(t *testing.T) {
	for _, n := range []int{0, 1, 2, 17, 128, 254, 255} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			var want strings.Builder
			records := make([]string, n)
			for i := range records {
				records[i] = fmt.Sprintf("frag-%03d-é;", i)
				want.WriteString(records[i])
			}
			d := newFakeDevice(records...)

			payload, err := ReadChunks(context.Background(), selectEndpoint{d}, resultEndpoint{d})
			if err != nil {
				t.Fatalf("ReadChunks() error = %v", err)
			}
			if string(payload) != want.String() {
				t.Errorf("reassembled payload differs for n=%d", n)
			}
			// one count read plus a select/result pair per record
			if len(d.ops) != 1+2*n {
				t.Errorf("got %d ops, want %d", len(d.ops), 1+2*n)
			}
		})
	}
}

func TestReadChunksResultError(t *testing.T) {
	d := newFakeDevice("a", "b", "c")
	d.failRead = 1

	_, err := ReadChunks(context.Background(), selectEndpoint{d}, resultEndpoint{d})
	if err == nil {
		t.Fatal("ReadChunks() should fail when a result read fails")
	}
	if !strings.Contains(err.Error(), "record 1") {
		t.Errorf("error = %v, want mention of record 1", err)
	}
	if got := d.ops[len(d.ops)-1]; got != "read result 1" {
		t.Errorf("last op = %q, want no further requests after the failure", got)
	}
}

func TestSplitRecords(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 250)
	records := SplitRecords(payload, RecordSize)
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if len(records[2]) != 50 {
		t.Errorf("last record len = %d, want 50", len(records[2]))
	}
	if !bytes.Equal(bytes.Join(records, nil), payload) {
		t.Error("joined records differ from payload")
	}
}

func TestSplitRecordsEmpty(t *testing.T) {
	if got := SplitRecords(nil, RecordSize); got != nil {
		t.Errorf("SplitRecords(nil) = %v, want nil", got)
	}
}
