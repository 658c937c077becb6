package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// AccessPoint is one entry of a scan result set.
type AccessPoint struct {
	SSID    string `json:"ssid"`
	RSSI    int    `json:"rssi"`
	MAC     string `json:"mac,omitempty"`
	Channel string `json:"ch,omitempty"`
}

// MalformedPayloadError reports a reassembled scan payload that is not a
// JSON array of access point objects.
type MalformedPayloadError struct {
	Payload string
	Err     error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("protocol: malformed scan payload (%d bytes): %v", len(e.Payload), e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// rawAccessPoint mirrors the firmware's record, which encodes every field as
// a string. Numbers are accepted as well.
type rawAccessPoint struct {
	SSID    any `json:"ssid"`
	RSSI    any `json:"rssi"`
	MAC     any `json:"mac"`
	Channel any `json:"ch"`
}

// DecodePayload turns the reassembled fragments into text. Invalid UTF-8
// sequences are replaced rather than rejected.
func DecodePayload(payload []byte) string {
	return strings.ToValidUTF8(string(payload), "�")
}

// ParseAccessPoints parses the reassembled scan payload. An empty payload
// means the device reported zero records and yields no access points.
func ParseAccessPoints(payload []byte) ([]AccessPoint, error) {
	text := DecodePayload(payload)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var raw []rawAccessPoint
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, &MalformedPayloadError{Payload: text, Err: err}
	}

	aps := make([]AccessPoint, 0, len(raw))
	for i, r := range raw {
		ssid, err := cast.ToStringE(r.SSID)
		if err != nil {
			return nil, &MalformedPayloadError{Payload: text, Err: fmt.Errorf("record %d: ssid: %w", i, err)}
		}
		if r.RSSI == nil {
			return nil, &MalformedPayloadError{Payload: text, Err: fmt.Errorf("record %d: missing rssi", i)}
		}
		rssi, err := cast.ToFloat64E(r.RSSI)
		if err != nil || math.IsNaN(rssi) || math.IsInf(rssi, 0) {
			if err == nil {
				err = fmt.Errorf("not a finite number: %v", r.RSSI)
			}
			return nil, &MalformedPayloadError{Payload: text, Err: fmt.Errorf("record %d: rssi: %w", i, err)}
		}
		ap := AccessPoint{SSID: ssid, RSSI: int(math.Round(rssi))}
		if r.MAC != nil {
			ap.MAC = cast.ToString(r.MAC)
		}
		if r.Channel != nil {
			ap.Channel = cast.ToString(r.Channel)
		}
		aps = append(aps, ap)
	}
	return aps, nil
}

// SortBySignal orders aps by descending RSSI in place. Entries with equal
// RSSI keep their scan order.
func SortBySignal(aps []AccessPoint) {
	sort.SliceStable(aps, func(i, j int) bool {
		return aps[i].RSSI > aps[j].RSSI
	})
}

// MarshalAccessPoints encodes aps in the firmware's wire format (all fields
// as strings). Used by the simulated peripheral.
func MarshalAccessPoints(aps []AccessPoint) ([]byte, error) {
	type wire struct {
		SSID    string `json:"ssid"`
		RSSI    string `json:"rssi"`
		MAC     string `json:"mac"`
		Channel string `json:"ch"`
	}
	out := make([]wire, len(aps))
	for i, ap := range aps {
		out[i] = wire{SSID: ap.SSID, RSSI: cast.ToString(ap.RSSI), MAC: ap.MAC, Channel: ap.Channel}
	}
	return json.Marshal(out)
}
