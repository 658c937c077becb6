package protocol

import "testing"

func TestProfileHasSevenCharacteristics(t *testing.T) {
	chars := Characteristics()
	if len(chars) != 7 {
		t.Fatalf("got %d characteristics, want 7", len(chars))
	}
	seen := make(map[string]bool)
	for i, c := range chars {
		if c.ID != CharID(i) {
			t.Errorf("chars[%d].ID = %v, want %v", i, c.ID, CharID(i))
		}
		if seen[c.UUID] {
			t.Errorf("duplicate UUID %s", c.UUID)
		}
		seen[c.UUID] = true
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, ok := Lookup(CharID(42)); ok {
		t.Error("Lookup(42) should fail")
	}
	if got := CharID(42).String(); got != "CharID(42)" {
		t.Errorf("String() = %q", got)
	}
}

func TestStateStrings(t *testing.T) {
	scanner := map[ScannerState]string{
		ScannerIdle: "Idle", ScannerScanning: "Scanning", ScannerScanned: "Scanned", ScannerError: "Error",
	}
	for s, want := range scanner {
		if s.String() != want {
			t.Errorf("ScannerState(%d).String() = %q, want %q", s, s.String(), want)
		}
		if !s.Valid() {
			t.Errorf("ScannerState(%d) should be valid", s)
		}
	}
	config := map[ConfigState]string{
		ConfigIdle: "Idle", ConfigConnecting: "Connecting", ConfigJoined: "Joined", ConfigError: "Error",
	}
	for s, want := range config {
		if s.String() != want {
			t.Errorf("ConfigState(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
	if ScannerState(4).Valid() || ConfigState(9).Valid() {
		t.Error("out of range states should not be valid")
	}
}

func TestSourceStateChar(t *testing.T) {
	if SourceScanner.StateChar() != CharScannerState {
		t.Error("scanner source should map to the scanner state characteristic")
	}
	if SourceConfig.StateChar() != CharConfigState {
		t.Error("config source should map to the config state characteristic")
	}
}

func TestDecodeState(t *testing.T) {
	if _, err := DecodeState(nil); err == nil {
		t.Error("DecodeState(nil) should fail")
	}
	v, err := DecodeState([]byte{2, 0})
	if err != nil || v != 2 {
		t.Errorf("DecodeState() = %d, %v; want 2, nil", v, err)
	}
}
