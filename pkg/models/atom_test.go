package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLevelFanIn(t *testing.T) {
	tests := []struct {
		level    Level
		expected int
	}{
		{LevelBit, 0},
		{LevelByte, 8},
		{LevelKB, 1024},
		{LevelMB, 1024},
		{LevelGB, 1024},
		{LevelTB, 1024},
	}
	for _, tt := range tests {
		if got := tt.level.FanIn(); got != tt.expected {
			t.Errorf("FanIn(%s) = %d, want %d", tt.level, got, tt.expected)
		}
	}
}

func TestLevelChannels(t *testing.T) {
	if got := LevelBit.Channels(); len(got) != 3 {
		t.Fatalf("BIT should have 3 particle channels, got %d", len(got))
	}
	for _, level := range []Level{LevelByte, LevelKB, LevelMB, LevelGB, LevelTB} {
		ch := level.Channels()
		if len(ch) != 1 || ch[0] != ParticleComposite {
			t.Errorf("%s should have the single composite channel, got %v", level, ch)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"BIT", "byte", " KB ", "mb", "GB", "tb"} {
		if _, err := ParseLevel(name); err != nil {
			t.Errorf("ParseLevel(%q) unexpected error: %v", name, err)
		}
	}
	if _, err := ParseLevel("PB"); err == nil {
		t.Error("ParseLevel(PB) should fail")
	}
}

func TestLevelNext(t *testing.T) {
	if LevelBit.Next() != LevelByte {
		t.Error("BIT.Next() should be BYTE")
	}
	if LevelTB.Next() != LevelTB {
		t.Error("TB.Next() should saturate at TB")
	}
}

func TestFrequencyCanonicalJSON(t *testing.T) {
	raw, err := json.Marshal(Round2(12.3456))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `"12.35"` {
		t.Errorf("frequency serialized as %s, want \"12.35\"", raw)
	}

	var back Frequency
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back != Frequency(12.35) {
		t.Errorf("round trip gave %v, want 12.35", back)
	}
}

func TestBounceRate(t *testing.T) {
	rate, finite := Frequency(250).BounceRate()
	if !finite || rate != Frequency(4) {
		t.Errorf("BounceRate(250) = %v finite=%v, want 4.00 true", rate, finite)
	}
	if _, finite := Frequency(0).BounceRate(); finite {
		t.Error("BounceRate(0) should report the sentinel")
	}
	if _, finite := Frequency(-1).BounceRate(); finite {
		t.Error("BounceRate(-1) should report the sentinel")
	}
}

func TestMeanFrequency(t *testing.T) {
	groups := [][]Atom{
		{{Frequency: 100}, {Frequency: 200}},
		{{Frequency: 300}},
	}
	if got := MeanFrequency(groups...); got != Frequency(200) {
		t.Errorf("MeanFrequency = %v, want 200.00", got)
	}
	if got := MeanFrequency(); got != 0 {
		t.Errorf("MeanFrequency of nothing = %v, want 0", got)
	}
	// 1/3 is not representable; the mean must carry the canonical rounding.
	uneven := [][]Atom{{{Frequency: 1}, {Frequency: 1}, {Frequency: 2}}}
	if got := MeanFrequency(uneven...); got != Frequency(1.33) {
		t.Errorf("MeanFrequency uneven = %v, want 1.33", got)
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"access denied", &AccessDeniedError{Reason: ReasonReplay}, ExitInvalidToken},
		{"invalid input", ErrInvalidInput, ExitInputError},
		{"classification", ErrClassification, ExitClassification},
		{"ledger io", ErrLedgerIO, ExitIOError},
		{"insufficient", ErrInsufficientAtoms, ExitInsufficient},
		{"validator", ErrValidatorRejected, ExitValidator},
		{"quarantine", ErrBondQuarantine, ExitIOError},
		{"unknown", errors.New("boom"), ExitInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeFor(tt.err); got != tt.code {
				t.Errorf("ExitCodeFor = %d, want %d", got, tt.code)
			}
		})
	}
}

func TestFaultLineIsSingleLineJSON(t *testing.T) {
	line := FaultLine(errors.New("disk full\nretry"), ExitIOError)
	if strings.Count(line, "\n") != 0 {
		t.Errorf("fault line must be single-line, got %q", line)
	}
	var fault Fault
	if err := json.Unmarshal([]byte(line), &fault); err != nil {
		t.Fatalf("fault line is not valid JSON: %v", err)
	}
	if fault.Status != "error" || fault.Code != ExitIOError {
		t.Errorf("unexpected fault payload: %+v", fault)
	}
}

func TestSigningPayloadBindsSerial(t *testing.T) {
	tok := Token{
		TokenID:             "id",
		TokenClass:          "HQ",
		IssuingSerialNumber: "SER-1",
		Address:             "addr",
		MintedAt:            time.Unix(0, 42),
	}
	a := string(tok.SigningPayload())
	tok.IssuingSerialNumber = "SER-2"
	b := string(tok.SigningPayload())
	if a == b {
		t.Error("signing payload must change when the serial changes")
	}
}
