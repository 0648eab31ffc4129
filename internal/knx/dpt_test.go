package knx

import (
	"bytes"
	"testing"

	"github.com/vapourismo/knx-go/knx/dpt"
)

func TestEncodeBooleanFamily(t *testing.T) {
	for _, tc := range []struct {
		value string
		want  dpt.DPT_1001
	}{
		{"true", true},
		{"1", true},
		{"on", true},
		{"false", false},
		{"off", false},
	} {
		got, err := encodeValue("1.001", tc.value)
		if err != nil {
			t.Errorf("encodeValue(1.001, %q): %v", tc.value, err)
			continue
		}
		if !bytes.Equal(got, tc.want.Pack()) {
			t.Errorf("encodeValue(1.001, %q) = %v, want %v", tc.value, got, tc.want.Pack())
		}
	}

	// Any 1.x subtype is encoded as a switch bit.
	got, err := encodeValue("1.002", "true")
	if err != nil {
		t.Fatalf("encodeValue(1.002): %v", err)
	}
	if !bytes.Equal(got, dpt.DPT_1001(true).Pack()) {
		t.Errorf("1.x family encoding mismatch: %v", got)
	}
}

func TestEncodeNumericTypes(t *testing.T) {
	for _, tc := range []struct {
		valueType string
		value     string
		want      []byte
	}{
		{"5.001", "42.5", dpt.DPT_5001(42.5).Pack()},
		{"9.001", "21.5", dpt.DPT_9001(21.5).Pack()},
		{"12.001", "12345", dpt.DPT_12001(12345).Pack()},
		{"13.001", "-12345", dpt.DPT_13001(-12345).Pack()},
	} {
		got, err := encodeValue(tc.valueType, tc.value)
		if err != nil {
			t.Errorf("encodeValue(%s, %q): %v", tc.valueType, tc.value, err)
			continue
		}
		if !bytes.Equal(got, tc.want) {
			t.Errorf("encodeValue(%s, %q) = %v, want %v", tc.valueType, tc.value, got, tc.want)
		}
	}
}

func TestEncodeErrors(t *testing.T) {
	if _, err := encodeValue("1.001", "maybe"); err == nil {
		t.Error("expected error for non-boolean 1.001 value")
	}
	if _, err := encodeValue("9.001", "warm"); err == nil {
		t.Error("expected error for non-numeric 9.001 value")
	}
	if _, err := encodeValue("20.102", "1"); err == nil {
		t.Error("expected error for unsupported datapoint type")
	}
}
