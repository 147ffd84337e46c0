package models

import (
	"encoding/json"
	"testing"
)

func TestParseUSD(t *testing.T) {
	cases := []struct {
		in      string
		want    USD
		wantErr bool
	}{
		{"3200.00", 320000, false},
		{"$3,200.00", 320000, false},
		{"  $1,234,567.89 ", 123456789, false},
		{"450", 45000, false},
		{"0.99", 99, false},
		{"-12.50", -1250, false},
		{"", 0, true},
		{"$", 0, true},
		{"twelve", 0, true},
	}
	for _, c := range cases {
		got, err := ParseUSD(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseUSD(%q): expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseUSD(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseUSD(%q) = %d cents, want %d", c.in, got, c.want)
		}
	}
}

func TestUSD_String(t *testing.T) {
	cases := map[USD]string{
		320000: "3200.00",
		99:     "0.99",
		100:    "1.00",
		-1250:  "-12.50",
		0:      "0.00",
	}
	for in, want := range cases {
		if got := in.String(); got != want {
			t.Errorf("USD(%d).String() = %q, want %q", in, got, want)
		}
	}
}

func TestUSD_JSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Price USD `json:"price"`
	}

	raw, err := json.Marshal(wrapper{Price: 320000})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// Two-digit decimal number, not a string.
	if string(raw) != `{"price":3200.00}` {
		t.Errorf("marshal = %s", raw)
	}

	var back wrapper
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Price != 320000 {
		t.Errorf("round trip = %d, want 320000", back.Price)
	}

	// Quoted US-format strings are accepted on input.
	if err := json.Unmarshal([]byte(`{"price":"$1,500.25"}`), &back); err != nil {
		t.Fatalf("Unmarshal string form: %v", err)
	}
	if back.Price != 150025 {
		t.Errorf("string form = %d, want 150025", back.Price)
	}
}

func TestUSDFromFloat_Rounding(t *testing.T) {
	if got := USDFromFloat(19.999); got != 2000 {
		t.Errorf("19.999 = %d, want 2000", got)
	}
	if got := USDFromFloat(-19.999); got != -2000 {
		t.Errorf("-19.999 = %d, want -2000", got)
	}
}
