package symbol

import "testing"

func TestParse_Valid(t *testing.T) {
	tk, err := Parse("ACME-PERP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.Base != "ACME" {
		t.Errorf("base = %s, want ACME", tk.Base)
	}
	if tk.Symbol != "ACME-PERP" {
		t.Errorf("symbol = %s", tk.Symbol)
	}
}

func TestParse_Invalid(t *testing.T) {
	bad := []string{
		"",
		"ACME",
		"acme-PERP",
		"A-PERP",
		"ACME-PERPX",
		"VERYLONGBASESYM-PERP",
		"ACME_PERP",
	}
	for _, ticker := range bad {
		if _, err := Parse(ticker); err == nil {
			t.Errorf("Parse(%q) should fail", ticker)
		}
	}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Acme Robotics", "ACME-PERP"},
		{"Globex", "GLOBEX-PERP"},
		{"Initech Holdings LLC", "INITEC-PERP"},
		{"23andMe", "23ANDM-PERP"},
		{"X Æ", "ORG-PERP"},
		{"", "ORG-PERP"},
	}
	for _, tt := range tests {
		if got := Derive(tt.name); got != tt.want {
			t.Errorf("Derive(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestDerive_RoundTripsThroughParse(t *testing.T) {
	names := []string{"Acme Robotics", "Globex", "Umbrella Corp", "42 Labs"}
	for _, name := range names {
		ticker := Derive(name)
		if _, err := Parse(ticker); err != nil {
			t.Errorf("Derive(%q) = %s does not parse: %v", name, ticker, err)
		}
	}
}
