package phone

import (
	"errors"
	"testing"
)

func TestNormalize_Table(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"+15551234567", "+15551234567", nil},
		{"  +1 (555) 123-4567 ", "+15551234567", nil},
		{"+44 20 7946 0958", "+442079460958", nil},
		{"5551234568", "+15551234568", nil},
		{"(555) 123-4568", "+15551234568", nil},
		{"15551234568", "+15551234568", nil},
		{"1-555-123-4568", "+15551234568", nil},
		{"123", "", ErrInvalidFormat},
		{"", "", ErrInvalidFormat},
		{"25551234568", "", ErrInvalidFormat},
		{"555123456789", "", ErrInvalidFormat},
		{"+123", "", ErrInvalidInternationalFormat},
		{"+1555123456789012", "", ErrInvalidInternationalFormat},
		{"+1555abc4567", "", ErrInvalidInternationalFormat},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Normalize(%q) err = %v; want %v", tc.in, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Normalize(%q) unexpected err: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"5551234567", "+1 555 123 4567", "15551234567", "+442079460958", "(555)123-4567"}
	for _, in := range inputs {
		first, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		second, err := Normalize(first)
		if err != nil {
			t.Fatalf("re-normalize %q: %v", first, err)
		}
		if first != second {
			t.Fatalf("not a fixed point: %q -> %q -> %q", in, first, second)
		}
	}
}

func TestNew_CustomCountry(t *testing.T) {
	n := New("+44")
	got, err := n.Normalize("2079460958")
	if err != nil || got != "+442079460958" {
		t.Fatalf("got %q, %v", got, err)
	}
	if New("").CountryCode != DefaultCountryCode {
		t.Fatalf("empty code should fall back to default")
	}
}

func TestLooksLikePhone(t *testing.T) {
	yes := []string{"+15551234567", "555-123-4567", "(555) 123 4567", "5551234"}
	no := []string{"Jane", "jane@example.com", "2024-01-05x", "12", "name"}
	for _, v := range yes {
		if !LooksLikePhone(v) {
			t.Fatalf("LooksLikePhone(%q) = false", v)
		}
	}
	for _, v := range no {
		if LooksLikePhone(v) {
			t.Fatalf("LooksLikePhone(%q) = true", v)
		}
	}
}

func TestCountryCodeOf(t *testing.T) {
	if got := CountryCodeOf("+15551234567", []string{"1", "44"}); got != "1" {
		t.Fatalf("got %q", got)
	}
	if got := CountryCodeOf("+442079460958", []string{"1"}); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestMask(t *testing.T) {
	if got := Mask("+15551234567"); got != "********4567" {
		t.Fatalf("Mask = %q", got)
	}
	if got := Mask("12"); got != "****" {
		t.Fatalf("Mask short = %q", got)
	}
}
