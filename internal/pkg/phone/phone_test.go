package phone

import "testing"

func TestFormatGeorgian(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already international", "+995 555 12 34 56", "+995555123456"},
		{"leading zero", "0555123456", "+995555123456"},
		{"nine digits", "555-12-34-56", "+995555123456"},
		{"foreign", "+7 (912) 000-11-22", "+79120001122"},
		{"no digits", "call me", "call me"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatGeorgian(tt.in); got != tt.want {
				t.Fatalf("FormatGeorgian(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
