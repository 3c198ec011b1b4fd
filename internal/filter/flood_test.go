package filter

import (
	"testing"

	"github.com/groupguard/groupguard/internal/rules"
)

func TestHasCharFlood(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{name: "empty", text: "", want: false},
		{name: "normal text", text: "hello world", want: false},
		{name: "four repeats below threshold", text: "loool", want: false},
		{name: "five repeats", text: "loooool", want: true},
		{name: "repeated punctuation", text: "wow!!!!!", want: true},
		{name: "repeats split by other chars", text: "ababababab", want: false},
		{name: "unicode repeats", text: "哈哈哈哈哈", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasCharFlood(tt.text); got != tt.want {
				t.Errorf("hasCharFlood(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestHasWordFlood(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{name: "empty", text: "", want: false},
		{name: "normal sentence", text: "come buy stuff today", want: false},
		{name: "two repeats", text: "buy buy stuff", want: false},
		{name: "three repeats", text: "buy buy buy", want: true},
		{name: "repeats not consecutive", text: "buy now buy now buy", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasWordFlood(tt.text); got != tt.want {
				t.Errorf("hasWordFlood(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestMatchFloodDetection(t *testing.T) {
	rs := rules.Defaults()
	rs.FloodDetection = true

	res := Match(rs, "SPAM SPAM SPAM aaaaargh")
	if !res.Matched {
		t.Fatal("flood not matched")
	}
	want := []string{LabelCharFlood, LabelWordFlood}
	if len(res.Patterns) != len(want) {
		t.Fatalf("patterns = %v, want %v", res.Patterns, want)
	}
	for i := range want {
		if res.Patterns[i] != want[i] {
			t.Fatalf("patterns = %v, want %v", res.Patterns, want)
		}
	}
}

func TestMatchFloodDisabledByDefault(t *testing.T) {
	res := Match(rules.Defaults(), "SPAM SPAM SPAM aaaaargh")
	if res.Matched {
		t.Fatalf("flood matched with detection off: %+v", res)
	}
}

// Word flooding hidden behind case and leet variants collapses under
// normalization.
func TestMatchFloodNormalized(t *testing.T) {
	rs := rules.Defaults()
	rs.FloodDetection = true

	res := Match(rs, "fr33 FR33 free")
	if !res.Matched {
		t.Fatal("obfuscated word flood not matched")
	}
}
