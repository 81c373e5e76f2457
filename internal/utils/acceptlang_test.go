package utils

import "testing"

func TestDetermineLocale(t *testing.T) {
	sup := []string{"en", "zh"}
	cases := []struct {
		name, query, accept, want string
	}{
		{"query wins", "zh-CN", "en-US,en;q=0.9,zh;q=0.8", "zh"},
		{"header order", "", "en-US,en;q=0.9,zh;q=0.8", "en"},
		{"higher q", "", "zh;q=0.9,en;q=0.8", "zh"},
		{"q zero skipped", "", "zh;q=0,en;q=0.1", "en"},
		{"bad q skipped", "", "zh;q=abc,en;q=0.5", "en"},
		{"default", "", "fr-FR,es;q=0.9", "en"},
		{"unsupported query ignored", "fr", "zh", "zh"},
	}
	for _, c := range cases {
		if got := DetermineLocale(c.query, c.accept, sup, "en"); got != c.want {
			t.Fatalf("%s: want %s, got %s", c.name, c.want, got)
		}
	}
}

func TestDetermineLocale_UnsupportedDefault(t *testing.T) {
	if got := DetermineLocale("", "", []string{"zh", "en"}, "de"); got != "zh" {
		t.Fatalf("want first supported, got %s", got)
	}
}
