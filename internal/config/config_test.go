package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultStudyMatchesTIPIKeying(t *testing.T) {
	st := DefaultStudy()
	if len(st.Questionnaire.Items) != 10 {
		t.Fatalf("expected 10 TIPI items, got %d", len(st.Questionnaire.Items))
	}
	reverse := map[string]bool{}
	for _, it := range st.Questionnaire.Items {
		if it.Reverse {
			reverse[it.ID] = true
		}
	}
	for _, id := range []string{"tipi_2", "tipi_6", "tipi_8", "tipi_9", "tipi_10"} {
		if !reverse[id] {
			t.Fatalf("%s should be reverse scored", id)
		}
	}
	if len(reverse) != 5 {
		t.Fatalf("unexpected reverse set %v", reverse)
	}
	if st.MessagesRequired != 6 || st.Scale.Min != 1 || st.Scale.Max != 7 {
		t.Fatalf("unexpected defaults: %+v", st)
	}
	if len(st.Personas) != 2 || len(st.Topics) != 2 {
		t.Fatalf("expected two personas and two topics")
	}
	p, ok := st.Persona("high_match")
	if !ok {
		t.Fatalf("high_match persona missing")
	}
	if got := p.Instructions("Cats"); !strings.Contains(got, "debate on: Cats") || strings.Contains(got, "{topic}") {
		t.Fatalf("topic not substituted: %q", got[:80])
	}
}

func TestLoadDefaultsValidate(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Provider.Model != "gpt-4o" {
		t.Fatalf("unexpected defaults: %+v", cfg.Server)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "study.yaml")
	body := `
server:
  addr: ":9090"
provider:
  stream_timeout: 45s
study:
  messages_required: 4
  outlier:
    dimensions: [extraversion]
    threshold: 3
    mode: any
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HOMOPHILY_MODEL", "gpt-4o-mini")
	t.Setenv("HOMOPHILY_MESSAGES_REQUIRED", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr=%q", cfg.Server.Addr)
	}
	if cfg.Provider.StreamTimeout.Duration != 45*time.Second {
		t.Fatalf("stream timeout=%v", cfg.Provider.StreamTimeout)
	}
	if cfg.Provider.Model != "gpt-4o-mini" {
		t.Fatalf("model=%q", cfg.Provider.Model)
	}
	if cfg.Study.MessagesRequired != 8 {
		t.Fatalf("messages_required=%d", cfg.Study.MessagesRequired)
	}
	if cfg.Study.Outlier.Mode != OutlierModeAny || cfg.Study.Outlier.Threshold != 3 {
		t.Fatalf("outlier=%+v", cfg.Study.Outlier)
	}
	// untouched sections keep the embedded study
	if len(cfg.Study.Personas) != 2 {
		t.Fatalf("personas lost: %d", len(cfg.Study.Personas))
	}
}

func TestValidateRejectsBrokenStudy(t *testing.T) {
	cfg := Default()
	cfg.Study.Questionnaire.Dimensions[0].Items = []string{"tipi_99"}
	cfg.Study.Outlier.Mode = "sometimes"
	cfg.Study.Rating.Aggregates = append(cfg.Study.Rating.Aggregates, Aggregate{Name: "x", Items: []string{"nope"}})
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"tipi_99", "sometimes", "nope"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("auth:\n  token_ttl: forever\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
