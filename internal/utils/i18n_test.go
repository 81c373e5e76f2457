package utils

import "testing"

func TestT_Fallback(t *testing.T) {
	if got := T("fr", "health.ok"); got != "ok" {
		t.Fatalf("fallback to en failed: %s", got)
	}
	if got := T("zh", "error.not_found"); got != "未找到。" {
		t.Fatalf("zh lookup: %s", got)
	}
	if got := T("en", "error.unknown_code"); got != "error.unknown_code" {
		t.Fatalf("missing key should echo: %s", got)
	}
}

func TestT_EveryKeyTranslated(t *testing.T) {
	for key := range translations["en"] {
		for _, loc := range SupportedLocales {
			if _, ok := translations[loc][key]; !ok {
				t.Errorf("%s missing %q", loc, key)
			}
		}
	}
}
