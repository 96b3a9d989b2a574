package config

import "testing"

func TestHasValidAPI(t *testing.T) {
	cfg := defaults()
	if cfg.HasValidAPI() {
		t.Error("no api_key set, HasValidAPI should be false")
	}
	cfg.APIKey = "k"
	if !cfg.HasValidAPI() {
		t.Error("api_key and base_url set, HasValidAPI should be true")
	}
	cfg.BaseURL = "  "
	if cfg.HasValidAPI() {
		t.Error("blank base_url, HasValidAPI should be false")
	}
}
