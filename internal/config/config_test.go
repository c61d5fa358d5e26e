package config

import "testing"

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
	fn()
}

func TestLoadRequiresAPIKey(t *testing.T) {
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when MODEL_API_KEY is unset")
	}
}

func TestLoadDefaults(t *testing.T) {
	withEnv(t, map[string]string{"MODEL_API_KEY": "key"}, func() {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MaxDepth != 1 {
			t.Errorf("MaxDepth = %d, want 1", cfg.MaxDepth)
		}
		if cfg.MaxIterations != 20 {
			t.Errorf("MaxIterations = %d, want 20", cfg.MaxIterations)
		}
		if cfg.Concurrency != 5 {
			t.Errorf("Concurrency = %d, want 5", cfg.Concurrency)
		}
		if cfg.WorkerPoolSize != 3 {
			t.Errorf("WorkerPoolSize = %d, want 3", cfg.WorkerPoolSize)
		}
		if cfg.ExecuteTransport != "inprocess" {
			t.Errorf("ExecuteTransport = %q, want inprocess", cfg.ExecuteTransport)
		}
	})
}

func TestLoadSubModelLists(t *testing.T) {
	withEnv(t, map[string]string{
		"MODEL_API_KEY":       "key",
		"MODEL_SUB_LIST":      "a, b ,c",
		"MODEL_SUB_BASE_URLS": "http://a, http://b",
	}, func() {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(cfg.ModelSubList) != 3 || cfg.ModelSubList[1] != "b" {
			t.Errorf("ModelSubList = %v", cfg.ModelSubList)
		}
		if len(cfg.ModelSubBaseURLs) != 2 {
			t.Errorf("ModelSubBaseURLs = %v", cfg.ModelSubBaseURLs)
		}
	})
}

func TestLoadRejectsInvalidMaxDepth(t *testing.T) {
	withEnv(t, map[string]string{"MODEL_API_KEY": "key", "MAX_DEPTH": "0"}, func() {
		if _, err := Load(); err == nil {
			t.Fatal("expected error for MAX_DEPTH=0")
		}
	})
}

func TestLoadRejectsNonIntegerEnv(t *testing.T) {
	withEnv(t, map[string]string{"MODEL_API_KEY": "key", "MAX_DEPTH": "not-a-number"}, func() {
		if _, err := Load(); err == nil {
			t.Fatal("expected error for non-integer MAX_DEPTH")
		}
	})
}
