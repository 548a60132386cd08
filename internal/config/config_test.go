package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.DedupWindow != 10*time.Second {
		t.Fatalf("dedup window = %s", c.DedupWindow)
	}
	if c.JobDelay != 5*time.Second || c.MaxRetries != 3 {
		t.Fatalf("job delay=%s retries=%d", c.JobDelay, c.MaxRetries)
	}
	if c.IdleTTL != 30*time.Minute || c.SweepEvery != time.Minute {
		t.Fatalf("idle=%s sweep=%s", c.IdleTTL, c.SweepEvery)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("INBOXFLOW_JOB_DELAY", "250ms")
	t.Setenv("INBOXFLOW_EXTRACTOR", "http")
	t.Setenv("INBOXFLOW_EXTRACTOR_URL", "http://localhost:9000/extract")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.JobDelay != 250*time.Millisecond {
		t.Fatalf("job delay = %s", c.JobDelay)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cases := map[string]func(*Config){
		"unknown driver":     func(c *Config) { c.DBDriver = "mysql" },
		"postgres no dsn":    func(c *Config) { c.DBDriver = "postgres" },
		"http no url":        func(c *Config) { c.Extractor = "http" },
		"command no command": func(c *Config) { c.Extractor = "command" },
		"zero window":        func(c *Config) { c.DedupWindow = 0 },
		"zero attempts":      func(c *Config) { c.CreateAttempts = 0 },
		"negative retries":   func(c *Config) { c.MaxRetries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
