package config

import "testing"

func TestDefaultSiteConfigIsValid(t *testing.T) {
	if err := DefaultSiteConfig().Validate(); err != nil {
		t.Fatalf("default site config should validate, got %v", err)
	}
}

func TestDefaultControllerConfigIsValid(t *testing.T) {
	if err := DefaultControllerConfig().Validate(); err != nil {
		t.Fatalf("default controller config should validate, got %v", err)
	}
}

func TestSiteConfigRejectsBadPort(t *testing.T) {
	c := DefaultSiteConfig()
	c.Port = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for port 0")
	}
}

func TestControllerConfigRejectsUnknownDeadlockPolicy(t *testing.T) {
	c := DefaultControllerConfig()
	c.DeadlockPolicy = "not-a-real-policy"
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an unknown deadlock policy")
	}
}

func TestLoadSiteConfigFromEnv(t *testing.T) {
	t.Setenv("SDDMS_SITE_HOST", "0.0.0.0")
	t.Setenv("SDDMS_SITE_PORT", "9200")
	t.Setenv("SDDMS_CONTROLLER_URL", "http://controller.internal:9000")

	c := LoadSiteConfigFromEnv()
	if c.Host != "0.0.0.0" || c.Port != 9200 || c.ControllerURL != "http://controller.internal:9000" {
		t.Fatalf("env overrides not applied: %+v", c)
	}
}

func TestLoadControllerConfigFromEnv(t *testing.T) {
	t.Setenv("SDDMS_CONTROLLER_PORT", "9500")
	t.Setenv("SDDMS_DEADLOCK_POLICY", string(PeriodicVictimPolicy))

	c := LoadControllerConfigFromEnv()
	if c.Port != 9500 || c.DeadlockPolicy != PeriodicVictimPolicy {
		t.Fatalf("env overrides not applied: %+v", c)
	}
}
