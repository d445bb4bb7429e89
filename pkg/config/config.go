// Package config holds the per-process configuration for the two kinds of
// SDDMS process (§6 "Configuration"): a site (local executor) and the
// controller. Both follow the teacher's cmd/server/main.go shape — a
// DefaultConfig()/Default() constructor, flag-parsed overrides in main,
// and a Validate() method — enriched with PyotSawe-namyohDB's
// internal/config.LoadFromEnv layering, applied before flags so an
// explicit flag always wins over an environment variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DeadlockPolicyName is the string form of locking.DeadlockPolicy used in
// configuration, kept independent of pkg/locking to avoid a config->locking
// import for what is just two string constants.
type DeadlockPolicyName string

const (
	AbortRequesterPolicy DeadlockPolicyName = "abort_requester"
	PeriodicVictimPolicy DeadlockPolicyName = "periodic_victim"
)

// SiteConfig configures one executor process.
type SiteConfig struct {
	Host            string
	Port            int
	ControllerURL   string
	DataPath        string
	LockWaitTimeout time.Duration
	MetricsPath     string
}

// DefaultSiteConfig returns the baseline site configuration, mirroring the
// teacher's server.DefaultConfig().
func DefaultSiteConfig() *SiteConfig {
	return &SiteConfig{
		Host:            "localhost",
		Port:            9100,
		ControllerURL:   "http://localhost:9000",
		DataPath:        "./data/site.db",
		LockWaitTimeout: 30 * time.Second,
		MetricsPath:     "/_metrics",
	}
}

// LoadSiteConfigFromEnv layers SDDMS_SITE_* environment variables on top of
// DefaultSiteConfig, the same override shape as LoadFromEnv in the rest of
// the pack.
func LoadSiteConfigFromEnv() *SiteConfig {
	c := DefaultSiteConfig()
	if v := os.Getenv("SDDMS_SITE_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("SDDMS_SITE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("SDDMS_CONTROLLER_URL"); v != "" {
		c.ControllerURL = v
	}
	if v := os.Getenv("SDDMS_SITE_DATA_PATH"); v != "" {
		c.DataPath = v
	}
	if v := os.Getenv("SDDMS_LOCK_WAIT_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.LockWaitTimeout = time.Duration(secs) * time.Second
		}
	}
	return c
}

// Validate checks a SiteConfig is servable.
func (c *SiteConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid site port: %d", c.Port)
	}
	if c.ControllerURL == "" {
		return fmt.Errorf("controller URL must not be empty")
	}
	if c.LockWaitTimeout <= 0 {
		return fmt.Errorf("lock_wait_timeout must be positive, got %s", c.LockWaitTimeout)
	}
	return nil
}

// ControllerConfig configures the singleton concurrency controller.
type ControllerConfig struct {
	Host           string
	Port           int
	DeadlockPolicy DeadlockPolicyName
	SweepInterval  time.Duration
	MetricsPath    string
}

// DefaultControllerConfig returns the baseline controller configuration.
func DefaultControllerConfig() *ControllerConfig {
	return &ControllerConfig{
		Host:           "localhost",
		Port:           9000,
		DeadlockPolicy: AbortRequesterPolicy,
		SweepInterval:  100 * time.Millisecond,
		MetricsPath:    "/_metrics",
	}
}

// LoadControllerConfigFromEnv layers SDDMS_CONTROLLER_* environment
// variables on top of DefaultControllerConfig.
func LoadControllerConfigFromEnv() *ControllerConfig {
	c := DefaultControllerConfig()
	if v := os.Getenv("SDDMS_CONTROLLER_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("SDDMS_CONTROLLER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("SDDMS_DEADLOCK_POLICY"); v != "" {
		c.DeadlockPolicy = DeadlockPolicyName(v)
	}
	return c
}

// Validate checks a ControllerConfig is servable.
func (c *ControllerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid controller port: %d", c.Port)
	}
	switch c.DeadlockPolicy {
	case AbortRequesterPolicy, PeriodicVictimPolicy:
	default:
		return fmt.Errorf("unknown deadlock_policy: %q", c.DeadlockPolicy)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	return nil
}
