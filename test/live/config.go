//go:build live
// +build live

package live

import (
	"os"
	"strconv"
	"time"
)

// TestConfig caps what a live run may spend on the real marketplace.
// Every knob comes from the environment so CI secrets stay out of code.
type TestConfig struct {
	// Marketplace credentials. The suite is skipped when APIKey is empty.
	APIKey string
	APIURL string // override for staging endpoints, empty means production

	// Safety limits enforced by the watchdog
	MaxSpendUSD  float64
	MaxRuntime   time.Duration
	MaxPriceHour float64 // ceiling for any offer the suite will rent

	// Optional SSH identity for probing rented hosts. Probing is skipped
	// when the key file is absent.
	SSHUser    string
	SSHKeyFile string

	// Image rented instances boot with
	Image string
}

// LoadTestConfig reads the live-test configuration from the environment
func LoadTestConfig() *TestConfig {
	return &TestConfig{
		APIKey:       os.Getenv("TENSORGRID_API_KEY"),
		APIURL:       os.Getenv("TENSORGRID_API_URL"),
		MaxSpendUSD:  envFloat("LIVE_MAX_SPEND_USD", 1.00),
		MaxRuntime:   time.Duration(envFloat("LIVE_MAX_RUNTIME_MIN", 20)) * time.Minute,
		MaxPriceHour: envFloat("LIVE_MAX_PRICE_HOUR", 0.15),
		SSHUser:      envOrDefault("LIVE_SSH_USER", "root"),
		SSHKeyFile:   os.Getenv("LIVE_SSH_KEY_FILE"),
		Image:        envOrDefault("LIVE_TEST_IMAGE", "ubuntu:22.04"),
	}
}

// Enabled reports whether the suite has credentials to run at all
func (c *TestConfig) Enabled() bool {
	return c.APIKey != ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
