package transport

import (
	"testing"

	"github.com/kenneth/secure-git-relay/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/kenneth/secure-git-relay/internal/metrics"
)

// TestHardwareAccelerationIntegration exercises the same path main.go does at
// startup: detect CPU support, resolve against config, and publish the
// result as a metrics gauge.
func TestHardwareAccelerationIntegration(t *testing.T) {
	cfg := config.HardwareConfig{EnableAESNI: true, EnableARMv8AES: true}

	info := HardwareInfo(cfg)
	assert.Contains(t, info, "aes_hardware_support")
	assert.Contains(t, info, "architecture")
	assert.Contains(t, info, "hardware_acceleration_active")

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	active := info["hardware_acceleration_active"].(bool)
	m.SetHardwareAccelerationStatus("aes-ni", active)

	expected := 0.0
	if active {
		expected = 1.0
	}
	val := testutil.ToFloat64(m.GetHardwareAccelerationEnabledMetric().WithLabelValues("aes-ni"))
	assert.Equal(t, expected, val)
}

// TestHardwareAccelerationConfigDisable verifies that disabling acceleration
// in config overrides CPU support for the architectures that respect it.
func TestHardwareAccelerationConfigDisable(t *testing.T) {
	cfg := config.HardwareConfig{EnableAESNI: false, EnableARMv8AES: false}

	if !HasAESHardwareSupport() {
		t.Skip("no AES hardware support on this runner")
	}
	assert.False(t, IsHardwareAccelerationEnabled(cfg))
}
