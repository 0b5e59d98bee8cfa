package instrumentation

import (
	"os"
	"strconv"
)

// Config holds the instrumentation configuration.
type Config struct {
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// ServiceInstanceID identifies this instance; defaults to the
	// hostname (the pod name under Kubernetes).
	ServiceInstanceID string

	// Enabled turns metrics collection on. When false every recorder is
	// a no-op.
	Enabled bool
}

// ConfigFromEnv builds a Config from the environment.
func ConfigFromEnv(serviceName, version string) Config {
	cfg := Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        true,
	}
	if v := os.Getenv("INSTRUMENTATION_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Enabled = enabled
		}
	}
	if v := os.Getenv("SERVICE_INSTANCE_ID"); v != "" {
		cfg.ServiceInstanceID = v
	} else if hostname, err := os.Hostname(); err == nil {
		cfg.ServiceInstanceID = hostname
	}
	return cfg
}
