package observability

// Config controls OpenTelemetry export.
type Config struct {
	// Exporter is "none", "stdout" or "otlp".
	Exporter string

	// Endpoint is the OTLP collector address.
	Endpoint string

	ServiceName string

	// SampleRate is the fraction of root traces kept, 0.0 to 1.0.
	SampleRate float64

	MetricsEnabled bool
	TracesEnabled  bool
}

// NewConfig returns the default configuration: nothing is exported.
func NewConfig() *Config {
	return &Config{
		Exporter:    "none",
		Endpoint:    "localhost:4317",
		ServiceName: "pljs",
		SampleRate:  0.1,
	}
}

// ShouldEnable reports whether any exporter is configured.
func (c *Config) ShouldEnable() bool {
	return c.Exporter != "none"
}
