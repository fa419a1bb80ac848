package logger

// Config logger configuration
type Config struct {
	Level        string `json:"level"` // debug, info, warn, error
	JSON         bool   `json:"json"`  // structured output for log shippers
	ReportCaller bool   `json:"report_caller"`
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}
