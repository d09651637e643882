package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		API: APIConfig{
			BaseURL: "http://localhost:5000",
		},
		Hub: HubConfig{
			StopWaitMs:              1000,
			SendRatePerSecond:       2,
			SendBurst:               5,
			HandshakeTimeoutSeconds: 15,
		},
		Journal: JournalConfig{
			Enabled:       true,
			DBPath:        "~/.farmchat/journal.db",
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}
