package config

const redacted = "***"

// RedactedConfig returns a copy of cfg safe to log: secrets are masked and
// slices are copied so the original cannot be mutated through it.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Exits.Policies = append([]ExitPolicyConfig(nil), cfg.Exits.Policies...)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
