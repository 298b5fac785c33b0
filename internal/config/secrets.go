package config

import "regexp"

// dsnPassword matches the password part of a postgres URL.
var dsnPassword = regexp.MustCompile(`(://[^:/@]+:)[^@]+@`)

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	if out.Postgres.DSN != "" {
		out.Postgres.DSN = dsnPassword.ReplaceAllString(out.Postgres.DSN, "${1}"+redacted+"@")
	}
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKeyHash)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Instruments = append([]InstrumentConfig(nil), cfg.Instruments...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
