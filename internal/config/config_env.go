package config

import (
	"fmt"
	"strconv"
	"strings"
)

// applyEnvOverrides layers EDGEGUARD_* variables over the file values.
// NODE_ENV=development is honoured for parity with the dashboard's own
// tooling.
func applyEnvOverrides(cfg *Config, environ []string) error {
	values := envMap(environ)

	if value, ok := values["EDGEGUARD_LISTEN"]; ok {
		cfg.Server.Listen = value
	}
	if value, ok := values["EDGEGUARD_TRUSTED_PROXIES"]; ok {
		cfg.Server.TrustedProxyCIDRs = splitList(value)
	}
	if value, ok := values["NODE_ENV"]; ok && value == "development" {
		cfg.Modes.Development = true
	}
	if value, ok := values["EDGEGUARD_DEVELOPMENT"]; ok {
		parsed, err := parseBoolEnv("EDGEGUARD_DEVELOPMENT", value)
		if err != nil {
			return err
		}
		cfg.Modes.Development = parsed
	}
	if value, ok := values["EDGEGUARD_ALLOWED_ORIGINS"]; ok {
		cfg.CORS.AllowedOrigins = splitList(value)
	}
	if value, ok := values["EDGEGUARD_CONNECT_SRC"]; ok {
		cfg.CSP.ConnectSrc = splitList(value)
	}
	if value, ok := values["EDGEGUARD_NONCE_CHANNEL"]; ok {
		cfg.CSP.NonceChannel = value
	}
	if value, ok := values["EDGEGUARD_BLOCKED_AGENTS"]; ok {
		cfg.Agents.Blocked = splitList(value)
	}
	if value, ok := values["EDGEGUARD_RATE_LIMIT_MAX"]; ok {
		parsed, err := parseIntEnv("EDGEGUARD_RATE_LIMIT_MAX", value)
		if err != nil {
			return err
		}
		cfg.RateLimit.MaxRequests = parsed
	}
	if value, ok := values["EDGEGUARD_RATE_LIMIT_WINDOW_SEC"]; ok {
		parsed, err := parseIntEnv("EDGEGUARD_RATE_LIMIT_WINDOW_SEC", value)
		if err != nil {
			return err
		}
		cfg.RateLimit.WindowSeconds = parsed
	}
	if value, ok := values["EDGEGUARD_RATE_STORE_BACKEND"]; ok {
		cfg.RateStore.Backend = value
	}
	if value, ok := values["EDGEGUARD_REDIS_URL"]; ok {
		cfg.RateStore.RedisURL = value
	}
	if value, ok := values["EDGEGUARD_RATE_STORE_TIMEOUT_MS"]; ok {
		parsed, err := parseIntEnv("EDGEGUARD_RATE_STORE_TIMEOUT_MS", value)
		if err != nil {
			return err
		}
		cfg.RateStore.TimeoutMs = parsed
	}
	if value, ok := values["EDGEGUARD_RATE_STORE_FAIL_MODE"]; ok {
		cfg.RateStore.FailMode = value
	}
	if value, ok := values["EDGEGUARD_UPSTREAM_ORIGIN"]; ok {
		cfg.Upstream.Origin = value
	}
	if value, ok := values["EDGEGUARD_LOG_LEVEL"]; ok {
		cfg.Logging.Level = value
	}
	if value, ok := values["EDGEGUARD_IP_HASH_KEY"]; ok {
		cfg.Logging.IPHashKey = value
	}
	return nil
}

func envMap(environ []string) map[string]string {
	values := make(map[string]string, len(environ))
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		values[key] = strings.TrimSpace(value)
	}
	return values
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBoolEnv(name, value string) (bool, error) {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid bool %q", name, value)
	}
	return parsed, nil
}

func parseIntEnv(name, value string) (int, error) {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid int %q", name, value)
	}
	return parsed, nil
}
