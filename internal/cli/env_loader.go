package cli

import (
	"os"
	"strings"
)

// serverEnvKeys are the configuration variables a .env file may provide.
// Anything else in the file is ignored.
var serverEnvKeys = []string{
	"LISTEN_ADDR",
	"LIBRARY_ROOT",
	"STAGING_ROOT",
	"STATE_STORE_URL",
	"JWT_SECRET",
	"ACCESS_LOG_PATH",
	"MAX_TUNNEL_SECONDS",
	"STALL_TIMEOUT_SECONDS",
	"GRACE_PERIOD_SECONDS",
	"EDGE_CMD",
	"EDGE_TIMEOUT_SECONDS",
	"MONITOR_TICK_SECONDS",
	"TOKEN_SWEEP_SECONDS",
	"HISTORY_RETENTION_SECONDS",
	"HISTORY_LIMIT",
	"MONITOR_RESUME",
	"WEB_ROOT",
	"ADMIN_TOKEN",
	"TLS_DOMAIN",
	"TLS_CACHE_DIR",
	"DEBUG_ADDR",
	"LOG_LEVEL",
}

// loadServerEnvFromDotEnv fills unset configuration variables from a .env
// file. Variables already present in the environment win.
func loadServerEnvFromDotEnv(path string) {
	values := loadEnvFileValues(path)
	for _, key := range serverEnvKeys {
		value, ok := values[key]
		if !ok {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

func loadEnvFileValues(path string) map[string]string {
	out := map[string]string{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	normalized := strings.ReplaceAll(string(raw), "\r\n", "\n")
	for _, line := range strings.Split(normalized, "\n") {
		key, value, ok := parseEnvAssignment(line)
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

func parseEnvAssignment(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	if strings.HasPrefix(trimmed, "export ") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))
	}
	key, value, ok := strings.Cut(trimmed, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"")) ||
			(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}
