// Package config loads the service configuration.
//
// Load(path) starts from defaults, applies the YAML file at path (optional),
// then environment overrides (PG_*, KAFKA_*, CACHE_*, HTTP_ADDR, LOG_LEVEL,
// BROADCAST_*), and validates the result. A .env file is read by the binary
// before Load so it feeds the same overrides.
//
// Watch(ctx, path, onChange) reloads the file on writes. Only settings that
// are safe to change at runtime (the log level) are applied by the caller;
// TTL, window and connections are fixed at start.
package config
