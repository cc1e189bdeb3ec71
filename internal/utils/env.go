package utils

import (
	"fmt"
	"os"
	"time"
)

// GetEnvWithDefault returns the value of the environment variable key or the defaultValue if key is not set
func GetEnvWithDefault(key string, defaultValue string) string {
	envValue, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}

	return envValue
}

// GetEnv returns the value of the environment variable key or an error if the key is not set
func GetEnv(env string) (string, error) {
	result, found := os.LookupEnv(env)
	if !found {
		return "", fmt.Errorf("could not find environment variable for: %s", env)
	}
	return result, nil
}

// GetDurationWithDefault parses the environment variable key as a duration,
// falling back to defaultValue when unset or unparseable.
func GetDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	envValue, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	parsed, err := time.ParseDuration(envValue)
	if err != nil {
		return defaultValue
	}
	return parsed
}
