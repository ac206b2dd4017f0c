package couchlike

import "os"

const (
	// EnvURL names the connection URL read by FromEnv.
	EnvURL = "COUCHLIKE_URL"
	// EnvType overrides the engine type of EnvURL.
	EnvType = "COUCHLIKE_TYPE"

	defaultURL = "http://localhost:5984/couchlike"
)

func GetEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value
}
