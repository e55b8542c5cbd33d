package store

import "strings"

// DetectDSNType classifies a database DSN as "postgres" or "sqlite". Shared
// by the store constructors and the main wiring so every component agrees on
// the driver for a given DSN.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
