package db

import "time"

type Config struct {
	Type            string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	SSLMode         string
	SQLitePath      string
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	SlowThreshold   time.Duration
}

// IsPostgres reports whether the configured dialect is PostgreSQL.
func (c Config) IsPostgres() bool {
	return c.Type == "" || c.Type == "postgres"
}
