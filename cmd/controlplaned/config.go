package main

import "github.com/caarlos0/env/v11"

// config is loaded from the process environment. HTTP routing and request
// parsing are an external collaborator's responsibility (spec §1); this
// binary only wires the core components and exposes them for that
// collaborator to call.
type config struct {
	ListenAddr string `env:"CONTROLPLANE_LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"CONTROLPLANE_LOG_LEVEL" envDefault:"info"`

	PostgresDSN   string `env:"CONTROLPLANE_POSTGRES_DSN,required"`
	SnapshotKey   string `env:"CONTROLPLANE_SNAPSHOT_KEY" envDefault:"default"`
	ClickHouseDSN string `env:"CONTROLPLANE_CLICKHOUSE_DSN"`

	TokenIssuer                string `env:"CONTROLPLANE_TOKEN_ISSUER,required"`
	TokenSigningKey            string `env:"CONTROLPLANE_TOKEN_SIGNING_KEY,required"`
	TokenTTLSeconds            int    `env:"CONTROLPLANE_TOKEN_TTL_SECONDS" envDefault:"300"`
	TokenClockSkewSeconds      int    `env:"CONTROLPLANE_TOKEN_CLOCK_SKEW_SECONDS" envDefault:"30"`
	OutageGraceWindowSeconds   int    `env:"CONTROLPLANE_OUTAGE_GRACE_WINDOW_SECONDS" envDefault:"120"`
	EnrollmentClockSkewSeconds int    `env:"CONTROLPLANE_ENROLLMENT_CLOCK_SKEW_SECONDS" envDefault:"30"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}
