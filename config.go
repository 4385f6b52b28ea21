// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package hivegate provides environment-driven configuration for the proxy
// fronts. Each front is configured from its own env prefix so several
// listeners (plain, TLS, WebSocket) can run side by side in one process.
package hivegate

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// Config is one front's listener and target configuration.
type Config struct {
	Host       string `env:"HOST"        envDefault:""`
	Port       string `env:"PORT"        envDefault:""`
	TargetHost string `env:"TARGET_HOST" envDefault:"localhost"`
	TargetPort string `env:"TARGET_PORT" envDefault:"1883"`

	// WSPath is the upgrade path for WebSocket fronts.
	WSPath string `env:"WS_PATH" envDefault:"/mqtt"`

	// TLS material for the client-facing listener. The backend leg is
	// always plain TCP.
	CertFile     string `env:"CERT_FILE"      envDefault:""`
	KeyFile      string `env:"KEY_FILE"       envDefault:""`
	ClientCAFile string `env:"CLIENT_CA_FILE" envDefault:""`

	TLSConfig *tls.Config `env:"-"`
}

// NewConfig parses a front's configuration from the environment and loads
// TLS material when a certificate pair is configured. Setting a client CA
// additionally enforces mTLS on the listener.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.CertFile == "" && c.KeyFile == "" {
		return c, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	c.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if c.ClientCAFile != "" {
		ca, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return Config{}, fmt.Errorf("failed to parse client CA %s", c.ClientCAFile)
		}
		c.TLSConfig.ClientCAs = pool
		c.TLSConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return c, nil
}
