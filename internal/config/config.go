// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package config reads the environment-driven transport settings shared by
// the CLI and the server.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/bodaay/datafetch/pkg/datafetch"
)

type Config struct {
	HubToken    string
	HubEndpoint string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	OTelExporter string

	// ServerPort is the default listen port for serve.
	ServerPort int
}

func FromEnv() Config {
	return Config{
		HubToken:     getenv("HF_TOKEN", ""),
		HubEndpoint:  getenv("DATAFETCH_HUB_ENDPOINT", datafetch.DefaultHubEndpoint),
		S3Endpoint:   getenv("DATAFETCH_S3_ENDPOINT", ""),
		S3AccessKey:  getenv("DATAFETCH_S3_ACCESS_KEY", getenv("AWS_ACCESS_KEY_ID", "")),
		S3SecretKey:  getenv("DATAFETCH_S3_SECRET_KEY", getenv("AWS_SECRET_ACCESS_KEY", "")),
		S3Region:     getenv("DATAFETCH_S3_REGION", getenv("AWS_REGION", "")),
		S3UseSSL:     getenvBool("DATAFETCH_S3_USE_SSL", true),
		OTelExporter: strings.ToLower(getenv("DATAFETCH_OTEL_EXPORTER", "none")),
		ServerPort:   getenvInt("DATAFETCH_PORT", 8080),
	}
}

// ObjectStore returns the minio endpoint settings.
func (c Config) ObjectStore() datafetch.ObjectStoreConfig {
	return datafetch.ObjectStoreConfig{
		Endpoint:  c.S3Endpoint,
		AccessKey: c.S3AccessKey,
		SecretKey: c.S3SecretKey,
		Region:    c.S3Region,
		UseSSL:    c.S3UseSSL,
	}
}

// Fetchers builds one fetcher per protocol. A non-empty token overrides
// HF_TOKEN for both the hub and plain HTTP sources.
func (c Config) Fetchers(token string) datafetch.Fetchers {
	if strings.TrimSpace(token) == "" {
		token = c.HubToken
	}
	return datafetch.Fetchers{
		datafetch.ProtocolHTTP:        datafetch.NewHTTPFetcher(token),
		datafetch.ProtocolObjectStore: datafetch.NewObjectStoreFetcher(c.ObjectStore()),
		datafetch.ProtocolModelHub:    datafetch.NewHubFetcher(token, c.HubEndpoint),
	}
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := getenv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := getenv(key, "")
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
