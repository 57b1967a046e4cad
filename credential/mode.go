// Package credential decides how the client proves its identity to the backend.
//
// The decision is a pure function of the deployment environment and is made once
// at startup; every component receives the resolved Mode instead of reading the
// environment on its own.
package credential

import (
	"fmt"
	"strings"
)

// Environment is the deployment environment named by APP_ENV.
type Environment string

const (
	EnvLocal       Environment = "local"
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// ParseEnvironment normalizes raw and rejects anything outside the three known values.
// An empty value selects development.
func ParseEnvironment(raw string) (Environment, error) {
	switch env := Environment(strings.ToLower(strings.TrimSpace(raw))); env {
	case "":
		return EnvDevelopment, nil
	case EnvLocal, EnvDevelopment, EnvProduction:
		return env, nil
	default:
		return "", fmt.Errorf(
			"unknown environment %q (expected %s, %s or %s)",
			raw, EnvLocal, EnvDevelopment, EnvProduction,
		)
	}
}

// IsProduction reports whether env is the production environment.
func (e Environment) IsProduction() bool {
	return e == EnvProduction
}

// Mode is how credentials travel on outbound requests.
type Mode int

const (
	// ModeMock means network calls are intercepted and no real credential exists.
	ModeMock Mode = iota
	// ModeHeaderToken sends the access token as an Authorization bearer header.
	ModeHeaderToken
	// ModeCookie relies on cookies the transport sends automatically.
	ModeCookie
)

func (m Mode) String() string {
	switch m {
	case ModeMock:
		return "mock"
	case ModeHeaderToken:
		return "header"
	case ModeCookie:
		return "cookie"
	default:
		return "unknown"
	}
}

// Resolve maps env to its Credential Mode.
func Resolve(env Environment) Mode {
	switch env {
	case EnvLocal:
		return ModeMock
	case EnvProduction:
		return ModeCookie
	default:
		return ModeHeaderToken
	}
}
