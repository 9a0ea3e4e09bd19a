package auth0

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the Auth0 tenant settings used by the authority and the
// ID token verifier.
type Config struct {
	// Domain is the Auth0 tenant domain (e.g., "example.us.auth0.com").
	Domain string

	// ClientID and ClientSecret belong to a machine to machine application
	// authorized for the Management API.
	ClientID     string
	ClientSecret string

	// Connection is the database connection new subjects are created in.
	// Default: "Username-Password-Authentication".
	Connection string

	// Audience is the client id(s) ID tokens must be issued for.
	Audience []string

	// Issuer overrides the default issuer URL (optional).
	// Default: "https://{Domain}/".
	Issuer string

	// CacheTTL is how long to cache JWKS keys.
	// Default: 5 minutes.
	CacheTTL time.Duration
}

func (c Config) connection() string {
	if strings.TrimSpace(c.Connection) == "" {
		return "Username-Password-Authentication"
	}
	return c.Connection
}

func (c Config) issuerURL() string {
	if c.Issuer != "" {
		return normalizeIssuer(c.Issuer)
	}

	domain := strings.TrimSpace(c.Domain)
	if domain == "" {
		return ""
	}

	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return normalizeIssuer(domain)
	}

	return fmt.Sprintf("https://%s/", strings.TrimSuffix(domain, "/"))
}

func normalizeIssuer(issuer string) string {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" || strings.HasSuffix(issuer, "/") {
		return issuer
	}
	return issuer + "/"
}
