// Package auth0 backs accounts.CredentialAuthority with the Auth0
// Management API and verifies Auth0 issued ID tokens for external logins.
package auth0
