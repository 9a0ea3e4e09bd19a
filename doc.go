// Package accounts provisions user accounts against an external credential
// authority and manages the invitations that link students, teachers and
// institutions.
//
// Provisioning:
//   - Provisioner runs every registration shape (self sign up, admin created,
//     OAuth) as a saga: create the credential subject, assign roles, then
//     persist the local user, role grants and profile in one transaction.
//     When a later step fails the subject is deleted again. Deletes are
//     retried with backoff and run on a context detached from the caller, so
//     a cancelled request still cleans up. Subjects that cannot be deleted are
//     recorded as orphans and retried by Provisioner.RetryOrphans.
//   - Self registration is gated by the Auth.AllowRegistration configuration
//     key and is disabled unless the key is explicitly "true".
//
// Invitations:
//   - InvitationManager creates, accepts and rejects invitations. Acceptance
//     flips the status and applies the relationship (institution membership or
//     a teacher/student assignment) in a single transaction.
//   - Expiry is evaluated lazily on read. An expired pending invitation is
//     persisted as expired the first time it is observed.
//
// Sessions:
//   - Authenticator issues HS256 access tokens and rotating opaque refresh
//     tokens for password and external (Google ID token) logins. ClaimsDecorator
//     may add extension claims while protected claims remain immutable.
//
// Events are handed to an EventNotifier after commit. Delivery is best effort
// and never fails the operation that produced the event.
package accounts
