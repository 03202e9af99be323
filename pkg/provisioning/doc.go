// Package provisioning creates and removes identities in the identity
// provider together with their local account rows.
//
// Both directions run as sagas: ordered steps whose completed side effects are
// compensated in reverse when a later step fails. Provisioning deletes the
// identity it created if the password, role or local row cannot be set;
// deprovisioning re-inserts the local row if the identity cannot be deleted.
// When a compensation itself fails both errors are logged and, if an
// IssueStore is configured, a reconciliation issue is recorded.
package provisioning
