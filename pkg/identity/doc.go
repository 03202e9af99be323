// Package identity holds the vocabulary shared by the provisioning engine:
// the closed application role catalog and the error taxonomy returned by
// sagas, role replacement and the identity provider client.
//
// # Errors
//
// Callers match errors with errors.Is / errors.As:
//
//	if errors.Is(err, identity.ErrAlreadyExists) {
//		// 409
//	}
//	var idpErr *identity.IdentityProviderError
//	if errors.As(err, &idpErr) && idpErr.Transient() {
//		// retry later
//	}
package identity
