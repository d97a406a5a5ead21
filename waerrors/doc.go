// Package waerrors centralizes the error vocabulary shared by every relay
// package, grounded on the teacher's crypto.keystore wrapping idiom:
//
//	fmt.Errorf("store pn/lid pair %s/%s: %w", pn, lid, waerrors.ErrMappingMismatch)
//
// Sentinels carry no context themselves; callers attach it with %w.
package waerrors
