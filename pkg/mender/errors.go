package mender

import "errors"

// Error kinds named in spec section 7, modeled as sentinel errors so
// callers can branch with errors.Is. NotFound reuses store.ErrNotFound
// and tarstream's own ErrMalformed is translated to ErrUnsupportedArtifact
// at the boundary where the engine consumes it (artifact.go).
var (
	ErrLockFailed          = errors.New("mender: lock acquisition failed")
	ErrAuthRequired        = errors.New("mender: not authenticated")
	ErrUnsupportedArtifact = errors.New("mender: unsupported or malformed artifact")
	ErrVerificationFailed  = errors.New("mender: artifact verification failed")
	ErrFlash               = errors.New("mender: flash operation failed")
	ErrStorageFull         = errors.New("mender: storage full")
	ErrFatal               = errors.New("mender: unrecoverable error")
	ErrKeystoreBusy        = errors.New("mender: keystore locked by a concurrent operation")
)
