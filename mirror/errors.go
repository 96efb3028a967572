package mirror

import "errors"

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrHashMismatch   = errors.New("content hash mismatch")
	ErrInvalidKey     = errors.New("invalid object key")
	ErrInvalidID      = errors.New("invalid id")

	ErrFetch     = errors.New("fetch failed")
	ErrUpload    = errors.New("upload failed")
	ErrSerialize = errors.New("serialization failed")
	ErrPublish   = errors.New("manifest publish failed")

	ErrVersionNotFound  = errors.New("version not found in manifest")
	ErrRunLeaseConflict = errors.New("run lease conflict")
	ErrRunNotFound      = errors.New("run record not found")
)

// Failure kinds reported on run records and metrics.
const (
	FailureNone      = ""
	FailureFetch     = "fetch"
	FailureUpload    = "upload"
	FailureSerialize = "serialize"
	FailurePublish   = "publish"
	FailureLease     = "lease"
	FailureOther     = "other"
)

// FailureKind classifies a run error. A publish failure wins over the
// underlying upload/serialize cause because it means per-version artifacts
// were written while the index was not.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrPublish):
		return FailurePublish
	case errors.Is(err, ErrRunLeaseConflict):
		return FailureLease
	case errors.Is(err, ErrFetch):
		return FailureFetch
	case errors.Is(err, ErrSerialize):
		return FailureSerialize
	case errors.Is(err, ErrUpload):
		return FailureUpload
	default:
		return FailureOther
	}
}
