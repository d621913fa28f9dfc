package consts

import "errors"

// Store sentinels. db, localstore and storage wrap their driver errors in
// these; the domain packages map them to their own typed errors.
var (
	ErrDBNotFound        = errors.New("not found")
	ErrDBUniqueViolation = errors.New("unique violation")

	// ErrSerializationFailed marks a JSON column that could not be encoded
	// or decoded.
	ErrSerializationFailed = errors.New("serialization failed")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
