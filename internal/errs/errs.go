// Package errs holds the failure taxonomy shared by every stage of the
// document pipeline. Components wrap these with fmt.Errorf("...: %w") so
// callers can match them with errors.Is.
package errs

import "errors"

var (
	ErrTemplateNotFound     = errors.New("template not found")
	ErrEngineUnavailable    = errors.New("render engine unavailable")
	ErrRenderFailed         = errors.New("render failed")
	ErrEncryptionKeyInvalid = errors.New("encryption key invalid")
	ErrDecryptionFailed     = errors.New("decryption failed")
	ErrBlobNotFound         = errors.New("blob not found")
	ErrMetadataNotFound     = errors.New("document metadata not found")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrInvalidRequest       = errors.New("invalid request")
)
