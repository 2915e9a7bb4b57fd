package model

import "errors"

// Send and subscription failures. Pipeline errors surface as message status
// plus a FailReason, not as panics; these sentinels let callers classify
// the underlying cause with errors.Is.
var (
	ErrEmptyMessage       = errors.New("nothing to send")
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")
	ErrUploadCancelled    = errors.New("upload cancelled")
	ErrUploadFailed       = errors.New("upload failed")
	ErrWriteFailed        = errors.New("persistence write failed")
	ErrSubscriptionLost   = errors.New("subscription lost")
	ErrPermissionDenied   = errors.New("permission denied")
)
