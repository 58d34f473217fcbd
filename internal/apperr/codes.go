package apperr

type Code string

const (
	CodeInternal         Code = "INTERNAL"
	CodeValidation       Code = "VALIDATION"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeConflict         Code = "CONFLICT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeTransientStore   Code = "TRANSIENT_STORE"
	CodePermanentFailure Code = "PERMANENT_FAILURE"
)
