package errs

// Business codes. The 1xxx range maps onto the wire-level error
// taxonomy; 11xx are registry outcomes, 12xx cache outcomes.
var (
	ErrArgs         = NewCodeError(1001, "invalid argument")
	ErrNoPermission = NewCodeError(1002, "insufficient permissions")
	ErrDuplicate    = NewCodeError(1003, "duplicate record")
	ErrLockBusy     = NewCodeError(1004, "lock busy, please retry")
	ErrNotFound     = NewCodeError(1005, "record not found")

	ErrRegisterInProgress = NewCodeError(1101, "register in progress")
	ErrRegisterSuperseded = NewCodeError(1102, "registration superseded")
	ErrConnClosed         = NewCodeError(1103, "connection closed")

	ErrCacheLockExhausted = NewCodeError(1201, "cache lock exhausted")
)
