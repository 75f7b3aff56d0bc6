package gateerr

import "errors"

var (
	ErrApprovalNotRequired = errors.New("approval not required")
	ErrRequestNotFound     = errors.New("approval request not found")
	ErrRequestNotPending   = errors.New("approval request is not pending")
	ErrActionUnknown       = errors.New("action is not configured")
	ErrFrequencyExceeded   = errors.New("auto-execution frequency exceeded")
	ErrPolicyVersionStale  = errors.New("policy version already saved")
	ErrBatchTooSmall       = errors.New("replay batch below minimum sample size")
)
