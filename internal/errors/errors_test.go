package errors

import (
	"errors"
	"testing"
	"time"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeNotFound,
				Message: "batch not found",
			},
			want: "batch not found",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeStorage,
				Message: "enqueue failed",
				Cause:   errors.New("connection refused"),
			},
			want: "enqueue failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &AppError{
		Code:    ErrCodeInternal,
		Message: "wrapped error",
		Cause:   cause,
	}

	if unwrapped := err.Unwrap(); !errors.Is(unwrapped, cause) {
		t.Errorf("AppError.Unwrap() = %v, want %v", unwrapped, cause)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		wantCode ErrorCode
		check    func(error) bool
	}{
		{name: "validation", err: Validation("bad email"), wantCode: ErrCodeValidation, check: IsValidation},
		{name: "validationf", err: Validationf("bad email %q", "x"), wantCode: ErrCodeValidation, check: IsValidation},
		{name: "capacity", err: CapacityExceeded("too many batches"), wantCode: ErrCodeCapacityExceeded, check: IsCapacityExceeded},
		{name: "transient api", err: TransientAPI("gateway timeout", errors.New("504")), wantCode: ErrCodeTransientAPI, check: IsTransientAPI},
		{name: "permanent api", err: PermanentAPI("rejected payload", nil), wantCode: ErrCodePermanentAPI, check: IsPermanentAPI},
		{name: "storage", err: Storage("db down", errors.New("dial tcp")), wantCode: ErrCodeStorage, check: IsStorage},
		{name: "not found", err: NotFound("no such batch"), wantCode: ErrCodeNotFound, check: IsNotFound},
		{name: "conflict", err: Conflict("already assigned"), wantCode: ErrCodeConflict, check: IsConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.wantCode)
			}
			if !tt.check(tt.err) {
				t.Errorf("predicate rejected %v", tt.err)
			}
		})
	}
}

func TestValidationField(t *testing.T) {
	err := ValidationField("priority", "must be between 0 and 100")
	if err.Field != "priority" {
		t.Errorf("Field = %v, want priority", err.Field)
	}
	if !IsValidation(err) {
		t.Errorf("ValidationField should satisfy IsValidation")
	}
}

func TestRateLimited(t *testing.T) {
	retryAt := time.Date(2025, 6, 15, 12, 0, 30, 0, time.UTC)
	err := RateLimited("verifier budget exhausted", retryAt)

	if !IsRateLimited(err) {
		t.Errorf("IsRateLimited = false, want true")
	}
	if got := RetryAt(err); !got.Equal(retryAt) {
		t.Errorf("RetryAt() = %v, want %v", got, retryAt)
	}
}

func TestRetryAt_NonRateLimited(t *testing.T) {
	if got := RetryAt(errors.New("plain")); !got.IsZero() {
		t.Errorf("RetryAt(plain error) = %v, want zero time", got)
	}
	if got := RetryAt(nil); !got.IsZero() {
		t.Errorf("RetryAt(nil) = %v, want zero time", got)
	}
}

func TestPredicates_WrappedErrors(t *testing.T) {
	inner := RateLimited("budget exhausted", time.Now())
	wrapped := Wrap(inner, ErrCodeInternal, "compose failed")

	// errors.As finds the outermost AppError first.
	if GetCode(wrapped) != ErrCodeInternal {
		t.Errorf("GetCode(wrapped) = %v, want %v", GetCode(wrapped), ErrCodeInternal)
	}

	if !IsStorage(Wrapf(errors.New("dial tcp"), ErrCodeStorage, "redis %s", "ping")) {
		t.Errorf("Wrapf should carry its code")
	}
}

func TestWrap_NilError(t *testing.T) {
	if got := Wrap(nil, ErrCodeInternal, "ignored"); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
	if got := Wrapf(nil, ErrCodeInternal, "ignored"); got != nil {
		t.Errorf("Wrapf(nil) = %v, want nil", got)
	}
}

func TestGetCode_NonAppError(t *testing.T) {
	if got := GetCode(errors.New("plain")); got != "" {
		t.Errorf("GetCode(plain error) = %v, want empty", got)
	}
}
