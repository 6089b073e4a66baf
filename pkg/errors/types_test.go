package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrCodePoolExhausted, "no idle device").
		WithContext("profile", "pixel-6-api33")

	msg := err.Error()
	if !strings.Contains(msg, "[POOL_EXHAUSTED]") {
		t.Errorf("expected code in message, got %q", msg)
	}
	if !strings.Contains(msg, "pixel-6-api33") {
		t.Errorf("expected context in message, got %q", msg)
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	inner := stderrors.New("disk full")
	err := Wrap(inner, ErrCodeStorageWrite, "persist run status")

	if !stderrors.Is(err, inner) {
		t.Error("expected wrapped error to match with errors.Is")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected underlying error in message, got %q", err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "should be nil"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeDeviceOffline, "device unreachable")

	if !IsCode(err, ErrCodeDeviceOffline) {
		t.Error("expected IsCode to match")
	}
	if IsCode(err, ErrCodeNotFound) {
		t.Error("expected IsCode to reject different code")
	}
	if IsCode(stderrors.New("plain"), ErrCodeInternal) {
		t.Error("expected IsCode to reject plain error")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(ErrCodeConflict, "device in use")); got != ErrCodeConflict {
		t.Errorf("expected CONFLICT, got %s", got)
	}
	if got := GetCode(stderrors.New("plain")); got != ErrCodeInternal {
		t.Errorf("expected INTERNAL for plain error, got %s", got)
	}
	if got := GetCode(nil); got != "" {
		t.Errorf("expected empty code for nil, got %s", got)
	}
}
