package pkgerrors

import (
	"errors"
	"testing"
)

func TestCanceledError_Unwrap(t *testing.T) {
	err := &CanceledError{TaskID: "snapshot/home"}
	if !errors.Is(err, ErrCanceled) {
		t.Errorf("errors.Is(err, ErrCanceled) = false, want true")
	}
	if !IsCanceled(err) {
		t.Errorf("IsCanceled(err) = false, want true")
	}
}

func TestBuildError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &BuildError{Message: "create build", Err: cause}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	var be *BuildError
	if !errors.As(err, &be) {
		t.Errorf("errors.As(err, &BuildError{}) = false, want true")
	}
}

func TestSnapshotAndUploadError_Messages(t *testing.T) {
	cause := errors.New("timeout")
	snapErr := &SnapshotError{Name: "home", Err: cause}
	if snapErr.Error() == "" {
		t.Error("SnapshotError.Error() returned empty string")
	}
	if !errors.Is(snapErr, cause) {
		t.Errorf("errors.Is(snapErr, cause) = false, want true")
	}

	upErr := &UploadError{Name: "home", Err: cause}
	if upErr.Error() == "" {
		t.Error("UploadError.Error() returned empty string")
	}
	if !errors.Is(upErr, cause) {
		t.Errorf("errors.Is(upErr, cause) = false, want true")
	}
}

func TestBindError(t *testing.T) {
	cause := errors.New("address already in use")
	err := &BindError{Addr: ":5338", Err: cause}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
}

func TestConfigInvalid_NeverFatalByItself(t *testing.T) {
	err := &ConfigInvalid{Warnings: []string{"unknown option: foo"}}
	if err.Error() == "" {
		t.Error("ConfigInvalid.Error() returned empty string")
	}
}
