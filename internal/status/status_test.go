// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-KV License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatus_NilIsOK(t *testing.T) {
	if !IsOK(nil) {
		t.Fatal("nil error should be OK")
	}
	if IsNotFound(nil) || IsDeleteOrder(nil) || IsIOError(nil) || IsInvalidArgument(nil) {
		t.Fatal("nil error should not match any failure predicate")
	}
}

func TestStatus_Predicates(t *testing.T) {
	if !IsNotFound(NotFound()) {
		t.Error("NotFound() should satisfy IsNotFound")
	}
	if !IsDeleteOrder(DeleteOrder()) {
		t.Error("DeleteOrder() should satisfy IsDeleteOrder")
	}
	if !IsIOError(IOError("disk on fire")) {
		t.Error("IOError() should satisfy IsIOError")
	}
	if !IsInvalidArgument(InvalidArgument("bad chunk")) {
		t.Error("InvalidArgument() should satisfy IsInvalidArgument")
	}
	if IsNotFound(IOError("nope")) {
		t.Error("IOError should not satisfy IsNotFound")
	}
}

func TestStatus_ErrorMessage(t *testing.T) {
	err := IOError("database is not open")
	if got := err.Error(); got != "IOError: database is not open" {
		t.Fatalf("unexpected message: %q", got)
	}
	if NotFound().Error() != "NotFound" {
		t.Fatalf("message-less status should print only the kind, got %q", NotFound().Error())
	}
}

func TestStatus_WrappedErrorKeepsKind(t *testing.T) {
	wrapped := fmt.Errorf("outer context: %w", NotFound())
	if !IsNotFound(wrapped) {
		t.Fatal("wrapped NotFound should still satisfy IsNotFound")
	}
}

func TestStatus_ForeignErrorIsIOError(t *testing.T) {
	if !IsIOError(errors.New("plain error")) {
		t.Fatal("untyped errors should be treated as IOError")
	}
}
