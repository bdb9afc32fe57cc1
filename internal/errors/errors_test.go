package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestServiceError_UnwrapAndGet(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("handler: %w", Internal("store failed", cause))

	se := GetServiceError(wrapped)
	if se == nil {
		t.Fatal("GetServiceError returned nil")
	}
	if se.Code != CodeInternal || se.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("got %s/%d", se.Code, se.HTTPStatus)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause should be reachable through errors.Is")
	}
}

func TestGetServiceError_Plain(t *testing.T) {
	if GetServiceError(errors.New("plain")) != nil {
		t.Error("plain error should not convert")
	}
}

func TestConstructors_Status(t *testing.T) {
	tests := []struct {
		err  *ServiceError
		code ErrorCode
		want int
	}{
		{Expired(nil), CodeExpired, http.StatusUnprocessableEntity},
		{BadSignature(nil), CodeBadSignature, http.StatusUnauthorized},
		{StaleCounter(nil), CodeStaleCounter, http.StatusConflict},
		{InsufficientFunds(nil), CodeInsufficientFunds, http.StatusUnprocessableEntity},
		{UnknownAccount(nil), CodeUnknownAccount, http.StatusNotFound},
		{InvalidFormat("amount", "must be positive"), CodeInvalidFormat, http.StatusBadRequest},
		{RateLimitExceeded(10, "1s"), CodeRateLimitExceeded, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		if tt.err.Code != tt.code {
			t.Errorf("code = %s, want %s", tt.err.Code, tt.code)
		}
		if tt.err.HTTPStatus != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.code, tt.err.HTTPStatus, tt.want)
		}
	}
}

func TestWithDetails(t *testing.T) {
	err := InvalidFormat("signature", "not hex")
	if err.Details["field"] != "signature" || err.Details["reason"] != "not hex" {
		t.Errorf("details = %v", err.Details)
	}
}
