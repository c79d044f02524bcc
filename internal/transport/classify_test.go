package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Success},
		{"401", &HTTPError{StatusCode: 401}, AuthError},
		{"403", &HTTPError{StatusCode: 403}, AuthError},
		{"409", &HTTPError{StatusCode: 409}, Conflict},
		{"404", &HTTPError{StatusCode: 404}, Missing},
		{"410", &HTTPError{StatusCode: 410}, Missing},
		{"400", &HTTPError{StatusCode: 400}, ClientError},
		{"422", &HTTPError{StatusCode: 422}, ClientError},
		{"408", &HTTPError{StatusCode: 408}, Retryable},
		{"429", &HTTPError{StatusCode: 429}, Retryable},
		{"500", &HTTPError{StatusCode: 500}, Retryable},
		{"503", &HTTPError{StatusCode: 503}, Retryable},
		{"wrapped 400", fmt.Errorf("send: %w", &HTTPError{StatusCode: 400}), ClientError},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, Retryable},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"canceled", context.Canceled, Retryable},
		{"breaker open", gobreaker.ErrOpenState, Retryable},
		{"breaker half-open", gobreaker.ErrTooManyRequests, Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, 409, StatusCode(fmt.Errorf("x: %w", &HTTPError{StatusCode: 409})))
	assert.Equal(t, 0, StatusCode(errors.New("plain")))
}

func TestHTTPError_Error(t *testing.T) {
	assert.Equal(t, "http 400 bad_alias: Invalid alias", (&HTTPError{StatusCode: 400, Code: "bad_alias", Message: "Invalid alias"}).Error())
	assert.Equal(t, "http 500: Internal Server Error", (&HTTPError{StatusCode: 500, Message: "Internal Server Error"}).Error())
}
