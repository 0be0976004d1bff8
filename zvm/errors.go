// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package zvm

import (
	"errors"
	"fmt"
)

const (
	// notFoundRC is the overallRC the SDK server reports when a guest or
	// image does not exist.
	notFoundRC = 404

	// transportRC marks requests that never produced an SDK response, such
	// as connection failures towards the SDK server.
	transportRC = -1
)

var (
	ErrNetworkTimeout   = errors.New("timed out waiting for guest NICs to be coupled")
	ErrInstanceNotFound = errors.New("guest does not exist on the hypervisor")
	ErrInvalidGuestName = errors.New("guest name exceeds the hypervisor limit")
	ErrNoHostStatus     = errors.New("no host status has been collected yet")
)

// RemoteCallError is the failure of a single SDK request. Code carries the
// overallRC of the response, or transportRC when no response was received.
type RemoteCallError struct {
	Op      string
	Code    int
	Message string
	err     error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("sdk request %s failed with rc %d: %s", e.Op, e.Code, e.Message)
}

func (e *RemoteCallError) Unwrap() error {
	return e.err
}

// IsNotFound reports whether err is an SDK 404, meaning the guest or image
// named in the request is absent.
func IsNotFound(err error) bool {
	var rce *RemoteCallError
	return errors.As(err, &rce) && rce.Code == notFoundRC
}

// IsGatewayError reports whether err is a recognized SDK request failure.
// This is the only error category the readiness waiter is allowed to swallow,
// anything else would mask a real bug.
func IsGatewayError(err error) bool {
	var rce *RemoteCallError
	return errors.As(err, &rce)
}
