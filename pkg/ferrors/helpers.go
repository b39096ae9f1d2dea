// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ferrors defines the engine's error taxonomy and small helpers
// around the standard library's errors package.
package ferrors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err,
// if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// IsRetryable reports whether err is a TransientInfraError or an
// ActivityFailureError with Retryable set, or wraps one, making it eligible
// for the Activity Executor's retry policy.
func IsRetryable(err error) bool {
	var transient *TransientInfraError
	if errors.As(err, &transient) {
		return true
	}
	var activity *ActivityFailureError
	if errors.As(err, &activity) {
		return activity.Retryable
	}
	return false
}

// IsVersionConflict reports whether err is a VersionConflictError, or wraps one.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// IsRejection reports whether err is a RejectionError or LifecycleRejectionError,
// or wraps one — i.e. the command was refused by domain logic, not by infra failure.
func IsRejection(err error) bool {
	var r *RejectionError
	if errors.As(err, &r) {
		return true
	}
	var lr *LifecycleRejectionError
	return errors.As(err, &lr)
}
