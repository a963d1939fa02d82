// Copyright 2023 The emqx-go Authors
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

package protocol

import "fmt"

// ServerError is the error code a broker puts on ERROR, SEND_ERROR and
// failed LOOKUP_RESPONSE frames.
type ServerError string

const (
	// ErrCodeServiceNotReady means the broker cannot serve the topic at all,
	// usually because it does not own its bundle. Clients close the
	// connection on receipt.
	ErrCodeServiceNotReady ServerError = "ServiceNotReady"
	// ErrCodeServiceUnitNotReady means the bundle is moving or the broker is
	// not taking lookups. The request may be retried later.
	ErrCodeServiceUnitNotReady ServerError = "ServiceUnitNotReady"
	// ErrCodeTooManyRequests is returned when an admission gate is full.
	ErrCodeTooManyRequests ServerError = "TooManyRequests"
	ErrCodeMetadataError   ServerError = "MetadataError"
	ErrCodeTopicNotFound   ServerError = "TopicNotFound"
	ErrCodeConsumerBusy    ServerError = "ConsumerBusy"
	ErrCodeProducerBusy    ServerError = "ProducerBusy"
	ErrCodeInvalidTopic    ServerError = "InvalidTopicName"
	ErrCodeNotAllowed      ServerError = "NotAllowed"
	ErrCodePersistence     ServerError = "PersistenceError"
	ErrCodeUnknown         ServerError = "UnknownError"
)

// Retriable reports whether a request that failed with code may succeed
// when repeated later on the same or another connection.
func (e ServerError) Retriable() bool {
	switch e {
	case ErrCodeServiceNotReady, ErrCodeServiceUnitNotReady, ErrCodeTooManyRequests, ErrCodeMetadataError:
		return true
	}
	return false
}

// Error carries a server error across the client API.
type Error struct {
	Code    ServerError
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another *Error with the same code, so errors.Is works against
// the values returned by AsError.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// AsError converts an ERROR-like frame into an error.
func AsError(f *Frame) error {
	code := f.Error
	if code == "" {
		code = ErrCodeUnknown
	}
	return &Error{Code: code, Message: f.ErrorMessage}
}

// CodeError returns a message-less *Error usable as an errors.Is target.
func CodeError(code ServerError) error {
	return &Error{Code: code}
}
