// Copyright 2016 The Sandpass Authors
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

package keepass

import (
	"errors"
	"fmt"
)

// Kind classifies an error returned from Import or Export.
type Kind int

// Error kinds
const (
	KindInternal Kind = iota
	KindNotFound
	KindIO
	KindPassword
	KindFormat
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindIO:
		return "I/O error"
	case KindPassword:
		return "wrong password"
	case KindFormat:
		return "malformed database"
	default:
		return "internal error"
	}
}

// Sentinel errors.  Every error returned from Import or Export matches
// exactly one of these under errors.Is.
var (
	ErrNotFound = errors.New("keepass: file not found")
	ErrIO       = errors.New("keepass: read or write error")
	ErrPassword = errors.New("keepass: password does not match or database is corrupt")
	ErrFormat   = errors.New("keepass: malformed database")
	ErrInternal = errors.New("keepass: internal error")
)

// An Error wraps a failure with its kind and the operation that hit it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "keepass: " + e.Op + ": " + e.Kind.String()
	}
	return "keepass: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether e matches one of the sentinel errors by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrIO:
		return e.Kind == KindIO
	case ErrPassword:
		return e.Kind == KindPassword
	case ErrFormat:
		return e.Kind == KindFormat
	case ErrInternal:
		return e.Kind == KindInternal
	}
	return false
}

func wrapError(kind Kind, op string, err error) error {
	if err == nil {
		return &Error{Kind: kind, Op: op}
	}
	var ke *Error
	if errors.As(err, &ke) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func formatError(op, format string, args ...interface{}) error {
	return &Error{Kind: KindFormat, Op: op, Err: fmt.Errorf(format, args...)}
}

func passwordError(op string) error {
	return &Error{Kind: KindPassword, Op: op, Err: errors.New("password does not match or database is corrupt")}
}

func internalError(op, format string, args ...interface{}) error {
	return &Error{Kind: KindInternal, Op: op, Err: fmt.Errorf(format, args...)}
}
