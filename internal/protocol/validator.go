// Copyright (c) 2026 Ilya Maximets <i.maximets@ovn.org>
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

// ErrorKind identifies which invariant a Validate call failed on.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrUnsupportedVersion
	ErrUnsupportedFlags
	ErrBadRequest
	ErrBadSize
	ErrBadFDCount
	ErrUnexpectedRequest
	ErrBadMode
	ErrBadKeyLen
)

// ValidationError is a structured protocol error: the kind distinguishes the
// failing predicate; Error() gives a human-readable diagnostic.
type ValidationError struct {
	Kind ErrorKind
	msg  string
}

func (e *ValidationError) Error() string { return e.msg }

func fail(kind ErrorKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func expectedPayloadSize(req Request) (uint32, bool) {
	switch req {
	case RequestGetPair:
		return GetPairPayloadSize, true
	case RequestSetPair:
		return SetPairPayloadSize, true
	default:
		return 0, false
	}
}

func expectedFDCount(req Request) int {
	switch req {
	case RequestGetPair:
		return 0
	case RequestSetPair:
		return 1
	default:
		return 0
	}
}

// Validate enforces the protocol invariants on f and the descriptors
// received alongside it, in the order specified by the wire protocol, and
// reports the first failing predicate. allowed, if non-nil, further
// restricts which request kinds are acceptable in the caller's context.
func Validate(f *Frame, nFDs int, allowed []Request) error {
	if f.Flags&versionMask != ProtocolVersion {
		return fail(ErrUnsupportedVersion,
			"unsupported protocol version %d", f.Flags&versionMask)
	}
	if f.Flags&^uint32(versionMask) != 0 {
		return fail(ErrUnsupportedFlags,
			"unsupported flags 0x%x", f.Flags&^uint32(versionMask))
	}
	if f.Request != RequestGetPair && f.Request != RequestSetPair {
		return fail(ErrBadRequest, "unknown request %v", f.Request)
	}

	expSize, _ := expectedPayloadSize(f.Request)
	if f.Size != expSize {
		return fail(ErrBadSize,
			"bad size %d for request %v (want %d)", f.Size, f.Request, expSize)
	}

	if nFDs != expectedFDCount(f.Request) {
		return fail(ErrBadFDCount,
			"bad fd count %d for request %v (want %d)",
			nFDs, f.Request, expectedFDCount(f.Request))
	}

	if allowed != nil && !requestAllowed(f.Request, allowed) {
		return fail(ErrUnexpectedRequest, "unexpected request %v", f.Request)
	}

	if f.Request == RequestGetPair {
		gp := f.GetPair()
		if gp.Mode >= modeMax {
			return fail(ErrBadMode, "bad mode %d", gp.Mode)
		}
		if gp.KeyLen < 1 || gp.KeyLen > MaxKeyLength {
			return fail(ErrBadKeyLen, "bad key length %d", gp.KeyLen)
		}
	}

	return nil
}

func requestAllowed(req Request, allowed []Request) bool {
	for _, a := range allowed {
		if a == req {
			return true
		}
	}
	return false
}
