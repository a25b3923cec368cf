// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"errors"

	"vswitch.dev/vmem"
)

// Status taxonomy for the switching layer. Callers either propagate
// these unchanged or translate them; test with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrBadParam       = errors.New("bad parameter")
	ErrBusy           = errors.New("busy")
	ErrNoResources    = errors.New("no resources")
	ErrNoMemory       = vmem.ErrNoMemory
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrInvalidAddress = vmem.ErrInvalidAddress
	ErrNotImplemented = errors.New("not implemented")
	ErrNotSupported   = errors.New("not supported")
	ErrExists         = errors.New("already exists")
)
