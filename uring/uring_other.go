//go:build !linux

package uring

import "time"

type uringBackend struct{ loopBackend }

func newUringBackend(entries uint32, sqPollIdle time.Duration) (*uringBackend, error) {
	return nil, errUnsupported
}
