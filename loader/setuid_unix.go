// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//go:build !windows

package loader

import "golang.org/x/sys/unix"

// IsSetUID reports whether the process is running set-uid or set-gid
// (effective and real ids differ), in which case environment-supplied load
// paths must be ignored.
func IsSetUID() bool {
	return unix.Geteuid() != unix.Getuid() || unix.Getegid() != unix.Getgid()
}
