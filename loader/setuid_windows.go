// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//go:build windows

package loader

// IsSetUID always reports false on Windows, which has no set-uid/set-gid
// concept.
func IsSetUID() bool {
	return false
}
