// Copyright 2025 CacheFS Authors
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

package common

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrNotReady      = errors.New("not ready")
	ErrFetchFailed   = errors.New("fetch failed")
	ErrReadOnly      = errors.New("read-only filesystem")
	ErrNotSupported  = errors.New("operation not supported")
	ErrExists        = errors.New("already exists")
	ErrIO            = errors.New("I/O error")
)
