// Copyright 2025 Poiesic Systems
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

package ingestion

import "sync"

// DocumentLocks is a keyed mutex. Entries are reference counted and removed
// once no goroutine holds or waits for them.
type DocumentLocks struct {
	mu    sync.Mutex
	locks map[string]*docLock
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

// NewDocumentLocks creates an empty lock table.
func NewDocumentLocks() *DocumentLocks {
	return &DocumentLocks{locks: make(map[string]*docLock)}
}

// Lock blocks until the document is free and returns its unlock function.
func (d *DocumentLocks) Lock(documentID string) (unlock func()) {
	d.mu.Lock()
	l, ok := d.locks[documentID]
	if !ok {
		l = &docLock{}
		d.locks[documentID] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, documentID)
		}
		d.mu.Unlock()
	}
}

// held returns the number of documents currently locked or awaited.
func (d *DocumentLocks) held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.locks)
}
