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

package badger

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/kbase/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackend_InMemory(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
}

func TestOpenBackend_FileSystem(t *testing.T) {
	tmpDir := t.TempDir() + "/nested/db"
	backend, err := OpenBackend(tmpDir, false)
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
}

func TestBackendClose(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)

	require.NoError(t, backend.Close())
	assert.True(t, backend.IsClosed())

	err = backend.View(func(tx *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}

func TestBackendUpdateRetriesConflicts(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	defer backend.Close()

	key := []byte("counter")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := backend.Update(func(tx *badger.Txn) error {
				var n byte
				item, err := tx.Get(key)
				if err == nil {
					val, err := item.ValueCopy(nil)
					if err != nil {
						return err
					}
					n = val[0]
				} else if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				return tx.Set(key, []byte{n + 1})
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	err = backend.View(func(tx *badger.Txn) error {
		val, err := getValue(tx, key)
		require.NoError(t, err)
		assert.Equal(t, byte(4), val[0])
		return nil
	})
	require.NoError(t, err)
}

func TestBackendDeleteKeys(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	defer backend.Close()

	keys := [][]byte{makeKey("a", "1"), makeKey("a", "2"), makeKey("b", "1")}
	err = backend.Update(func(tx *badger.Txn) error {
		for _, k := range keys {
			if err := tx.Set(k, []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, backend.DeleteKeys(keys[:2]))
	require.NoError(t, backend.DeleteKeys(nil))

	err = backend.View(func(tx *badger.Txn) error {
		assert.Empty(t, prefixKeys(tx, makePrefix("a")))
		assert.Len(t, prefixKeys(tx, makePrefix("b")), 1)
		_, err := getValue(tx, keys[0])
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestKeys(t *testing.T) {
	key := makeDocChunkKey("https://example.com/a", "https://example.com/a#3")
	assert.Equal(t, "https://example.com/a#3", lastSegment(key))

	prefix := makePrefix(docChunkPrefix, "doc")
	assert.True(t, bytes.HasPrefix(makeDocChunkKey("doc", "doc#0"), prefix))
	assert.NotContains(t, string(makeDocChunkKey("doc2", "doc2#0")), string(prefix))
}
