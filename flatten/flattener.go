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

package flatten

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/poiesic/kbase/core"
)

const (
	DefaultMaxDepth          = 10
	DefaultMaxPropertyLength = 250
)

// DefaultIntrinsicKeys are the properties that identify a list element
// within its parent.
var DefaultIntrinsicKeys = []string{"uid", "id"}

// Dropped records a property removed from the graph form for being too long.
type Dropped struct {
	Entity   core.EntityRef
	Property string
	Size     int
}

// Result is the flattened form of one entity.
type Result struct {
	// Entities holds the root first, then sub-entities in depth-first order.
	Entities  []*core.GraphEntity
	Relations []core.Relation
	Dropped   []Dropped
	// Warnings wrap core.ErrFlattenDepthExceeded or core.ErrDuplicateEntity.
	Warnings []error
}

// Flattener is immutable and safe for concurrent use.
type Flattener struct {
	maxDepth          int
	maxPropertyLength int
	intrinsicKeys     []string
}

// Option configures a Flattener.
type Option func(*Flattener) error

// WithMaxDepth bounds sub-entity nesting. The root is depth 0.
func WithMaxDepth(depth int) Option {
	return func(f *Flattener) error {
		if depth < 0 {
			return fmt.Errorf("%w: %d", ErrInvalidMaxDepth, depth)
		}
		f.maxDepth = depth
		return nil
	}
}

// WithMaxPropertyLength sets the length in characters above which a property
// value is left out of the graph form.
func WithMaxPropertyLength(n int) Option {
	return func(f *Flattener) error {
		if n <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidMaxPropertyLength, n)
		}
		f.maxPropertyLength = n
		return nil
	}
}

// WithIntrinsicKeys replaces the list of element key properties, checked in order.
func WithIntrinsicKeys(keys ...string) Option {
	return func(f *Flattener) error {
		f.intrinsicKeys = slices.Clone(keys)
		return nil
	}
}

// New creates a Flattener.
func New(opts ...Option) (*Flattener, error) {
	f := &Flattener{
		maxDepth:          DefaultMaxDepth,
		maxPropertyLength: DefaultMaxPropertyLength,
		intrinsicKeys:     slices.Clone(DefaultIntrinsicKeys),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// node is a pending entity on the work stack.
type node struct {
	entityType string
	key        string
	pkProps    []string
	addlKeys   [][]string
	labels     []string
	raw        map[string]any
	parent     *core.EntityRef
	relation   string
	arrayIndex int
	depth      int
}

// objectList is a list-of-objects property found while flattening.
type objectList struct {
	path  string
	items []map[string]any
}

// Flatten decomposes entity. The input is not modified.
func (f *Flattener) Flatten(entity *core.GraphEntity) (*Result, error) {
	if err := core.ValidateEntity(entity); err != nil {
		return nil, err
	}

	res := &Result{}
	root := &node{
		entityType: entity.EntityType,
		key:        entity.PrimaryKey(),
		pkProps:    slices.Clone(entity.PrimaryKeyProperties),
		addlKeys:   cloneKeySets(entity.AdditionalKeyProperties),
		labels:     sortedLabels(entity.Labels),
		raw:        entity.AdditionalProperties,
	}
	// Every reference emitted so far. A sub-entity may not repeat one.
	seen := map[core.EntityRef]bool{
		{EntityType: root.entityType, PrimaryKey: root.key}: true,
	}
	stack := []*node{root}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		props, lists := flattenProperties(n.raw)
		out := &core.GraphEntity{
			EntityType:              n.entityType,
			Key:                     n.key,
			PrimaryKeyProperties:    n.pkProps,
			AdditionalKeyProperties: n.addlKeys,
			AdditionalProperties:    props,
			Labels:                  n.labels,
			ParentRef:               n.parent,
			ArrayIndex:              n.arrayIndex,
		}
		ref := out.Ref()
		f.sanitize(out, res)
		res.Entities = append(res.Entities, out)

		if n.parent != nil {
			res.Relations = append(res.Relations, core.Relation{
				From:       *n.parent,
				To:         ref,
				Name:       n.relation,
				Properties: map[string]any{"array_index": n.arrayIndex},
			})
		}

		var children []*node
		for _, list := range lists {
			depth := n.depth + 1
			if depth > f.maxDepth {
				res.Warnings = append(res.Warnings, fmt.Errorf("%w: %s property %q has %d objects below max depth %d",
					core.ErrFlattenDepthExceeded, ref, list.path, len(list.items), f.maxDepth))
				continue
			}

			childType := n.entityType + "_" + strings.ReplaceAll(list.path, ".", "_")
			keys := make([]string, len(list.items))
			pks := make([][]string, len(list.items))
			// Elements without an intrinsic key claim their index keys first.
			for i, item := range list.items {
				keys[i], pks[i] = f.elementKey(n.key, item)
				if keys[i] == "" {
					keys[i] = indexKey(n.key, i)
					seen[core.EntityRef{EntityType: childType, PrimaryKey: keys[i]}] = true
				}
			}
			for i, item := range list.items {
				key, pkProps := keys[i], pks[i]
				childRef := core.EntityRef{EntityType: childType, PrimaryKey: key}
				if pkProps != nil {
					if seen[childRef] {
						key, pkProps = indexKey(n.key, i), nil
						childRef.PrimaryKey = key
					}
					if seen[childRef] {
						res.Warnings = append(res.Warnings, fmt.Errorf("%w: %s property %q element %d repeats %s",
							core.ErrDuplicateEntity, ref, list.path, i, childRef))
						continue
					}
					seen[childRef] = true
				}

				parent := ref
				children = append(children, &node{
					entityType: childType,
					key:        key,
					pkProps:    pkProps,
					raw:        item,
					parent:     &parent,
					relation:   list.path,
					arrayIndex: i,
					depth:      depth,
				})
			}
		}

		// Reverse so the first child is processed next.
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	return res, nil
}

// elementKey derives a list element's primary key from the first intrinsic
// key present with a non-empty scalar value, scoped under the parent as
// {parentKey}_{value}. It returns "" when the element has none.
func (f *Flattener) elementKey(parentKey string, item map[string]any) (string, []string) {
	for _, k := range f.intrinsicKeys {
		v, ok := item[k]
		if !ok || !core.IsScalar(v) {
			continue
		}
		if s := core.ScalarString(v); s != "" {
			return parentKey + "_" + s, []string{k}
		}
	}
	return "", nil
}

func indexKey(parentKey string, index int) string {
	return fmt.Sprintf("%s_%d", parentKey, index)
}

// sanitize removes property values longer than the length cap. Key
// properties are never removed.
func (f *Flattener) sanitize(e *core.GraphEntity, res *Result) {
	keep := make(map[string]bool, len(e.PrimaryKeyProperties))
	for _, k := range e.PrimaryKeyProperties {
		keep[k] = true
	}

	paths := make([]string, 0, len(e.AdditionalProperties))
	for path := range e.AdditionalProperties {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if keep[path] {
			continue
		}
		size, err := valueLength(e.AdditionalProperties[path])
		if err == nil && size <= f.maxPropertyLength {
			continue
		}
		delete(e.AdditionalProperties, path)
		res.Dropped = append(res.Dropped, Dropped{Entity: e.Ref(), Property: path, Size: size})
	}
}

// valueLength is the length of v in characters. Strings count their runes;
// other values count the runes of their unescaped JSON form.
func valueLength(v any) (int, error) {
	if s, ok := v.(string); ok {
		return utf8.RuneCountInString(s), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return 0, err
	}
	return utf8.RuneCount(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// flattenProperties turns nested objects into dotted paths and separates out
// lists of objects. Lists come back sorted by path.
func flattenProperties(raw map[string]any) (map[string]any, []objectList) {
	type frame struct {
		prefix string
		m      map[string]any
	}

	props := make(map[string]any, len(raw))
	var lists []objectList
	stack := []frame{{m: raw}}

	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for k, v := range fr.m {
			path := fr.prefix + k
			switch x := v.(type) {
			case map[string]any:
				if len(x) == 0 {
					props[path] = x
					continue
				}
				stack = append(stack, frame{prefix: path + ".", m: x})
			case []map[string]any:
				if len(x) == 0 {
					props[path] = []any{}
					continue
				}
				lists = append(lists, objectList{path: path, items: x})
			case []any:
				if items, ok := asObjects(x); ok {
					lists = append(lists, objectList{path: path, items: items})
					continue
				}
				props[path] = x
			default:
				props[path] = v
			}
		}
	}

	sort.Slice(lists, func(i, j int) bool { return lists[i].path < lists[j].path })
	return props, lists
}

// asObjects reports whether every element of a non-empty list is an object.
func asObjects(list []any) ([]map[string]any, bool) {
	if len(list) == 0 {
		return nil, false
	}
	items := make([]map[string]any, len(list))
	for i, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		items[i] = m
	}
	return items, true
}

func sortedLabels(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	out := slices.Clone(labels)
	slices.Sort(out)
	return slices.Compact(out)
}

func cloneKeySets(sets [][]string) [][]string {
	if sets == nil {
		return nil
	}
	out := make([][]string, len(sets))
	for i, s := range sets {
		out[i] = slices.Clone(s)
	}
	return out
}
