package main

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// serverValueKey marks a map as a server-value placeholder on the wire,
// e.g. {".sv":"timestamp"}.
const serverValueKey = ".sv"

type serverValue struct {
	kind string
}

func (s serverValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{serverValueKey: s.kind})
}

// ServerTimestamp is a write-time placeholder that every backend replaces
// with its own clock, in Unix milliseconds, at the moment the write is
// applied. Clients never resolve it locally, so timestamps stay
// authoritative even across skewed machines.
var ServerTimestamp = serverValue{kind: "timestamp"}

// A Snapshot is the full value at a path at one point in time. Value is
// always plain JSON data (maps, slices, float64, string, bool, nil) and is
// safe to retain; stores never hand out aliases into live state.
type Snapshot struct {
	Path   string
	Value  any
	Exists bool
}

// Decode unmarshals the snapshot value into dst. Decoding a snapshot that
// does not exist leaves dst untouched.
func (s Snapshot) Decode(dst any) error {
	raw, err := json.Marshal(s.Value)
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, dst)
}

// A Subscription delivers full snapshots of a watched path: the current
// value immediately, then a fresh one after every write that touches the
// path. Delivery is conflated: a receiver that lags may miss intermediate
// snapshots but always gets the newest, never a stale backlog.
type Subscription struct {
	C <-chan Snapshot

	once   sync.Once
	cancel func()
}

// Close stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// A TxnFunc maps the current value at a path (nil when absent) to its
// replacement. Returning commit=false abandons the attempt without
// writing anything. Backends may call fn several times under contention,
// so it must be free of side effects.
type TxnFunc func(current any) (next any, commit bool)

// Store is a subscribable document tree addressed by slash-separated
// paths. All four backends (in-memory, Redis, NATS, and the websocket
// client) satisfy it, so game logic never knows which one it is riding.
type Store interface {
	// Get reads the value at path.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Put replaces the value at path. A nil value deletes it.
	Put(ctx context.Context, path string, value any) error

	// Update applies fields as one atomic patch. Field keys are
	// slash-separated paths relative to path; nil field values delete
	// their targets. Readers never observe a partially applied patch.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Txn runs a compare-and-set cycle at path: fn sees the current
	// value and proposes a replacement, and the store guarantees the
	// swap is atomic with respect to every other writer of that path.
	// The returned snapshot holds the committed value, or the value
	// that made fn abandon the attempt.
	Txn(ctx context.Context, path string, fn TxnFunc) (Snapshot, bool, error)

	// Delete removes the subtree at path.
	Delete(ctx context.Context, path string) error

	// Watch subscribes to the value at path.
	Watch(ctx context.Context, path string) (*Subscription, error)

	// NowMs is the current time in Unix milliseconds on the store's
	// clock, i.e. the local clock corrected by OffsetMs.
	NowMs() int64

	// OffsetMs is the signed estimate of how far the store's clock is
	// ahead of the local one.
	OffsetMs() int64

	Close() error
}

// splitPath validates and splits a slash-separated path. The empty path
// addresses the tree root.
func splitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}

	parts := strings.Split(trimmed, "/")

	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
		}
	}

	return parts, nil
}

func joinPath(parts ...string) string {
	kept := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.Trim(part, "/")

		if part != "" {
			kept = append(kept, part)
		}
	}

	return strings.Join(kept, "/")
}

// getAtPath walks the tree. The empty path returns the root itself.
func getAtPath(root map[string]any, parts []string) (any, bool) {
	var cur any = root

	for _, part := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}

		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

// setAtPath writes value at parts, creating intermediate maps and
// displacing any scalar that stands where a map is needed.
func setAtPath(root map[string]any, parts []string, value any) {
	node := root

	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}

		node = child
	}

	node[parts[len(parts)-1]] = value
}

func deleteAtPath(root map[string]any, parts []string) {
	node := root

	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			return
		}

		node = child
	}

	delete(node, parts[len(parts)-1])
}

// normalizeValue reduces v to the JSON data model so values merge and
// compare consistently no matter which Go types produced them.
func normalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any

	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// resolveServerValues replaces {".sv":"timestamp"} markers with nowMs.
func resolveServerValues(v any, nowMs int64) any {
	switch node := v.(type) {
	case map[string]any:
		if len(node) == 1 {
			if kind, ok := node[serverValueKey]; ok && kind == "timestamp" {
				return float64(nowMs)
			}
		}

		for key, child := range node {
			node[key] = resolveServerValues(child, nowMs)
		}
	case []any:
		for i, child := range node {
			node[i] = resolveServerValues(child, nowMs)
		}
	}

	return v
}

// prepareValue normalizes v and stamps any server-value placeholders.
// Every backend runs writes through this before they become visible.
func prepareValue(v any, nowMs int64) (any, error) {
	norm, err := normalizeValue(v)
	if err != nil {
		return nil, err
	}

	return resolveServerValues(norm, nowMs), nil
}

// applyFields merges a patch into current (the value at the patch root),
// returning a fresh tree. Field order is fixed by sorting so overlapping
// keys resolve the same way everywhere.
func applyFields(current any, fields map[string]any, nowMs int64) (any, error) {
	root, ok := copyValue(current).(map[string]any)
	if !ok {
		root = map[string]any{}
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		parts, err := splitPath(key)
		if err != nil {
			return nil, err
		}

		if len(parts) == 0 {
			return nil, fmt.Errorf("%w: empty field path in patch", ErrBadPath)
		}

		if fields[key] == nil {
			deleteAtPath(root, parts)

			continue
		}

		prepared, err := prepareValue(fields[key], nowMs)
		if err != nil {
			return nil, err
		}

		setAtPath(root, parts, prepared)
	}

	return root, nil
}

// projectValue walks rel inside doc, reporting absence. exists describes
// the document itself, so a missing document projects to a miss at every
// depth.
func projectValue(doc any, exists bool, rel []string) (any, bool) {
	value, ok := doc, exists

	for _, part := range rel {
		if !ok {
			break
		}

		node, isMap := value.(map[string]any)
		if !isMap {
			value, ok = nil, false

			break
		}

		value, ok = node[part]
	}

	if !ok {
		return nil, false
	}

	return value, true
}

// splitDocPath carves a path into its document key (the first two
// segments, e.g. "rooms/QJ4M") and the remainder inside the document.
// The key/value backends address whole documents this way; paths
// shallower than a document are rejected.
func splitDocPath(path string) (string, []string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return "", nil, err
	}

	if len(parts) < 2 {
		return "", nil, fmt.Errorf("%w: %q is shallower than a document", ErrBadPath, path)
	}

	return parts[0] + "/" + parts[1], parts[2:], nil
}

// mutateAt rewrites the node at rest inside doc, returning the new doc.
// The empty rest mutates the document itself. mutate receives a copy and
// returns the replacement; nil removes the node.
func mutateAt(doc any, rest []string, mutate func(node any) (any, error)) (any, error) {
	if len(rest) == 0 {
		return mutate(copyValue(doc))
	}

	root, ok := copyValue(doc).(map[string]any)
	if !ok {
		root = map[string]any{}
	}

	node, _ := getAtPath(root, rest)

	next, err := mutate(node)
	if err != nil {
		return nil, err
	}

	if next == nil {
		deleteAtPath(root, rest)
	} else {
		setAtPath(root, rest, next)
	}

	return root, nil
}

func copyValue(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))

		for key, child := range node {
			out[key] = copyValue(child)
		}

		return out
	case []any:
		out := make([]any, len(node))

		for i, child := range node {
			out[i] = copyValue(child)
		}

		return out
	default:
		return v
	}
}

// valuesEqual compares two normalized values structurally. Used by the
// wire protocol's compare-and-set, where the client sends the value it
// read rather than an internal revision.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// asInt64 reads a stored JSON number, tolerating the float64 form the
// codec produces. Absent or non-numeric values count as zero.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}

		return i
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)

	return s
}

// pathsOverlap reports whether a write at a is visible to a watcher at b,
// which holds when either path is a prefix of the other.
func pathsOverlap(a, b []string) bool {
	n := min(len(a), len(b))

	for i := range n {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
