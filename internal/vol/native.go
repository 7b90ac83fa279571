package vol

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/objectfs/cloudvol/pkg/errors"
)

// Native serves the group and attribute callbacks the connector passes
// through untouched. Paths are absolute within a file; "/" is the root
// group and always exists.
type Native interface {
	GroupCreate(h Handle, path string) error
	GroupOpen(h Handle, path string) error
	GroupInfo(h Handle, path string) (GroupInfo, error)
	GroupClose(h Handle, path string) error

	AttrCreate(h Handle, object, name string, value []byte) error
	AttrRead(h Handle, object, name string) ([]byte, error)
	AttrWrite(h Handle, object, name string, value []byte) error
	AttrExists(h Handle, object, name string) (bool, error)
	AttrDelete(h Handle, object, name string) error
	AttrClose(h Handle, object, name string) error

	// Release drops the state of a closed file.
	Release(h Handle)
}

// GroupInfo describes a group.
type GroupInfo struct {
	Path       string   `json:"path"`
	Links      []string `json:"links"`
	Attributes int      `json:"attributes"`
	OpenCount  int      `json:"open_count"`
}

type node struct {
	children map[string]*node
	attrs    map[string][]byte
	open     int
}

func newNode() *node {
	return &node{children: make(map[string]*node), attrs: make(map[string][]byte)}
}

// MemoryNative keeps one metadata tree per open file.
type MemoryNative struct {
	mu    sync.Mutex
	trees map[Handle]*node
}

// NewMemoryNative creates an empty pass-through store.
func NewMemoryNative() *MemoryNative {
	return &MemoryNative{trees: make(map[Handle]*node)}
}

func nativeErr(code errors.ErrorCode, op, p, msg string) error {
	return errors.NewError(code, msg).WithComponent("native").WithOperation(op).WithDetail("path", p)
}

func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// root returns the tree of h, creating it on first use. mu must be held.
func (n *MemoryNative) root(h Handle) *node {
	r, ok := n.trees[h]
	if !ok {
		r = newNode()
		n.trees[h] = r
	}
	return r
}

// lookup resolves p in the tree of h. mu must be held.
func (n *MemoryNative) lookup(h Handle, op, p string) (*node, error) {
	cur := n.root(h)
	for _, part := range splitPath(p) {
		next, ok := cur.children[part]
		if !ok {
			return nil, nativeErr(errors.ErrCodeObjectNotFound, op, p, "no such group")
		}
		cur = next
	}
	return cur, nil
}

// GroupCreate creates the group p; its parent must exist.
func (n *MemoryNative) GroupCreate(h Handle, p string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	parts := splitPath(p)
	if len(parts) == 0 {
		return nativeErr(errors.ErrCodeFileExists, "group_create", p, "root group always exists")
	}
	parent, err := n.lookup(h, "group_create", "/"+strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	if _, exists := parent.children[name]; exists {
		return nativeErr(errors.ErrCodeFileExists, "group_create", p, "group already exists")
	}
	g := newNode()
	g.open = 1
	parent.children[name] = g
	return nil
}

// GroupOpen opens an existing group.
func (n *MemoryNative) GroupOpen(h Handle, p string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	g, err := n.lookup(h, "group_open", p)
	if err != nil {
		return err
	}
	g.open++
	return nil
}

// GroupInfo lists the links and attribute count of a group.
func (n *MemoryNative) GroupInfo(h Handle, p string) (GroupInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	g, err := n.lookup(h, "group_get_info", p)
	if err != nil {
		return GroupInfo{}, err
	}
	links := make([]string, 0, len(g.children))
	for name := range g.children {
		links = append(links, name)
	}
	sort.Strings(links)
	return GroupInfo{
		Path:       path.Clean("/" + p),
		Links:      links,
		Attributes: len(g.attrs),
		OpenCount:  g.open,
	}, nil
}

// GroupClose closes a group opened by GroupCreate or GroupOpen.
func (n *MemoryNative) GroupClose(h Handle, p string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	g, err := n.lookup(h, "group_close", p)
	if err != nil {
		return err
	}
	if g.open == 0 {
		return nativeErr(errors.ErrCodeInvalidState, "group_close", p, "group is not open")
	}
	g.open--
	return nil
}

// AttrCreate attaches a new attribute to object.
func (n *MemoryNative) AttrCreate(h Handle, object, name string, value []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	g, err := n.lookup(h, "attr_create", object)
	if err != nil {
		return err
	}
	if _, exists := g.attrs[name]; exists {
		return nativeErr(errors.ErrCodeFileExists, "attr_create", object, "attribute "+name+" already exists")
	}
	g.attrs[name] = append([]byte(nil), value...)
	return nil
}

// AttrRead returns a copy of an attribute's value.
func (n *MemoryNative) AttrRead(h Handle, object, name string) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	v, err := n.attr(h, "attr_read", object, name)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

// AttrWrite replaces an existing attribute's value.
func (n *MemoryNative) AttrWrite(h Handle, object, name string, value []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := n.attr(h, "attr_write", object, name); err != nil {
		return err
	}
	g, _ := n.lookup(h, "attr_write", object)
	g.attrs[name] = append([]byte(nil), value...)
	return nil
}

// AttrExists reports whether object carries the attribute.
func (n *MemoryNative) AttrExists(h Handle, object, name string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	g, err := n.lookup(h, "attr_exists", object)
	if err != nil {
		return false, err
	}
	_, ok := g.attrs[name]
	return ok, nil
}

// AttrDelete removes an attribute.
func (n *MemoryNative) AttrDelete(h Handle, object, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := n.attr(h, "attr_delete", object, name); err != nil {
		return err
	}
	g, _ := n.lookup(h, "attr_delete", object)
	delete(g.attrs, name)
	return nil
}

// AttrClose validates that the attribute exists; attributes hold no open state.
func (n *MemoryNative) AttrClose(h Handle, object, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, err := n.attr(h, "attr_close", object, name)
	return err
}

func (n *MemoryNative) attr(h Handle, op, object, name string) ([]byte, error) {
	g, err := n.lookup(h, op, object)
	if err != nil {
		return nil, err
	}
	v, ok := g.attrs[name]
	if !ok {
		return nil, nativeErr(errors.ErrCodeObjectNotFound, op, object, "no attribute "+name)
	}
	return v, nil
}

// Release drops the tree of h.
func (n *MemoryNative) Release(h Handle) {
	n.mu.Lock()
	delete(n.trees, h)
	n.mu.Unlock()
}
