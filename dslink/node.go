package dslink

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type ValueType string

const (
	ValueTypeString  ValueType = "string"
	ValueTypeNumber  ValueType = "number"
	ValueTypeBool    ValueType = "bool"
	ValueTypeMap     ValueType = "map"
	ValueTypeArray   ValueType = "array"
	ValueTypeBinary  ValueType = "binary"
	ValueTypeDynamic ValueType = "dynamic"
)

func EnumType(values ...string) ValueType {
	return ValueType(fmt.Sprintf("enum[%s]", strings.Join(values, ",")))
}

const DefaultNodeClass = "node"

// configs shown for each child in the parent's list
var childSummaryConfigs = []string{"is", "type", "name", "invokable", "writable"}

type ValueChangeFunction func(node *Node, value Value)

// nodeObserver receives change notifications from a tree. It is set on the root and
// called without any node lock held.
type nodeObserver interface {
	valueChanged(node *Node, value Value, sids []int)
	listChanged(node *Node, rids []int, updates []any)
	nodeRemoved(sids []int, rids []int)
}

// Node is one addressable entity of the tree. The parent owns its children;
// `parent` is only used to rebuild the path and find the root.
type Node struct {
	mutex sync.Mutex
	// orders value stores with their subscriber updates
	emitLock sync.Mutex

	name     string
	parent   *Node
	observer nodeObserver

	children   map[string]*Node
	childNames []string

	configs    *orderedMap
	attributes *orderedMap

	value        Value
	action       *Action
	serializable bool

	// subscription ids of the responder subscriptions on this node
	subscribers map[int]struct{}
	// request ids of the open list streams on this node
	streams map[int]struct{}

	valueListeners *CallbackList[ValueChangeFunction]
}

func NewRootNode() *Node {
	return newNode("")
}

func newNode(name string) *Node {
	node := &Node{
		name:           name,
		children:       map[string]*Node{},
		configs:        newOrderedMap(),
		attributes:     newOrderedMap(),
		serializable:   true,
		subscribers:    map[int]struct{}{},
		streams:        map[int]struct{}{},
		valueListeners: NewCallbackList[ValueChangeFunction](),
	}
	node.configs.set("is", DefaultNodeClass)
	return node
}

func validNodeName(name string) error {
	if name == "" {
		return errors.New("node name is empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("node name %q contains /", name)
	}
	switch name[0] {
	case '$', '@', '?':
		return fmt.Errorf("node name %q starts with a reserved character", name)
	}
	return nil
}

func (self *Node) Name() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.name
}

func (self *Node) Parent() *Node {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.parent
}

// Path is `/`-separated from the root. The root path is the empty string.
func (self *Node) Path() string {
	segments := []string{}
	node := self
	for {
		node.mutex.Lock()
		name := node.name
		parent := node.parent
		node.mutex.Unlock()
		if parent == nil {
			break
		}
		segments = append(segments, name)
		node = parent
	}
	if len(segments) == 0 {
		return ""
	}
	slices.Reverse(segments)
	return "/" + strings.Join(segments, "/")
}

// Get resolves a path relative to this node. Empty segments are ignored.
// Returns nil when any segment is missing.
func (self *Node) Get(path string) *Node {
	node := self
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}
		node = node.Child(segment)
		if node == nil {
			return nil
		}
	}
	return node
}

func (self *Node) root() *Node {
	node := self
	for {
		parent := node.Parent()
		if parent == nil {
			return node
		}
		node = parent
	}
}

func (self *Node) treeObserver() nodeObserver {
	root := self.root()
	root.mutex.Lock()
	defer root.mutex.Unlock()
	return root.observer
}

func (self *Node) setObserver(observer nodeObserver) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.observer = observer
}

func (self *Node) Child(name string) *Node {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.children[name]
}

// Children in insertion order
func (self *Node) Children() []*Node {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	children := make([]*Node, 0, len(self.childNames))
	for _, name := range self.childNames {
		children = append(children, self.children[name])
	}
	return children
}

func (self *Node) CreateChild(name string) (*Node, error) {
	if err := validNodeName(name); err != nil {
		return nil, err
	}
	child := newNode(name)

	self.mutex.Lock()
	if _, ok := self.children[name]; ok {
		self.mutex.Unlock()
		return nil, fmt.Errorf("child %q already exists", name)
	}
	child.parent = self
	self.children[name] = child
	self.childNames = append(self.childNames, name)
	rids := idList(self.streams)
	self.mutex.Unlock()

	self.notifyList(rids, []any{child.summaryRow()})
	return child, nil
}

// RemoveChild detaches the child subtree. Its subscriptions and open streams are ended.
func (self *Node) RemoveChild(name string) bool {
	self.mutex.Lock()
	child, ok := self.children[name]
	if !ok {
		self.mutex.Unlock()
		return false
	}
	delete(self.children, name)
	if i := slices.Index(self.childNames, name); 0 <= i {
		self.childNames = slices.Delete(self.childNames, i, i+1)
	}
	rids := idList(self.streams)
	self.mutex.Unlock()

	sids, streamRids := child.detach()

	observer := self.treeObserver()
	if observer == nil {
		return true
	}
	if 0 < len(rids) {
		observer.listChanged(self, rids, []any{
			map[string]any{
				"name":   name,
				"change": "remove",
			},
		})
	}
	if 0 < len(sids) || 0 < len(streamRids) {
		observer.nodeRemoved(sids, streamRids)
	}
	return true
}

// RemoveChildren removes every child
func (self *Node) RemoveChildren() {
	for _, child := range self.Children() {
		self.RemoveChild(child.Name())
	}
}

// detach clears the parent and collects the subscriptions and streams of the subtree
func (self *Node) detach() (sids []int, rids []int) {
	self.mutex.Lock()
	self.parent = nil
	self.mutex.Unlock()
	return self.clearSubtree()
}

func (self *Node) clearSubtree() (sids []int, rids []int) {
	self.mutex.Lock()
	sids = idList(self.subscribers)
	rids = idList(self.streams)
	clear(self.subscribers)
	clear(self.streams)
	self.mutex.Unlock()

	for _, child := range self.Children() {
		childSids, childRids := child.clearSubtree()
		sids = append(sids, childSids...)
		rids = append(rids, childRids...)
	}
	return
}

func (self *Node) Value() Value {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.value
}

func (self *Node) SetValue(raw any) {
	self.SetValueAt(raw, time.Now())
}

// SetValueAt updates the value and pushes one update to every subscriber.
func (self *Node) SetValueAt(raw any, updated time.Time) {
	value := Value{
		Raw:     normalizeValue(raw),
		Updated: updated,
	}

	self.emitLock.Lock()
	self.mutex.Lock()
	self.value = value
	sids := idList(self.subscribers)
	self.mutex.Unlock()

	if 0 < len(sids) {
		if observer := self.treeObserver(); observer != nil {
			observer.valueChanged(self, value, sids)
		}
	}
	self.emitLock.Unlock()

	for _, valueListener := range self.valueListeners.Get() {
		HandleError(func() {
			valueListener(self, value)
		})
	}
}

// AddValueListener is called after every value change, local or from a `set` request.
func (self *Node) AddValueListener(valueListener ValueChangeFunction) int {
	return self.valueListeners.Add(valueListener)
}

func (self *Node) RemoveValueListener(id int) bool {
	return self.valueListeners.Remove(id)
}

func (self *Node) Config(name string) (any, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.configs.get(name)
}

func (self *Node) Configs() map[string]any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.configs.toMap()
}

func (self *Node) SetConfig(name string, value any) {
	self.setKeyed('$', name, normalizeValue(value))
}

func (self *Node) RemoveConfig(name string) bool {
	return self.removeKeyed('$', name)
}

func (self *Node) Attribute(name string) (any, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.attributes.get(name)
}

func (self *Node) Attributes() map[string]any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.attributes.toMap()
}

func (self *Node) SetAttribute(name string, value any) {
	self.setKeyed('@', name, normalizeValue(value))
}

func (self *Node) RemoveAttribute(name string) bool {
	return self.removeKeyed('@', name)
}

func (self *Node) keyedMap(prefix byte) *orderedMap {
	if prefix == '$' {
		return self.configs
	}
	return self.attributes
}

func (self *Node) setKeyed(prefix byte, name string, value any) {
	self.mutex.Lock()
	self.keyedMap(prefix).set(name, value)
	rids := idList(self.streams)
	parent := self.parent
	self.mutex.Unlock()

	self.notifyList(rids, []any{[]any{string(prefix) + name, value}})
	if prefix == '$' && parent != nil && slices.Contains(childSummaryConfigs, name) {
		parent.notifyChildChanged(self)
	}
}

func (self *Node) removeKeyed(prefix byte, name string) bool {
	if prefix == '$' && name == "is" {
		// every node has a class
		return false
	}
	self.mutex.Lock()
	removed := self.keyedMap(prefix).remove(name)
	rids := idList(self.streams)
	parent := self.parent
	self.mutex.Unlock()

	if !removed {
		return false
	}
	self.notifyList(rids, []any{
		map[string]any{
			"name":   string(prefix) + name,
			"change": "remove",
		},
	})
	if prefix == '$' && parent != nil && slices.Contains(childSummaryConfigs, name) {
		parent.notifyChildChanged(self)
	}
	return true
}

func (self *Node) notifyChildChanged(child *Node) {
	self.mutex.Lock()
	rids := idList(self.streams)
	self.mutex.Unlock()
	self.notifyList(rids, []any{child.summaryRow()})
}

func (self *Node) notifyList(rids []int, updates []any) {
	if len(rids) == 0 {
		return
	}
	if observer := self.treeObserver(); observer != nil {
		observer.listChanged(self, rids, updates)
	}
}

func (self *Node) Class() string {
	if cls, ok := self.Config("is"); ok {
		if s, ok := cls.(string); ok {
			return s
		}
	}
	return DefaultNodeClass
}

func (self *Node) SetClass(cls string) {
	self.SetConfig("is", cls)
}

func (self *Node) DisplayName() string {
	if name, ok := self.Config("name"); ok {
		if s, ok := name.(string); ok {
			return s
		}
	}
	return self.Name()
}

func (self *Node) SetDisplayName(name string) {
	self.SetConfig("name", name)
}

func (self *Node) SetType(valueType ValueType) {
	self.SetConfig("type", string(valueType))
}

// SetWritable lets `set` requests holding at least `permission` change the value.
func (self *Node) SetWritable(permission Permission) {
	self.SetConfig("writable", permission.String())
}

// Writable is the permission a `set` request needs. Nodes without `$writable` are not writable.
func (self *Node) Writable() Permission {
	writable, ok := self.Config("writable")
	if !ok {
		return PermissionNever
	}
	s, _ := writable.(string)
	permission, err := ParsePermission(s)
	if err != nil {
		return PermissionNever
	}
	return permission
}

func (self *Node) Action() *Action {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.action
}

// SetAction makes the node invokable and publishes the action schema as configs.
func (self *Node) SetAction(action *Action) {
	self.mutex.Lock()
	self.action = action
	self.mutex.Unlock()

	self.SetConfig("invokable", action.Permission.String())
	self.SetConfig("params", columnsToList(action.Params))
	if 0 < len(action.Columns) {
		self.SetConfig("columns", columnsToList(action.Columns))
	}
	if action.Result != "" {
		self.SetConfig("result", string(action.Result))
	}
}

func (self *Node) Serializable() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.serializable
}

// SetSerializable(false) excludes the subtree from nodes.json
func (self *Node) SetSerializable(serializable bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.serializable = serializable
}

// Subscribers are the responder subscription ids on this node, ascending
func (self *Node) Subscribers() []int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return idList(self.subscribers)
}

// Streams are the request ids of the list streams open on this node, ascending
func (self *Node) Streams() []int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return idList(self.streams)
}

func (self *Node) addSubscriber(sid int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.subscribers[sid] = struct{}{}
}

func (self *Node) removeSubscriber(sid int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.subscribers, sid)
}

func (self *Node) addStream(rid int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.streams[rid] = struct{}{}
}

func (self *Node) removeStream(rid int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.streams, rid)
}

// ListUpdates is the full state of the node as list rows:
// class, configs, attributes, value, then one row per child.
func (self *Node) ListUpdates() []any {
	self.mutex.Lock()
	cls, _ := self.configs.get("is")
	updates := []any{
		[]any{"$is", cls},
	}
	self.configs.each(func(name string, value any) {
		if name == "is" {
			return
		}
		updates = append(updates, []any{"$" + name, value})
	})
	self.attributes.each(func(name string, value any) {
		updates = append(updates, []any{"@" + name, value})
	})
	if self.value.IsSet() {
		updates = append(updates, []any{"$value", self.value.Raw, self.value.Timestamp()})
	}
	children := make([]*Node, 0, len(self.childNames))
	for _, name := range self.childNames {
		children = append(children, self.children[name])
	}
	self.mutex.Unlock()

	for _, child := range children {
		updates = append(updates, child.summaryRow())
	}
	return updates
}

func (self *Node) summaryRow() []any {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	summary := map[string]any{}
	for _, name := range childSummaryConfigs {
		if value, ok := self.configs.get(name); ok {
			summary["$"+name] = value
		}
	}
	return []any{self.name, summary}
}

func idList(ids map[int]struct{}) []int {
	list := make([]int, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	sort.Ints(list)
	return list
}

// orderedMap keeps keys in insertion order so list rows and nodes.json are stable
type orderedMap struct {
	keys   []string
	values map[string]any
}

func newOrderedMap() *orderedMap {
	return &orderedMap{
		values: map[string]any{},
	}
}

func (self *orderedMap) get(key string) (any, bool) {
	value, ok := self.values[key]
	return value, ok
}

func (self *orderedMap) set(key string, value any) {
	if _, ok := self.values[key]; !ok {
		self.keys = append(self.keys, key)
	}
	self.values[key] = value
}

func (self *orderedMap) remove(key string) bool {
	if _, ok := self.values[key]; !ok {
		return false
	}
	delete(self.values, key)
	if i := slices.Index(self.keys, key); 0 <= i {
		self.keys = slices.Delete(self.keys, i, i+1)
	}
	return true
}

func (self *orderedMap) each(callback func(key string, value any)) {
	for _, key := range self.keys {
		callback(key, self.values[key])
	}
}

func (self *orderedMap) toMap() map[string]any {
	m := make(map[string]any, len(self.values))
	for key, value := range self.values {
		m[key] = value
	}
	return m
}
