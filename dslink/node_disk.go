package dslink

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	gjson "github.com/goccy/go-json"
	"github.com/golang/glog"
)

const NodesFilename = "nodes.json"

// NodeFactory re-attaches behavior (actions, listeners) to a node by its class
type NodeFactory func(node *Node)

type NodeClasses struct {
	mutex     sync.Mutex
	factories map[string]NodeFactory
}

func NewNodeClasses() *NodeClasses {
	return &NodeClasses{
		factories: map[string]NodeFactory{},
	}
}

func (self *NodeClasses) Add(name string, factory NodeFactory) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.factories[name] = factory
}

func (self *NodeClasses) Get(name string) (NodeFactory, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	factory, ok := self.factories[name]
	return factory, ok
}

func (self *NodeClasses) apply(node *Node) {
	if factory, ok := self.Get(node.Class()); ok {
		HandleError(func() {
			factory(node)
		})
	}
}

// Serialize is the nodes.json form of the subtree: `$` configs, `@` attributes,
// `?value`, and one nested object per serializable child.
func (self *Node) Serialize() map[string]any {
	self.mutex.Lock()
	m := map[string]any{}
	self.configs.each(func(name string, value any) {
		m["$"+name] = value
	})
	self.attributes.each(func(name string, value any) {
		m["@"+name] = value
	})
	if self.value.IsSet() {
		m["?value"] = self.value.Raw
	}
	children := make([]*Node, 0, len(self.childNames))
	for _, name := range self.childNames {
		children = append(children, self.children[name])
	}
	self.mutex.Unlock()

	for _, child := range children {
		if child.Serializable() {
			m[child.Name()] = child.Serialize()
		}
	}
	return m
}

// Deserialize merges the nodes.json form into the subtree, then applies the class factory
// of every restored node.
func (self *Node) Deserialize(data map[string]any, classes *NodeClasses) {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key == "" {
			continue
		}
		value := data[key]
		switch key[0] {
		case '$':
			self.SetConfig(key[1:], value)
		case '@':
			self.SetAttribute(key[1:], value)
		case '?':
			if key == "?value" {
				self.SetValue(value)
			}
		default:
			childData, ok := asMap(value)
			if !ok {
				glog.V(1).Infof("[n]skip %s/%s: not an object\n", self.Path(), key)
				continue
			}
			child := self.Child(key)
			if child == nil {
				var err error
				child, err = self.CreateChild(key)
				if err != nil {
					glog.V(1).Infof("[n]skip %s/%s = %s\n", self.Path(), key, err)
					continue
				}
			}
			child.Deserialize(childData, classes)
		}
	}
	if classes != nil {
		classes.apply(self)
	}
}

// DiskSerializer saves and restores a node tree in `nodes.json` under the storage dir.
type DiskSerializer struct {
	storageDir string
	root       *Node
	classes    *NodeClasses
}

func NewDiskSerializer(storageDir string, root *Node, classes *NodeClasses) *DiskSerializer {
	return &DiskSerializer{
		storageDir: storageDir,
		root:       root,
		classes:    classes,
	}
}

func (self *DiskSerializer) Path() string {
	return filepath.Join(self.storageDir, NodesFilename)
}

func (self *DiskSerializer) Save() error {
	data, err := gjson.MarshalIndent(self.root.Serialize(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(self.storageDir, 0700); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	if err := AtomicWrite(self.Path(), data, 0600); err != nil {
		return err
	}
	glog.V(2).Infof("[n]wrote %d bytes to %s\n", len(data), self.Path())
	return nil
}

// Load restores the tree. Returns false without error when there is no saved tree.
// A corrupt file resets the root and returns the decode error.
func (self *DiskSerializer) Load() (bool, error) {
	data, err := os.ReadFile(self.Path())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var m map[string]any
	if err := gjson.Unmarshal(data, &m); err != nil {
		glog.Infof("[n]failed to load %s = %s\n", self.Path(), err)
		self.root.RemoveChildren()
		return false, err
	}
	self.root.Deserialize(m, self.classes)
	return true, nil
}
