package dslink

import (
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// RemoteNode is the requester's snapshot of a listed node, rebuilt from list rows.
// Children only carry the summary configs their parent lists.
type RemoteNode struct {
	Name       string
	Path       string
	Configs    map[string]any
	Attributes map[string]any
	Value      Value

	children   map[string]*RemoteNode
	childNames []string
}

func NewRemoteNode(path string) *RemoteNode {
	name := path
	if i := strings.LastIndex(path, "/"); 0 <= i {
		name = path[i+1:]
	}
	return &RemoteNode{
		Name:       name,
		Path:       path,
		Configs:    map[string]any{},
		Attributes: map[string]any{},
		children:   map[string]*RemoteNode{},
	}
}

func (self *RemoteNode) Class() string {
	if cls, ok := self.Configs["is"].(string); ok {
		return cls
	}
	return DefaultNodeClass
}

func (self *RemoteNode) Child(name string) *RemoteNode {
	return self.children[name]
}

func (self *RemoteNode) Children() []*RemoteNode {
	children := make([]*RemoteNode, 0, len(self.childNames))
	for _, name := range self.childNames {
		children = append(children, self.children[name])
	}
	return children
}

func (self *RemoteNode) Invokable() (Permission, bool) {
	return self.configPermission("invokable")
}

func (self *RemoteNode) Writable() (Permission, bool) {
	return self.configPermission("writable")
}

func (self *RemoteNode) configPermission(name string) (Permission, bool) {
	s, ok := self.Configs[name].(string)
	if !ok {
		return PermissionNever, false
	}
	permission, err := ParsePermission(s)
	if err != nil {
		return PermissionNever, false
	}
	return permission, true
}

// ApplyUpdates folds list rows into the snapshot. Rows are `[key, value]`,
// `["$value", value, ts]`, or `{"name": key, "change": "remove"}`.
func (self *RemoteNode) ApplyUpdates(updates []any) {
	for _, update := range updates {
		switch row := update.(type) {
		case []any:
			if len(row) < 2 {
				continue
			}
			key, ok := toString(row[0])
			if !ok || key == "" {
				continue
			}
			if key == "$value" {
				value := Value{Raw: row[1]}
				if 3 <= len(row) {
					if ts, ok := toString(row[2]); ok {
						if t, err := ParseTimestamp(ts); err == nil {
							value.Updated = t
						}
					}
				}
				if value.Updated.IsZero() {
					value.Updated = time.Now()
				}
				self.Value = value
				continue
			}
			self.set(key, row[1])
		case map[string]any:
			key, _ := toString(row["name"])
			if change, _ := toString(row["change"]); change == "remove" && key != "" {
				self.remove(key)
			}
		}
	}
}

func (self *RemoteNode) set(key string, value any) {
	switch key[0] {
	case '$':
		self.Configs[key[1:]] = value
	case '@':
		self.Attributes[key[1:]] = value
	default:
		child, ok := self.children[key]
		if !ok {
			childPath := self.Path + "/" + key
			child = NewRemoteNode(childPath)
			self.children[key] = child
			self.childNames = append(self.childNames, key)
		}
		if summary, ok := asMap(value); ok {
			for summaryKey, summaryValue := range summary {
				if summaryKey != "" {
					child.set(summaryKey, summaryValue)
				}
			}
		}
	}
}

func (self *RemoteNode) remove(key string) {
	switch key[0] {
	case '$':
		delete(self.Configs, key[1:])
	case '@':
		delete(self.Attributes, key[1:])
	default:
		if _, ok := self.children[key]; ok {
			delete(self.children, key)
			if i := slices.Index(self.childNames, key); 0 <= i {
				self.childNames = slices.Delete(self.childNames, i, i+1)
			}
		}
	}
}
