package dslink

type ResultType string

const (
	ResultValues ResultType = "values"
	ResultTable  ResultType = "table"
	ResultStream ResultType = "stream"
)

// Column describes one action parameter or one output column
type Column struct {
	Name    string
	Type    ValueType
	Default any
	// optional ui hint, e.g. "textarea" or "password"
	Editor      string
	Description string
}

func (self Column) ToMap() map[string]any {
	m := map[string]any{
		"name": self.Name,
		"type": string(self.Type),
	}
	if self.Default != nil {
		m["default"] = normalizeValue(self.Default)
	}
	if self.Editor != "" {
		m["editor"] = self.Editor
	}
	if self.Description != "" {
		m["description"] = self.Description
	}
	return m
}

func columnsToList(columns []Column) []any {
	list := make([]any, 0, len(columns))
	for _, column := range columns {
		list = append(list, column.ToMap())
	}
	return list
}

// ColumnsFromList reads a `columns` or `$params` list. Entries without a name are skipped.
func ColumnsFromList(list []any) []Column {
	columns := []Column{}
	for _, e := range list {
		m, ok := asMap(e)
		if !ok {
			continue
		}
		name, _ := toString(m["name"])
		if name == "" {
			continue
		}
		column := Column{
			Name:    name,
			Default: m["default"],
		}
		if t, ok := toString(m["type"]); ok {
			column.Type = ValueType(t)
		}
		column.Editor, _ = toString(m["editor"])
		column.Description, _ = toString(m["description"])
		columns = append(columns, column)
	}
	return columns
}

// ActionHandler runs on its own goroutine, once per invoke request.
// Results are pushed through the context; the handler should stop when `Done()` closes.
type ActionHandler func(invocation *InvocationContext)

type Action struct {
	// required of the invoking request
	Permission Permission
	Params     []Column
	Columns    []Column
	Result     ResultType
	Handler    ActionHandler
}
