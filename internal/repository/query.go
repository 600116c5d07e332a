package repository

import (
	"bytes"
	"encoding/json"
	"sort"
)

type Filter struct {
	Field string
	Value string
}

type Query struct {
	Collection Collection
	Where      []Filter
	OrderBy    string
	Desc       bool
	Limit      int
}

func Where(c Collection, field, value string) Query {
	return Query{Collection: c, Where: []Filter{{Field: field, Value: value}}}
}

func All(c Collection) Query {
	return Query{Collection: c}
}

func (q Query) And(field, value string) Query {
	where := make([]Filter, 0, len(q.Where)+1)
	where = append(where, q.Where...)
	q.Where = append(where, Filter{Field: field, Value: value})
	return q
}

func (q Query) Order(field string, desc bool) Query {
	q.OrderBy = field
	q.Desc = desc
	return q
}

func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// Matches применяет фильтр к уже раскодированному документу.
// Сравниваются только строковые поля.
func (q Query) Matches(fields map[string]json.RawMessage) bool {
	for _, f := range q.Where {
		raw, ok := fields[f.Field]
		if !ok {
			return false
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil || value != f.Value {
			return false
		}
	}
	return true
}

// Apply фильтрует, сортирует и обрезает документы; используется адаптерами без своего движка запросов
func (q Query) Apply(docs []Doc) []Doc {
	type row struct {
		doc Doc
		key json.RawMessage
	}
	rows := make([]row, 0, len(docs))
	for _, d := range docs {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(d.Data, &fields); err != nil {
			continue
		}
		if !q.Matches(fields) {
			continue
		}
		rows = append(rows, row{doc: d, key: fields[q.OrderBy]})
	}

	if q.OrderBy != "" {
		sort.SliceStable(rows, func(i, j int) bool {
			c := compareJSON(rows[i].key, rows[j].key)
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	}

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	res := make([]Doc, len(rows))
	for i, r := range rows {
		res[i] = r.doc
	}
	return res
}

// compareJSON: отсутствующее значение меньше любого, числа сравниваются как числа
func compareJSON(a, b json.RawMessage) int {
	if len(a) == 0 || len(b) == 0 {
		return len(a) - len(b)
	}
	var fa, fb float64
	if json.Unmarshal(a, &fa) == nil && json.Unmarshal(b, &fb) == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	var sa, sb string
	if json.Unmarshal(a, &sa) == nil && json.Unmarshal(b, &sb) == nil {
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	}
	return bytes.Compare(a, b)
}
