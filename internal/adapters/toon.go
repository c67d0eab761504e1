// TOON (Token-Oriented Object Notation) encoder for JSON tool results.
//
// DESIGN: TOON keeps JSON's data model but drops most punctuation:
//
//	users[2]{id,name}:
//	  1,Alice
//	  2,Bob
//	tags[3]: a,b,c
//	meta:
//	  page: 1
//
// Uniform arrays of flat objects become tables, primitive arrays become one
// line, everything else nests by indentation. Key order follows the input.
package adapters

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const toonIndent = "  "

var toonBareKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// EncodeTOON encodes a JSON object or array. Returns false for anything else.
func EncodeTOON(data []byte) (string, bool) {
	if !gjson.ValidBytes(data) {
		return "", false
	}
	root := gjson.ParseBytes(data)
	var b strings.Builder
	switch {
	case root.IsObject():
		writeTOONObject(&b, root, 0)
	case root.IsArray():
		writeTOONArray(&b, "", root, 0)
	default:
		return "", false
	}
	return strings.TrimRight(b.String(), "\n"), true
}

func writeTOONObject(b *strings.Builder, obj gjson.Result, depth int) {
	obj.ForEach(func(k, v gjson.Result) bool {
		writeTOONField(b, toonKey(k.String()), v, depth)
		return true
	})
}

func writeTOONField(b *strings.Builder, key string, v gjson.Result, depth int) {
	indent := strings.Repeat(toonIndent, depth)
	switch {
	case v.IsObject():
		b.WriteString(indent + key + ":\n")
		writeTOONObject(b, v, depth+1)
	case v.IsArray():
		writeTOONArray(b, key, v, depth)
	default:
		b.WriteString(indent + key + ": " + toonPrimitive(v) + "\n")
	}
}

func writeTOONArray(b *strings.Builder, key string, arr gjson.Result, depth int) {
	indent := strings.Repeat(toonIndent, depth)
	items := arr.Array()
	header := key + "[" + strconv.Itoa(len(items)) + "]"

	if allPrimitive(items) {
		vals := make([]string, len(items))
		for i, it := range items {
			vals[i] = toonPrimitive(it)
		}
		line := indent + header + ":"
		if len(vals) > 0 {
			line += " " + strings.Join(vals, ",")
		}
		b.WriteString(line + "\n")
		return
	}

	if fields, ok := tabularFields(items); ok {
		b.WriteString(indent + header + "{" + strings.Join(fields, ",") + "}:\n")
		rowIndent := strings.Repeat(toonIndent, depth+1)
		for _, it := range items {
			vals := make([]string, len(fields))
			i := 0
			it.ForEach(func(_, v gjson.Result) bool {
				vals[i] = toonPrimitive(v)
				i++
				return true
			})
			b.WriteString(rowIndent + strings.Join(vals, ",") + "\n")
		}
		return
	}

	b.WriteString(indent + header + ":\n")
	itemIndent := strings.Repeat(toonIndent, depth+1)
	for _, it := range items {
		switch {
		case it.IsObject():
			var sub strings.Builder
			writeTOONObject(&sub, it, depth+2)
			s := sub.String()
			if s == "" {
				b.WriteString(itemIndent + "-\n")
				continue
			}
			// First field shares the list marker line.
			b.WriteString(itemIndent + "- " + strings.TrimPrefix(s, itemIndent+toonIndent))
		case it.IsArray():
			var sub strings.Builder
			writeTOONArray(&sub, "", it, depth+1)
			b.WriteString(itemIndent + "- " + strings.TrimPrefix(sub.String(), itemIndent))
		default:
			b.WriteString(itemIndent + "- " + toonPrimitive(it) + "\n")
		}
	}
}

func allPrimitive(items []gjson.Result) bool {
	for _, it := range items {
		if it.IsObject() || it.IsArray() {
			return false
		}
	}
	return true
}

// tabularFields returns the shared field list when every item is a flat
// object with identical keys in identical order.
func tabularFields(items []gjson.Result) ([]string, bool) {
	if len(items) == 0 || !items[0].IsObject() {
		return nil, false
	}
	var fields []string
	flat := true
	items[0].ForEach(func(k, v gjson.Result) bool {
		if v.IsObject() || v.IsArray() {
			flat = false
			return false
		}
		fields = append(fields, toonKey(k.String()))
		return true
	})
	if !flat || len(fields) == 0 {
		return nil, false
	}
	for _, it := range items[1:] {
		if !it.IsObject() {
			return nil, false
		}
		i := 0
		ok := true
		it.ForEach(func(k, v gjson.Result) bool {
			if i >= len(fields) || toonKey(k.String()) != fields[i] || v.IsObject() || v.IsArray() {
				ok = false
				return false
			}
			i++
			return true
		})
		if !ok || i != len(fields) {
			return nil, false
		}
	}
	return fields, true
}

func toonKey(k string) string {
	if toonBareKey.MatchString(k) {
		return k
	}
	return quoteTOON(k)
}

func toonPrimitive(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		s := v.String()
		if needsTOONQuotes(s) {
			return quoteTOON(s)
		}
		return s
	case gjson.Null:
		return "null"
	default:
		return v.Raw
	}
}

func needsTOONQuotes(s string) bool {
	if s == "" || strings.TrimSpace(s) != s {
		return true
	}
	switch s {
	case "true", "false", "null":
		return true
	}
	if gjson.Parse(s).Type == gjson.Number && gjson.Valid(s) {
		return true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		return true
	}
	return strings.ContainsAny(s, ",:\"\\\n\r\t")
}

func quoteTOON(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}
