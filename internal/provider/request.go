package provider

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Request holds the fields recorded from a create call's parameters.
type Request struct {
	Model    string
	Messages json.RawMessage
	Tools    []string
}

var emptyMessages = json.RawMessage(`[]`)

// ParseRequest reads model, messages (or responses-style input) and tool names
// from the request parameters. It never fails: fields it cannot find fall back
// to "unknown", [] and nil.
func ParseRequest(params any) Request {
	req := Request{Model: "unknown", Messages: emptyMessages}

	raw, err := json.Marshal(params)
	if err != nil {
		return req
	}
	r := gjson.ParseBytes(raw)

	if m := r.Get("model").String(); m != "" {
		req.Model = m
	}
	if msgs := r.Get("messages"); msgs.Exists() && msgs.Type != gjson.Null {
		req.Messages = json.RawMessage(msgs.Raw)
	} else if in := r.Get("input"); in.Exists() && in.Type != gjson.Null {
		req.Messages = json.RawMessage(in.Raw)
	}

	if tools := r.Get("tools"); tools.IsArray() {
		names := []string{}
		tools.ForEach(func(_, t gjson.Result) bool {
			name := t.Get("function.name").String()
			if name == "" {
				name = t.Get("name").String()
			}
			if name != "" {
				names = append(names, name)
			}
			return true
		})
		req.Tools = names
	}
	return req
}
