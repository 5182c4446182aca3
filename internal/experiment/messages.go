package experiment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExtractMessages reads chat messages from input at a gjson dot path
// (e.g. "conversation.messages"). A missing path yields no messages.
func ExtractMessages(input json.RawMessage, path string) ([]Message, error) {
	path = strings.TrimSpace(path)
	if path == "" || len(input) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(input) {
		return nil, fmt.Errorf("messages: input is not valid JSON")
	}
	res := gjson.GetBytes(input, path)
	if !res.Exists() || res.Type == gjson.Null {
		return nil, nil
	}

	var items []gjson.Result
	switch {
	case res.IsArray():
		items = res.Array()
	case res.IsObject():
		items = []gjson.Result{res}
	default:
		return nil, fmt.Errorf("messages: %q is %s, want array or object", path, res.Type)
	}

	out := make([]Message, 0, len(items))
	for i, it := range items {
		if !it.IsObject() {
			return nil, fmt.Errorf("messages: %s[%d] is not an object", path, i)
		}
		role := it.Get("role")
		if !role.Exists() {
			return nil, fmt.Errorf("messages: %s[%d] has no role", path, i)
		}
		content := it.Get("content")
		text := content.String()
		if content.IsObject() || content.IsArray() {
			text = content.Raw
		}
		out = append(out, Message{Role: role.String(), Content: text})
	}
	return out, nil
}
