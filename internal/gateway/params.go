package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"
)

// ParseParams flattens a form-encoded or JSON object body into string values.
// JSON numbers keep their literal text so signatures computed by the gateway
// over the same text still match.
func ParseParams(contentType string, body []byte) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(body)

	switch {
	case mediaType == "application/json" || ((mediaType == "" || mediaType == "text/plain") && bytes.HasPrefix(trimmed, []byte("{"))):
		return parseJSONParams(trimmed)
	case mediaType == "application/x-www-form-urlencoded" || mediaType == "" || mediaType == "text/plain":
		values, err := url.ParseQuery(string(trimmed))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		params := make(map[string]string, len(values))
		for k := range values {
			params[k] = values.Get(k)
		}
		return params, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayload, contentType)
}

func parseJSONParams(body []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	params := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case nil:
			params[k] = ""
		case string:
			params[k] = val
		case json.Number:
			params[k] = val.String()
		case bool:
			if val {
				params[k] = "true"
			} else {
				params[k] = "false"
			}
		default:
			raw, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("%w: field %s: %v", ErrMalformedCallback, k, err)
			}
			params[k] = string(raw)
		}
	}
	return params, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
