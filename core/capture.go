package core

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ExtractCredentials picks out of a parsed request body the fields whose
// names contain any of the target's capture patterns. Matching is
// case-insensitive on both sides; the first matching pattern claims the
// field.
func ExtractCredentials(fields map[string]string, t *Target) map[string]string {
	creds := make(map[string]string)
	for name, value := range fields {
		if value == "" {
			continue
		}
		lname := strings.ToLower(name)
		for _, pattern := range t.CaptureFields {
			if strings.Contains(lname, strings.ToLower(pattern)) {
				creds[name] = value
				break
			}
		}
	}
	return creds
}

// parseFormBody decodes application/x-www-form-urlencoded request bodies.
// Repeated keys keep the first value.
func parseFormBody(body []byte) (map[string]string, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("form body parse failed: %v", err)
	}
	fields := make(map[string]string)
	for k, v := range values {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return fields, nil
}

// parseJSONBody flattens the top level of a JSON object body. Only scalar
// values are considered; nested objects and arrays are skipped.
func parseJSONBody(body []byte) (map[string]string, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("json body parse failed: %v", err)
	}
	fields := make(map[string]string)
	for k, v := range obj {
		switch tv := v.(type) {
		case string:
			fields[k] = tv
		case float64:
			fields[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case bool:
			fields[k] = strconv.FormatBool(tv)
		}
	}
	return fields, nil
}

// captureFromBody inspects a request body by content type and returns any
// credentials matched for the target. The original body bytes are always
// forwarded upstream untouched.
func captureFromBody(body []byte, content_type string, t *Target) map[string]string {
	if len(body) == 0 {
		return nil
	}
	ct := strings.ToLower(content_type)
	var fields map[string]string
	var err error
	switch {
	case strings.Contains(ct, "application/x-www-form-urlencoded"):
		fields, err = parseFormBody(body)
	case strings.Contains(ct, "application/json"):
		fields, err = parseJSONBody(body)
	default:
		return nil
	}
	if err != nil || len(fields) == 0 {
		return nil
	}
	return ExtractCredentials(fields, t)
}
