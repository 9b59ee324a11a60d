package backend

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
)

// listKeys are the wrapper fields the backend uses around lists.
var listKeys = []string{"chunk", "rooms", "members", "messages", "events", "state", "data"}

func parseBody(body []byte) (interface{}, error) {
	var raw interface{}
	if len(body) == 0 {
		return nil, nil
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	return raw, nil
}

// unwrap strips a {success, data} envelope.
func unwrap(raw interface{}) interface{} {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return raw
	}

	if _, ok := m["success"]; !ok {
		return raw
	}

	if data, ok := m["data"]; ok {
		return data
	}

	return raw
}

// normalise turns the shapes the backend answers with into one list: a bare
// array, an object wrapping the array in one of keys, or an object whose
// values are the elements (returned in key order).
func normalise(raw interface{}, keys ...string) []interface{} {
	raw = unwrap(raw)

	switch v := raw.(type) {
	case nil:
		return []interface{}{}
	case []interface{}:
		return v
	case map[string]interface{}:
		if len(keys) == 0 {
			keys = listKeys
		}

		for _, k := range keys {
			if list, ok := v[k]; ok {
				return normalise(list, keys...)
			}
		}

		names := make([]string, 0, len(v))
		for k, val := range v {
			if _, ok := val.(map[string]interface{}); !ok {
				logger.Debugf("normalise: ignoring non-object field %q", k)
				continue
			}

			names = append(names, k)
		}

		sort.Strings(names)

		out := make([]interface{}, 0, len(names))
		for _, k := range names {
			out = append(out, v[k])
		}

		return out
	default:
		logger.Errorf("normalise: unexpected payload type %T", raw)
		return []interface{}{}
	}
}

func Decode(input interface{}, output interface{}) error {
	config := &mapstructure.DecoderConfig{
		Metadata:         nil,
		Result:           output,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       timeHook,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

var timeType = reflect.TypeOf(time.Time{})

// timeHook accepts unix milliseconds or RFC3339 strings for time.Time fields.
func timeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != timeType {
		return data, nil
	}

	switch v := data.(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		return fromMillis(int64(v)), nil
	case int64:
		return fromMillis(v), nil
	case int:
		return fromMillis(int64(v)), nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}

		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return fromMillis(ms), nil
		}

		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, err
		}

		return t.UTC(), nil
	}

	return data, nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms).UTC()
}
