package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"authrisk/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.Fields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) *normalize.Fields {
	extras := make(map[string]string, len(obj))
	for key, val := range obj {
		extras[strings.ToLower(key)] = jsonString(val)
	}
	fields := fieldsFromMap(extras)
	fields.Extras = extras
	return fields
}

func jsonString(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

// fieldsFromMap picks attempt fields out of lower-cased keys, accepting
// the usual aliases.
func fieldsFromMap(m map[string]string) *normalize.Fields {
	return &normalize.Fields{
		ID:               firstNonEmpty(m, "id", "attempt_id"),
		Timestamp:        firstNonEmpty(m, "timestamp", "time", "ts"),
		Username:         firstNonEmpty(m, "username", "user", "user_id", "login"),
		Step:             firstNonEmpty(m, "step", "stage"),
		DeviceID:         firstNonEmpty(m, "device_id", "device", "deviceid"),
		NetworkOperator:  firstNonEmpty(m, "network_operator", "network", "operator", "carrier"),
		Latency:          firstNonEmpty(m, "latency_ms", "latency", "response_ms"),
		Fingerprint:      firstNonEmpty(m, "fingerprint", "device_fingerprint", "fp"),
		SourceAddress:    firstNonEmpty(m, "source_address", "ip", "ip_address", "remote_addr"),
		ClientDescriptor: firstNonEmpty(m, "client_descriptor", "user_agent", "ua"),
		Success:          firstNonEmpty(m, "success", "result", "status", "outcome"),
	}
}
