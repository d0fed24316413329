package ingest

import (
	"encoding/csv"
	"strings"
	"sync"
	"time"

	"authrisk/internal/normalize"
)

// Format is the shape of one raw attempt line.
type Format int

const (
	FormatBlank Format = iota
	FormatJSON
	FormatCSV
	FormatKV
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCSV:
		return "csv"
	case FormatKV:
		return "kv"
	}
	return "blank"
}

// DetectFormat classifies a line by its first significant character and
// separators. A line with both commas and '=' is key=value.
func DetectFormat(line string) Format {
	trim := strings.TrimSpace(line)
	switch {
	case trim == "":
		return FormatBlank
	case trim[0] == '{':
		return FormatJSON
	case strings.Contains(trim, ",") && !strings.Contains(trim, "="):
		return FormatCSV
	}
	return FormatKV
}

// Parser accepts JSON objects, CSV rows and key=value lines. One Parser
// serves one stream: the CSV header it learns applies to later rows.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil fields for blank lines and CSV headers. A line
// that looks like JSON but does not decode is retried as key=value.
func (p *Parser) ParseLine(line string) (*normalize.Fields, error) {
	trim := strings.TrimSpace(line)
	var (
		fields *normalize.Fields
		err    error
	)
	switch DetectFormat(trim) {
	case FormatBlank:
		return nil, nil
	case FormatJSON:
		fields, err = ParseJSONBytes([]byte(trim))
		if err != nil {
			fields, err = parseKV(trim), nil
		}
	case FormatCSV:
		fields, err = p.csv.Parse(trim)
	default:
		fields = parseKV(trim)
	}
	if err != nil || fields == nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

// parseKV reads key=value pairs; values may be double-quoted to carry
// spaces. A leading timestamp without a key is used when no timestamp
// pair is present.
func parseKV(line string) *normalize.Fields {
	prefix, rest := leadingTimestamp(line)
	kv := map[string]string{}
	for len(rest) > 0 {
		rest = strings.TrimLeft(rest, " \t")
		eq := strings.IndexByte(rest, '=')
		sp := strings.IndexAny(rest, " \t")
		if eq < 0 {
			break
		}
		if sp >= 0 && sp < eq {
			// bare word
			rest = rest[sp:]
			continue
		}
		key := strings.ToLower(rest[:eq])
		rest = rest[eq+1:]
		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				val, rest = rest[1:], ""
			} else {
				val, rest = rest[1:end+1], rest[end+2:]
			}
		} else if i := strings.IndexAny(rest, " \t"); i >= 0 {
			val, rest = rest[:i], rest[i:]
		} else {
			val, rest = rest, ""
		}
		if key != "" {
			kv[key] = val
		}
	}
	fields := fieldsFromMap(kv)
	fields.Extras = kv
	if fields.Timestamp == "" {
		fields.Timestamp = prefix
	}
	return fields
}

// leadingTimestamp splits off a "date time" or single-token timestamp at
// the start of a line.
func leadingTimestamp(line string) (string, string) {
	tokens := strings.SplitN(line, " ", 3)
	if len(tokens) >= 2 {
		candidate := tokens[0] + " " + tokens[1]
		if _, err := normalize.ParseTimestamp(candidate, time.UTC); err == nil {
			return candidate, strings.TrimPrefix(line, candidate)
		}
	}
	if len(tokens) >= 1 && !strings.Contains(tokens[0], "=") {
		if _, err := normalize.ParseTimestamp(tokens[0], time.UTC); err == nil {
			return tokens[0], strings.TrimPrefix(line, tokens[0])
		}
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// defaultColumns is the CSV layout assumed when no header was seen.
var defaultColumns = []string{
	"timestamp", "username", "step", "device_id", "network_operator", "latency_ms", "fingerprint", "success",
}

var headerNames = map[string]bool{
	"timestamp": true, "time": true, "ts": true, "username": true, "user": true,
	"step": true, "device_id": true, "device": true, "success": true, "latency_ms": true,
}

// CSVParser remembers the last header row it saw on a stream.
type CSVParser struct {
	mu     sync.Mutex
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.Fields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	columns := make([]string, len(record))
	isHeader := false
	for i, v := range record {
		columns[i] = strings.ToLower(strings.TrimSpace(v))
		isHeader = isHeader || headerNames[columns[i]]
	}

	p.mu.Lock()
	if isHeader {
		p.header = columns
		p.mu.Unlock()
		return nil, nil
	}
	header := p.header
	p.mu.Unlock()
	if header == nil {
		header = defaultColumns
	}

	kv := make(map[string]string, len(header))
	for i := 0; i < len(header) && i < len(record); i++ {
		kv[header[i]] = strings.TrimSpace(record[i])
	}
	fields := fieldsFromMap(kv)
	fields.Extras = kv
	return fields, nil
}
