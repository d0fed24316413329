package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"authrisk/internal/config"
	"authrisk/internal/model"
)

// Fields holds one attempt as raw strings, before any typing.
type Fields struct {
	ID               string
	Timestamp        string
	Username         string
	Step             string
	DeviceID         string
	NetworkOperator  string
	Latency          string
	Fingerprint      string
	SourceAddress    string
	ClientDescriptor string
	Success          string
	Extras           map[string]string
	Raw              string
}

// Normalize types the raw fields. It does not validate required values;
// the engine does that for every source alike.
func Normalize(fields Fields, cfg *config.Config) (model.AttemptInput, error) {
	loc := time.UTC
	if cfg != nil && cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	var ts time.Time
	if strings.TrimSpace(fields.Timestamp) != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.AttemptInput{}, fmt.Errorf("%w: parse timestamp: %v", model.ErrInvalidInput, err)
		}
		ts = parsed.UTC()
	}

	step, err := ParseStep(fields.Step)
	if err != nil {
		return model.AttemptInput{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}

	latency := 0.0
	if v := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(fields.Latency), "ms")); v != "" {
		latency, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return model.AttemptInput{}, fmt.Errorf("%w: parse latency %q", model.ErrInvalidInput, fields.Latency)
		}
	}

	return model.AttemptInput{
		ID:               strings.TrimSpace(fields.ID),
		Username:         strings.TrimSpace(fields.Username),
		Step:             step,
		DeviceID:         strings.TrimSpace(fields.DeviceID),
		NetworkOperator:  strings.TrimSpace(fields.NetworkOperator),
		LatencyMs:        latency,
		Fingerprint:      strings.TrimSpace(fields.Fingerprint),
		SourceAddress:    strings.TrimSpace(fields.SourceAddress),
		ClientDescriptor: strings.TrimSpace(fields.ClientDescriptor),
		Success:          ParseSuccess(fields.Success),
		Timestamp:        ts,
		Source:           "log",
	}, nil
}

// ParseStep accepts the numeric step or its name. Empty is 0, which
// validation rejects.
func ParseStep(value string) (int, error) {
	n := strings.ToLower(strings.TrimSpace(value))
	switch n {
	case "":
		return 0, nil
	case "auth", "auth_request", "login":
		return model.StepAuth, nil
	case "otp", "otp_send", "otp_request":
		return model.StepOTPSend, nil
	case "otp_verify", "verify":
		return model.StepOTPVerify, nil
	}
	step, err := strconv.Atoi(n)
	if err != nil {
		return 0, fmt.Errorf("unknown step %q", value)
	}
	return step, nil
}

func ParseSuccess(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "ok", "success", "allow", "allowed", "granted", "pass":
		return true
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseTimestamp reads unix seconds, unix milliseconds or one of the
// layouts above. Values without a zone are taken in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
