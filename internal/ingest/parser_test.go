package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	line := `2026-03-01 09:00:00 login username=user1 step=2 device_id=DEVICE_1 latency_ms=140 success=false ua="Mozilla/5.0"`
	fields, err := p.ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01 09:00:00", fields.Timestamp)
	assert.Equal(t, "user1", fields.Username)
	assert.Equal(t, "2", fields.Step)
	assert.Equal(t, "DEVICE_1", fields.DeviceID)
	assert.Equal(t, "140", fields.Latency)
	assert.Equal(t, "false", fields.Success)
	assert.Equal(t, "Mozilla/5.0", fields.ClientDescriptor)
}

func TestParseCSVWithHeader(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("username,device_id,step,success")
	require.NoError(t, err)
	assert.Nil(t, fields)

	fields, err = p.ParseLine("user2,BOT_DEVICE_1,1,0")
	require.NoError(t, err)
	require.NotNil(t, fields)
	assert.Equal(t, "user2", fields.Username)
	assert.Equal(t, "BOT_DEVICE_1", fields.DeviceID)
	assert.Equal(t, "1", fields.Step)
	assert.Equal(t, "0", fields.Success)
}

func TestParseCSVDefaultColumns(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("2026-03-01T09:00:00Z,user3,3,DEVICE_3,OperatorA,150,fp_3,true")
	require.NoError(t, err)
	assert.Equal(t, "user3", fields.Username)
	assert.Equal(t, "OperatorA", fields.NetworkOperator)
	assert.Equal(t, "fp_3", fields.Fingerprint)
	assert.Equal(t, "true", fields.Success)
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	line := `{"user":"user4","device":"D4","step":1,"latency":12.5,"ts":1772355600123,"success":true}`
	fields, err := p.ParseLine(line)
	require.NoError(t, err)
	assert.Equal(t, "user4", fields.Username)
	assert.Equal(t, "D4", fields.DeviceID)
	assert.Equal(t, "1", fields.Step)
	assert.Equal(t, "12.5", fields.Latency)
	assert.Equal(t, "1772355600123", fields.Timestamp)
	assert.Equal(t, "true", fields.Success)
}

func TestParseBlankLine(t *testing.T) {
	fields, err := NewParser().ParseLine("   ")
	require.NoError(t, err)
	assert.Nil(t, fields)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatBlank, DetectFormat("  "))
	assert.Equal(t, FormatJSON, DetectFormat(` {"username":"u"}`))
	assert.Equal(t, FormatCSV, DetectFormat("u,d,1"))
	assert.Equal(t, FormatKV, DetectFormat("username=u, device_id=d"))
	assert.Equal(t, "csv", FormatCSV.String())
}

func TestParseKVQuotedValueWithSpaces(t *testing.T) {
	fields, err := NewParser().ParseLine(`user=u5 device="Pixel 7 Pro" step=1 noise`)
	require.NoError(t, err)
	assert.Equal(t, "u5", fields.Username)
	assert.Equal(t, "Pixel 7 Pro", fields.DeviceID)
	assert.Equal(t, "1", fields.Step)
	assert.Empty(t, fields.Timestamp)
}

func TestParseBrokenJSONFallsBackToKV(t *testing.T) {
	fields, err := NewParser().ParseLine(`{broken username=u6 step=3`)
	require.NoError(t, err)
	assert.Equal(t, "u6", fields.Username)
	assert.Equal(t, "3", fields.Step)
}
