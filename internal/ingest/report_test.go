package ingest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/kiranshivaraju/errtrack/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitBatch(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "single object", body: `{"message":"boom","platform":"web"}`, want: 1},
		{name: "array", body: `[{"message":"a"},{"message":"b"},{}]`, want: 3},
		{name: "empty array", body: `[]`, want: 0},
		{name: "leading whitespace", body: "\n  {\"message\":\"a\"}", want: 1},
		{name: "empty body", body: ``, wantErr: true},
		{name: "truncated json", body: `{"message":`, wantErr: true},
		{name: "bare string", body: `"boom"`, wantErr: true},
		{name: "null", body: `null`, wantErr: true},
		{name: "broken array", body: `[{"message":"a"},`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitBatch([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedBatch)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestDecodeReport_Defaults(t *testing.T) {
	r, err := DecodeReport(json.RawMessage(`{"message":"boom","platform":"server"}`))
	require.NoError(t, err)
	assert.Equal(t, models.LevelError, r.Level)
	assert.Equal(t, "production", r.Environment)
}

func TestDecodeReport_CamelCaseFields(t *testing.T) {
	r, err := DecodeReport(json.RawMessage(`{
		"message": "boom",
		"platform": "mobile_ios",
		"stackTrace": "at a (b.js:1:1)",
		"userId": "u-1",
		"breadcrumbs": [{"category": "nav", "message": "home"}],
		"tags": {"region": "eu"},
		"context": {"cart": 3},
		"fingerprint": "custom"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "at a (b.js:1:1)", r.StackTrace)
	assert.Equal(t, "u-1", r.UserID)
	require.Len(t, r.Breadcrumbs, 1)
	assert.Equal(t, "nav", r.Breadcrumbs[0].Category)
	assert.Equal(t, "eu", r.Tags["region"])
	assert.Equal(t, "custom", r.fingerprint())
}

func TestValidate_Rejects(t *testing.T) {
	valid := func() Report { return Report{Message: "boom", Platform: models.PlatformWeb} }

	tests := []struct {
		name   string
		mutate func(r *Report)
	}{
		{"missing message", func(r *Report) { r.Message = "" }},
		{"message too long", func(r *Report) { r.Message = strings.Repeat("x", maxMessage+1) }},
		{"stack too long", func(r *Report) { r.StackTrace = strings.Repeat("x", maxStackTrace+1) }},
		{"unknown level", func(r *Report) { r.Level = "debug" }},
		{"missing platform", func(r *Report) { r.Platform = "" }},
		{"unknown platform", func(r *Report) { r.Platform = "desktop" }},
		{"fingerprint too long", func(r *Report) { r.Fingerprint = strings.Repeat("f", 65) }},
		{"too many breadcrumbs", func(r *Report) { r.Breadcrumbs = make([]models.Breadcrumb, maxBreadcrumbs+1) }},
		{"breadcrumb message too long", func(r *Report) {
			r.Breadcrumbs = []models.Breadcrumb{{Message: strings.Repeat("x", maxBreadcrumbMessage+1)}}
		}},
		{"tag value too long", func(r *Report) { r.Tags = map[string]string{"k": strings.Repeat("x", maxTagValue+1)} }},
		{"url too long", func(r *Report) { r.URL = strings.Repeat("x", maxURL+1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			assert.ErrorIs(t, r.Validate(), ErrInvalidReport)
		})
	}
}

func TestValidate_LimitsCountCharacters(t *testing.T) {
	// 8192 multi-byte runes is within the limit even though it exceeds 8192 bytes.
	r := Report{Message: strings.Repeat("é", maxMessage), Platform: models.PlatformWeb}
	assert.NoError(t, r.Validate())

	r.Fingerprint = strings.Repeat("f", 64)
	assert.NoError(t, r.Validate())
}

func TestDecodeReport_BreadcrumbTimestampsAnyShape(t *testing.T) {
	stamps := []string{
		`1718000000000`,
		`1718000000.123`,
		`"2024-06-10 10:00:00"`,
		`"2024-06-10T10:00:00Z"`,
		`null`,
	}
	for _, ts := range stamps {
		t.Run(ts, func(t *testing.T) {
			r, err := DecodeReport(json.RawMessage(`{"message": "boom", "platform": "web",
				"breadcrumbs": [{"timestamp": ` + ts + `, "category": "nav"}]}`))
			require.NoError(t, err)
			require.NoError(t, r.Validate())
			require.Len(t, r.Breadcrumbs, 1)
			assert.Equal(t, "nav", r.Breadcrumbs[0].Category)

			out, err := json.Marshal(r.Breadcrumbs[0])
			require.NoError(t, err)
			assert.True(t, json.Valid(out))
		})
	}
}

func TestDecodeReport_WrongTypes(t *testing.T) {
	_, err := DecodeReport(json.RawMessage(`{"message": 42, "platform": "web"}`))
	assert.ErrorIs(t, err, ErrInvalidReport)

	_, err = DecodeReport(json.RawMessage(`{"message": "boom", "platform": "web", "tags": {"n": 1}}`))
	assert.ErrorIs(t, err, ErrInvalidReport)
}
