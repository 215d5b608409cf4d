package format

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRecords(n int) string {
	records := make([]map[string]any, n)
	for i := range records {
		records[i] = map[string]any{
			"id":    i,
			"title": fmt.Sprintf("record number %d with some descriptive text", i),
		}
	}
	out, _ := json.Marshal(records)
	return string(out)
}

func TestTruncateDisabled(t *testing.T) {
	fn := Truncate(0)
	long := strings.Repeat("x", 100000)

	out, err := fn(long)
	require.NoError(t, err)
	assert.Equal(t, long, out)
}

func TestTruncateWithinLimit(t *testing.T) {
	fn := Truncate(1000)

	out, err := fn("short output")
	require.NoError(t, err)
	assert.Equal(t, "short output", out)
}

func TestTruncateTopLevelArray(t *testing.T) {
	raw := makeRecords(500)
	limit := 2000
	require.Greater(t, len(raw), limit)

	out, err := Truncate(limit)(raw)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), limit)
	assert.Contains(t, out, "output truncated")

	// Everything before the notice is still valid JSON.
	jsonPart := out[:strings.Index(out, "\n\n... [")]
	var records []map[string]any
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &records))
	assert.NotEmpty(t, records)
	assert.Less(t, len(records), 500)
	assert.Equal(t, float64(0), records[0]["id"], "records are kept in order from the front")
}

func TestTruncateNestedArray(t *testing.T) {
	raw := fmt.Sprintf(`{"status":"ok","data":{"items":%s},"count":500}`, makeRecords(500))
	limit := 2500

	out, err := Truncate(limit)(raw)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), limit)

	jsonPart := out[:strings.Index(out, "\n\n... [")]
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(jsonPart), &doc))
	assert.Equal(t, "ok", doc["status"], "non-array fields survive")
	items := doc["data"].(map[string]any)["items"].([]any)
	assert.NotEmpty(t, items)
	assert.Less(t, len(items), 500)
}

func TestTruncatePlainText(t *testing.T) {
	raw := strings.Repeat("lorem ipsum dolor sit amet ", 2000)
	limit := 1000

	out, err := Truncate(limit)(raw)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), limit+100)
	assert.Contains(t, out, "output truncated")
	assert.True(t, strings.HasPrefix(out, "lorem ipsum"))
}

func TestTruncatePlainTextUTF8Boundary(t *testing.T) {
	raw := strings.Repeat("héllo wörld ", 2000)

	out, err := Truncate(500)(raw)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(out), "cut must not split a UTF-8 sequence")
}

func TestTruncateInvalidJSONFallsBack(t *testing.T) {
	raw := "{broken json " + strings.Repeat("x", 5000)

	out, err := Truncate(1000)(raw)
	require.NoError(t, err)
	assert.Contains(t, out, "output truncated")
	assert.LessOrEqual(t, len(out), 1100)
}

func TestTruncateGiantSingleRecord(t *testing.T) {
	// One record so large that structural truncation cannot help.
	raw := fmt.Sprintf(`[{"blob":"%s"}]`, strings.Repeat("a", 10000))

	out, err := Truncate(500)(raw)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 600)
	assert.Contains(t, out, "output truncated")
}
