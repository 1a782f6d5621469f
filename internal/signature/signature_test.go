package signature

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePrefersAPIToken(t *testing.T) {
	got := Generate(map[string]string{"WEBDFPID": "abc-def"}, `{"a2":123}`)
	assert.Equal(t, `{"a2":123}`, got)
}

func TestGenerateSynthesisesFreshTimestamp(t *testing.T) {
	before := time.Now().UnixMilli()
	raw := Generate(map[string]string{"WEBDFPID": "prefix123-rest-of-id"}, "")
	after := time.Now().UnixMilli()

	var tok map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &tok))

	assert.Equal(t, "1.2", tok["a1"])
	assert.Equal(t, "prefix123", tok["a3"])
	assert.Equal(t, "4.1.1,7,205", tok["a9"])
	assert.Equal(t, float64(4), tok["x0"])

	ts := int64(tok["a2"].(float64))
	assert.GreaterOrEqual(t, ts, before)
	assert.LessOrEqual(t, ts, after)
}

func TestGenerateDefaultFingerprint(t *testing.T) {
	for _, cookies := range []map[string]string{
		nil,
		{},
		{"WEBDFPID": "nodashes"},
	} {
		raw := Generate(cookies, "")
		var tok map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &tok))
		assert.Equal(t, defaultFingerprint, tok["a3"])
	}
}

func TestGenerateTwoCallsDiffer(t *testing.T) {
	a := Generate(nil, "")
	time.Sleep(2 * time.Millisecond)
	b := Generate(nil, "")
	assert.NotEqual(t, a, b)
}
