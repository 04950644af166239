package operation

import (
	"encoding/json"
	"testing"

	"github.com/srg/blegw/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult(t *testing.T) {
	ok := Success(map[string]any{"value": "0a"})
	assert.True(t, ok.OK())
	assert.Equal(t, 200, ok.Code)
	assert.NotEmpty(t, ok.RequestID)

	fail := Failure(ReasonNotConnected)
	assert.False(t, fail.OK())
	assert.Equal(t, 400, fail.Code)
	assert.NotEqual(t, ok.RequestID, fail.RequestID, "every result MUST carry its own request id")
}

func TestResultMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Success(map[string]any{"value": "0a"}))
	require.NoError(t, err)
	testutils.NewJSONAsserter(t).WithOptions(testutils.WithIgnoreExtraKeys(false)).
		Assert(string(data), `{"status": "SUCCESS", "requestID": "<<PRESENCE>>", "value": "0a"}`)

	data, err = json.Marshal(Failure(ReasonMaxConnections))
	require.NoError(t, err)
	testutils.NewJSONAsserter(t).WithOptions(testutils.WithIgnoreExtraKeys(false)).
		Assert(string(data), `{"status": "FAILURE", "requestID": "<<PRESENCE>>", "reason": "max connections"}`)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.Equal(t, "state(42)", State(42).String())
}
