package reasoner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	responses []fakeResponse
	calls     int
}

type fakeResponse struct {
	raw   string
	usage Usage
	err   error
}

func (f *fakeProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	r := f.responses[f.calls]
	f.calls++
	return r.raw, r.usage, r.err
}

func TestReason_NormalizesPlanResponse(t *testing.T) {
	fp := &fakeProvider{responses: []fakeResponse{
		{raw: `{"dependencies":{"lodash":{"currentVersion":"3.0.0","target":"4.17.21","action":"upgrade","risk":"low"}},"phase1":{"name":"bump"},"phase2":{"name":"verify"}}`, usage: Usage{InputTokens: 10, OutputTokens: 20}},
	}}

	c, err := New(fp, DefaultNormalizers(), nil, Config{})
	require.NoError(t, err)

	var gotIn, gotOut int64
	out, err := c.Reason(context.Background(), TaskPlan, map[string]string{"manifest": "{}"}, "", func(in, outTok int64, cost float64) {
		gotIn, gotOut = in, outTok
	})
	require.NoError(t, err)

	deps := out["dependencies"].(map[string]interface{})
	lodash := deps["lodash"].(map[string]interface{})
	assert.Equal(t, "3.0.0", lodash["current_version"])
	assert.Equal(t, "4.17.21", lodash["target_version"])
	assert.Equal(t, "UPGRADE", lodash["action"])

	phases := out["phases"].([]interface{})
	assert.Len(t, phases, 2)

	assert.Equal(t, int64(10), gotIn)
	assert.Equal(t, int64(20), gotOut)
}

func TestReason_MalformedResponseNotRetried(t *testing.T) {
	fp := &fakeProvider{responses: []fakeResponse{
		{raw: `not json at all`},
	}}
	c, err := New(fp, DefaultNormalizers(), nil, Config{})
	require.NoError(t, err)

	_, err = c.Reason(context.Background(), TaskPlan, map[string]string{}, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, 1, fp.calls, "malformed responses must not be retried")
}

func TestReason_TransientErrorRetriedThenSucceeds(t *testing.T) {
	fp := &fakeProvider{responses: []fakeResponse{
		{err: errors.New("connection reset by peer")},
		{err: errors.New("503 service unavailable")},
		{raw: `{"title":"Upgrade dependencies","body":"bumps lodash"}`, usage: Usage{InputTokens: 1, OutputTokens: 1}},
	}}
	c, err := New(fp, DefaultNormalizers(), nil, Config{MaxRetries: 3})
	require.NoError(t, err)

	out, err := c.Reason(context.Background(), TaskDeployMessage, map[string]string{}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "Upgrade dependencies", out["title"])
	assert.Equal(t, 3, fp.calls)
}

func TestReason_PermanentProviderErrorNotRetried(t *testing.T) {
	fp := &fakeProvider{responses: []fakeResponse{
		{err: errors.New("invalid api key")},
	}}
	c, err := New(fp, DefaultNormalizers(), nil, Config{MaxRetries: 5})
	require.NoError(t, err)

	_, err = c.Reason(context.Background(), TaskDeployMessage, map[string]string{}, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, fp.calls)
}

func TestReason_CachesByKey(t *testing.T) {
	fp := &fakeProvider{responses: []fakeResponse{
		{raw: `{"root_cause":"x","category":"config","fixes":[]}`},
	}}
	c, err := New(fp, DefaultNormalizers(), nil, Config{})
	require.NoError(t, err)

	_, err = c.Reason(context.Background(), TaskDiagnose, map[string]string{}, "key-1", nil)
	require.NoError(t, err)
	_, err = c.Reason(context.Background(), TaskDiagnose, map[string]string{}, "key-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, fp.calls, "second call with the same cache key must not hit the provider")
}

func TestNormalizeDiagnose_OrdersFixesByDescendingConfidence(t *testing.T) {
	out, err := normalizeDiagnose(`{"root_cause":"peer dep mismatch","category":"peer_conflict","fixes":[{"description":"low","confidence":0.2,"plan_patch":{}},{"description":"high","confidence":0.9,"plan_patch":{}}]}`)
	require.NoError(t, err)

	fixes := out["fixes"].([]interface{})
	require.Len(t, fixes, 2)
	assert.Equal(t, "high", fixes[0].(map[string]interface{})["description"])
	assert.Equal(t, "low", fixes[1].(map[string]interface{})["description"])
}
