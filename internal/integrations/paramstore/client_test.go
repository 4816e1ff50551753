package paramstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut  *ssm.GetParameterOutput
	getErr  error
	lastIn  *ssm.GetParameterInput
	callCnt int
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	f.callCnt++
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func valueOut(v string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: strPtr(v), Type: types.ParameterTypeSecureString}}
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: valueOut(`{"token":"abc"}`)}
	client, err := New(api, "/formbot/")
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), "forward_token")
	require.NoError(t, err)
	require.Equal(t, `{"token":"abc"}`, v)
	require.Equal(t, "/formbot/forward_token", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestPath(t *testing.T) {
	c, err := New(&fakeAPI{}, "/formbot")
	require.NoError(t, err)
	require.Equal(t, "/formbot/verify_token", c.Path("verify_token"))
	require.Equal(t, "/other/x", c.Path("/other/x"))

	c, err = New(&fakeAPI{}, "")
	require.NoError(t, err)
	require.Equal(t, "verify_token", c.Path("verify_token"))
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: nil}}}
	client, err := New(api, "")
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_NotFound(t *testing.T) {
	api := &fakeAPI{getErr: &types.ParameterNotFound{Message: strPtr("nope")}}
	client, err := New(api, "/formbot")
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "verify_token")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorContains(t, err, "/formbot/verify_token")
}

func TestGetParameter_ApiError(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("boom")}
	client, err := New(api, "")
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{}, "")
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "")
	require.ErrorContains(t, err, "must not be nil")
}

func TestCached_MemoizesUntilExpiry(t *testing.T) {
	api := &fakeAPI{getOut: valueOut("v1")}
	client, err := New(api, "")
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cached := NewCached(client, time.Minute)
	cached.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		v, err := cached.GetParameter(context.Background(), "p")
		require.NoError(t, err)
		require.Equal(t, "v1", v)
	}
	require.Equal(t, 1, api.callCnt)

	now = now.Add(2 * time.Minute)
	api.getOut = valueOut("v2")
	v, err := cached.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "v2", v)
	require.Equal(t, 2, api.callCnt)
}

func TestCached_DoesNotCacheErrors(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("throttled")}
	client, err := New(api, "")
	require.NoError(t, err)
	cached := NewCached(client, 0)

	_, err = cached.GetParameter(context.Background(), "p")
	require.Error(t, err)

	api.getErr = nil
	api.getOut = valueOut("ok")
	v, err := cached.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestStatic(t *testing.T) {
	s := Static{"verify_token": "secret"}
	v, err := s.GetParameter(context.Background(), "verify_token")
	require.NoError(t, err)
	require.Equal(t, "secret", v)

	_, err = s.GetParameter(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
