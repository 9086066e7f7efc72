package resolver

import (
	"context"
	"testing"

	"github.com/bassosimone/dnscodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	exchangeFunc func(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error)
	closed       bool
}

func (f *fakeTransport) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	return f.exchangeFunc(ctx, query)
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestLookupIPAllFail(t *testing.T) {
	tr := &fakeTransport{
		exchangeFunc: func(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
			return nil, assert.AnError
		},
	}
	r := New(tr)
	_, err := r.LookupIP(context.Background(), "example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestFakeTransportRecordsClose(t *testing.T) {
	tr := &fakeTransport{exchangeFunc: func(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
		return nil, assert.AnError
	}}
	require.NoError(t, tr.Close())
	assert.True(t, tr.closed)
}
