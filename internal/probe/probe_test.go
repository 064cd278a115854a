package probe_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prebidscan/crawler/internal/browser"
	"github.com/prebidscan/crawler/internal/model"
	"github.com/prebidscan/crawler/internal/probe"
)

type fakePage struct {
	navigateErr  error
	evaluateSeq  []string
	evaluateIdx  int
	finalURL     string
	released     bool
}

func (f *fakePage) Navigate(_ context.Context, _ string, _ time.Duration, _ browser.WaitCondition) error {
	return f.navigateErr
}

func (f *fakePage) Evaluate(_ context.Context, _ string) (json.RawMessage, error) {
	if f.evaluateIdx >= len(f.evaluateSeq) {
		return json.RawMessage(`{}`), nil
	}

	resp := f.evaluateSeq[f.evaluateIdx]
	f.evaluateIdx++

	return json.RawMessage(resp), nil
}

func (f *fakePage) MouseMove(_ context.Context, _, _ int64) error { return nil }
func (f *fakePage) FinalURL() string                              { return f.finalURL }
func (f *fakePage) Release()                                      { f.released = true }

type fakeCapability struct {
	page *fakePage
	err  error
}

func (f *fakeCapability) AcquirePage(_ context.Context) (browser.Page, error) {
	return f.page, f.err
}

func (f *fakeCapability) Close() error { return nil }

func newTestProbe(page *fakePage) *probe.Probe {
	logger := zerolog.Nop()
	cfg := probe.DefaultConfig()
	cfg.SettleCap = time.Millisecond

	return probe.New(&fakeCapability{page: page}, cfg, &logger)
}

func TestRunSuccessWithPrebid(t *testing.T) {
	page := &fakePage{
		finalURL: "https://a.test/with-prebid",
		evaluateSeq: []string{
			`"ok"`,
			`{"libraries":[],"prebidInstances":[{"globalVarName":"pbjs","version":"8.0.0","modules":["rubiconBidAdapter"],"state":"complete"}]}`,
		},
	}

	result := newTestProbe(page).Run(context.Background(), "https://a.test/with-prebid")

	require.Equal(t, model.KindSuccess, result.Kind)
	assert.True(t, result.Page.HasPrebid())
	assert.Equal(t, "8.0.0", result.Page.PrebidInstances[0].Version)
	assert.True(t, page.released)
}

func TestRunNoData(t *testing.T) {
	page := &fakePage{
		finalURL: "https://a.test/no-libs",
		evaluateSeq: []string{
			`"ok"`,
			`{"libraries":[],"prebidInstances":[]}`,
		},
	}

	result := newTestProbe(page).Run(context.Background(), "https://a.test/no-libs")

	assert.Equal(t, model.KindNoData, result.Kind)
}

func TestRunNavigationErrorClassified(t *testing.T) {
	page := &fakePage{navigateErr: assertErr("net::ERR_NAME_NOT_RESOLVED")}

	result := newTestProbe(page).Run(context.Background(), "https://broken.test")

	require.Equal(t, model.KindError, result.Kind)
	assert.Equal(t, "DNS_RESOLUTION_FAILED", result.Code)
	assert.False(t, result.Retryable)
}

func TestRunFrameDetachedRetriesOnceThenFails(t *testing.T) {
	page := &fakePage{
		finalURL: "https://a.test",
		evaluateSeq: []string{
			`"ok"`,
			`{"detached":true,"message":"context destroyed"}`,
			`{"detached":true,"message":"context destroyed"}`,
		},
	}

	result := newTestProbe(page).Run(context.Background(), "https://a.test")

	require.Equal(t, model.KindError, result.Kind)
	assert.Equal(t, "FRAME_DETACHED", result.Code)
	assert.True(t, result.Retryable)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
