package classify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/prebidscan/crawler/internal/classify"
)

func TestClassifyDNSFailure(t *testing.T) {
	result := classify.Classify(classify.PhaseNavigation, "net::ERR_NAME_NOT_RESOLVED")
	assert.Equal(t, classify.CodeDNSResolutionFailed, result.Code)
	assert.False(t, result.Retryable)
}

func TestClassifyNavigationTimeoutIsRetryable(t *testing.T) {
	result := classify.Classify(classify.PhaseNavigation, "Navigation timeout of 60000 ms exceeded")
	assert.Equal(t, classify.CodeNavigationTimeout, result.Code)
	assert.True(t, result.Retryable)
}

func TestClassifyUnknownFallsBack(t *testing.T) {
	result := classify.Classify(classify.PhaseExtraction, "something completely unexpected")
	assert.Equal(t, classify.CodeUnknown, result.Code)
	assert.False(t, result.Retryable)
}

func TestClassifyFirstRuleWins(t *testing.T) {
	// The message matches both the session-closed rule ("target closed") and
	// the later protocol-error rule; the earlier session-closed rule wins.
	result := classify.Classify(classify.PhaseNavigation, "Protocol error (Page.navigate): Target closed")
	assert.Equal(t, classify.CategoryBrowser, result.Category)
	assert.Equal(t, classify.CodeBrowserSessionClosed, result.Code)
}

func TestIsBenignTransient(t *testing.T) {
	assert.True(t, classify.IsBenignTransient("Frame was detached during navigation"))
	assert.False(t, classify.IsBenignTransient("disk full"))
}
