package fault_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"stocknity/fault"
)

func TestClassification(t *testing.T) {
	wrapped := fmt.Errorf("screener query: %w", fault.ErrRateLimited)

	assert.True(t, fault.IsErrProcess(wrapped))
	assert.False(t, fault.IsErrNotFound(wrapped))
	assert.ErrorIs(t, wrapped, fault.ErrRateLimited)
	assert.NotErrorIs(t, wrapped, fault.ErrUpstreamUnavailable)

	assert.True(t, fault.IsErrNotFound(fault.ErrTaskNotFound))
	assert.True(t, fault.IsErrInvalid(fmt.Errorf("x: %w", fault.ErrInvalidPriority)))
}

func TestAllSourcesFailedMessage(t *testing.T) {
	assert.Equal(t, "All sources failed", fault.ErrAllSourcesFailed.Error())
}
