package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageTransitions(t *testing.T) {
	next, err := StageConnecting.Transition(StageTokenRefreshed)
	require.NoError(t, err)
	require.Equal(t, StageTokenRefreshed, next)

	_, err = StageConnecting.Transition(StageCompleted)
	require.Error(t, err)

	require.True(t, StageProcessing.CanTransition(StageAborted))
	require.False(t, StageFetching.CanTransition(StageAborted))
	require.True(t, StageCompleted.Terminal())
	require.True(t, StageError.Terminal())
	require.False(t, StageProcessing.Terminal())
}

func TestOnlyProcessingCanAbort(t *testing.T) {
	for _, stage := range []Stage{StageConnecting, StageTokenRefreshed, StageFetching} {
		require.False(t, stage.CanTransition(StageAborted), stage)
		require.True(t, stage.CanTransition(StageError), stage)
	}
	require.Equal(t, "connection_aborted", ErrorCode(fmt.Errorf("list activities: %w", ErrConnectionAborted)))
}

func TestErrorCodeUnwrapsTaxonomy(t *testing.T) {
	wrapped := fmt.Errorf("fetch activities: %w", ErrAPILimitExceeded)
	require.Equal(t, "api_limit_exceeded", ErrorCode(wrapped))
	require.Equal(t, "credential_not_found", ErrorCode(errors.Join(errors.New("x"), ErrCredentialNotFound)))
	require.Equal(t, "upstream_unauthorized", ErrorCode(fmt.Errorf("list: %w", ErrUpstreamUnauthorized)))
	require.Equal(t, "internal_error", ErrorCode(errors.New("boom")))
	require.Equal(t, "", ErrorCode(nil))
}
