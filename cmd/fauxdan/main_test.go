package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icarostangent/Fauxdan/pkg/manager"
)

func TestFlagErrorsAreUsageErrors(t *testing.T) {
	err := rootCmd.FlagErrorFunc()(rootCmd, errors.New("unknown flag: --bogus"))
	require.Error(t, err)
	assert.ErrorIs(t, err, manager.ErrUsage)
}

func TestExactArgsReportsUsageError(t *testing.T) {
	check := exactArgs(1)

	assert.NoError(t, check(cancelCmd, []string{"some-uuid"}))
	assert.ErrorIs(t, check(cancelCmd, nil), manager.ErrUsage)
	assert.ErrorIs(t, check(cancelCmd, []string{"a", "b"}), manager.ErrUsage)
}
