package main

import (
	"testing"

	"github.com/mpataki/foreman/internal/config"
	"github.com/stretchr/testify/require"
)

func testCfg() *config.Config {
	return &config.Config{DefaultParallel: 4}
}

func TestResolveOptionsFlagImplications(t *testing.T) {
	t.Parallel()

	opts, err := resolveOptions(testCfg(), delegateFlags{pr: true}, "", "")
	require.NoError(t, err)
	require.True(t, opts.Branch, "--pr implies --branch")
	require.True(t, opts.Worktree, "--branch implies --worktree")
	require.NotEmpty(t, opts.SourceRepo)

	opts, err = resolveOptions(testCfg(), delegateFlags{branch: true}, "", "")
	require.NoError(t, err)
	require.True(t, opts.Worktree)
	require.False(t, opts.Run.OpenPR)
}

func TestResolveOptionsDraft(t *testing.T) {
	t.Parallel()

	opts, err := resolveOptions(testCfg(), delegateFlags{pr: true}, "", "")
	require.NoError(t, err)
	require.True(t, opts.Run.Draft, "draft is the default")

	opts, err = resolveOptions(testCfg(), delegateFlags{pr: true, draft: true}, "", "")
	require.NoError(t, err)
	require.True(t, opts.Run.Draft)

	opts, err = resolveOptions(testCfg(), delegateFlags{pr: true, noDraft: true}, "", "")
	require.NoError(t, err)
	require.False(t, opts.Run.Draft)

	_, err = resolveOptions(testCfg(), delegateFlags{draft: true, noDraft: true}, "", "")
	require.Error(t, err)
}

func TestResolveOptionsEachDoPairing(t *testing.T) {
	t.Parallel()

	_, err := resolveOptions(testCfg(), delegateFlags{eachCmd: "ls"}, "", "")
	require.Error(t, err)

	_, err = resolveOptions(testCfg(), delegateFlags{doTemplate: "review {}"}, "", "")
	require.Error(t, err)

	_, err = resolveOptions(testCfg(), delegateFlags{eachCmd: "ls", doTemplate: "review {}"}, "", "")
	require.NoError(t, err)
}

func TestResolveOptionsDefaultParallel(t *testing.T) {
	t.Parallel()

	opts, err := resolveOptions(testCfg(), delegateFlags{}, "", "")
	require.NoError(t, err)
	require.Equal(t, 4, opts.MaxParallel)

	opts, err = resolveOptions(testCfg(), delegateFlags{parallel: 2}, "", "")
	require.NoError(t, err)
	require.Equal(t, 2, opts.MaxParallel)
}

func TestExpandEach(t *testing.T) {
	t.Parallel()

	tasks, err := expandEach(`printf "a\nb\n\n"`, "review {}")
	require.NoError(t, err)
	require.Equal(t, []string{"review a", "review b"}, tasks)

	_, err = expandEach(`true`, "review {}")
	require.Error(t, err, "no output lines means no tasks")
}
