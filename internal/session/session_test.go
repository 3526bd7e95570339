package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolforge/internal/synthesis"
	"toolforge/internal/trajectory"
)

func TestSessionsShareOneInstall(t *testing.T) {
	p := newProvider(t)
	st := newStore(t)
	o := newOracle()
	runner := NewRunner(p, o, st, nil, testOptions())

	results, err := runner.RunAll(context.Background(), []Task{calculatorTask("add", 5), calculatorTask("mul", 6)})
	require.NoError(t, err)
	require.Len(t, results, 2)

	installs, codes := o.counts()
	assert.Equal(t, 1, installs)
	assert.Equal(t, 2, codes)

	require.NotNil(t, results[0].Installed)
	require.NotNil(t, results[1].Installed)
	assert.Equal(t, results[0].Installed.ID, results[1].Installed.ID)
	assert.NotEqual(t, results[0].Installed.Reused, results[1].Installed.Reused)
	assert.NotEqual(t, results[0].Session, results[1].Session)

	for _, res := range results {
		assert.Equal(t, StageDone, res.Stage)
		assert.True(t, res.Artifact.Verified)
		assert.Equal(t, res.Session, res.Artifact.Session)
	}

	// One install allocation, then one restore per synthesis.
	allocations, restores, _ := p.Counts()
	assert.Equal(t, 3, allocations)
	assert.Equal(t, 2, restores)
	assert.Equal(t, 0, p.Live())

	artifacts, err := st.ListArtifacts(context.Background())
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "add", artifacts[0].Name)
	assert.Equal(t, "mul", artifacts[1].Name)
}

func TestRunValidatesArtifact(t *testing.T) {
	p := newProvider(t)
	st := newStore(t)
	opts := testOptions()
	opts.Validate = true
	runner := NewRunner(p, newOracle(), st, nil, opts)

	res := runner.Run(context.Background(), calculatorTask("add", 5))
	require.NoError(t, res.Err)
	assert.Equal(t, StageDone, res.Stage)
	require.Len(t, res.Validation, 1)
	assert.True(t, res.Validation[0].Pass)

	stored, err := st.Artifact(context.Background(), "add")
	require.NoError(t, err)
	assert.Equal(t, res.Artifact.Digest, stored.Digest)
	assert.Equal(t, res.Artifact.Code, stored.Code)
}

func TestRunPlansBeforeSynthesis(t *testing.T) {
	o := newOracle()
	opts := testOptions()
	opts.Synthesis.Plan = true
	runner := NewRunner(newProvider(t), o, newStore(t), nil, opts)

	res := runner.Run(context.Background(), calculatorTask("add", 5))
	require.NoError(t, res.Err)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, 1, res.Artifact.Attempts)

	installs, codes := o.counts()
	assert.Equal(t, 1, installs)
	assert.Equal(t, 1, o.planCount())
	assert.Equal(t, 1, codes)
}

func TestRunAllReportsFailedSessions(t *testing.T) {
	p := newProvider(t)
	o := newOracle()
	runner := NewRunner(p, o, newStore(t), nil, testOptions())

	results, err := runner.RunAll(context.Background(), []Task{calculatorTask("add", 5), calculatorTask("broken", 5)})
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, synthesis.ErrSynthesisFailed)
	assert.Equal(t, StageSynthesis, results[1].Stage)
	assert.Nil(t, results[1].Artifact)

	assert.ErrorIs(t, err, synthesis.ErrSynthesisFailed)
	assert.Contains(t, err.Error(), "broken: synthesis of broken failed after 3 attempts")

	// One generation for add; a generation and two repairs for broken.
	_, codes := o.counts()
	assert.Equal(t, 4, codes)
	assert.Equal(t, 0, p.Live())

	assert.Contains(t, Summary(results), "failed at synthesis")
}

func TestRunHonorsCancellation(t *testing.T) {
	p := newProvider(t)
	o := newOracle()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewRunner(p, o, newStore(t), nil, testOptions()).Run(ctx, calculatorTask("add", 5))
	assert.ErrorIs(t, res.Err, context.Canceled)
	installs, codes := o.counts()
	assert.Zero(t, installs)
	assert.Zero(t, codes)
}

func TestRunWritesTrajectoryPerSession(t *testing.T) {
	p := newProvider(t)
	dir := t.TempDir()
	jsonl, err := trajectory.NewJSONLStore(dir)
	require.NoError(t, err)
	defer jsonl.Close()

	runner := NewRunner(p, newOracle(), newStore(t), jsonl, testOptions())
	results, err := runner.RunAll(context.Background(), []Task{calculatorTask("add", 5), calculatorTask("mul", 6)})
	require.NoError(t, err)

	for _, res := range results {
		_, err := os.Stat(filepath.Join(dir, res.Session, trajectory.FileName))
		require.NoError(t, err)

		entries, err := jsonl.Entries(res.Session)
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.Equal(t, "session", entries[0].Action)
		assert.Equal(t, trajectory.KindStart, entries[0].Kind)
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Seq)
			assert.Equal(t, res.Session, e.Session)
		}
		last := entries[len(entries)-1]
		assert.Equal(t, "session", last.Action)
		assert.Equal(t, trajectory.KindEnd, last.Kind)
	}
}

func TestLoadTasks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "add.yaml")
	require.NoError(t, os.WriteFile(path, []byte(addTaskYAML), 0644))

	tasks, err := LoadTasks([]string{path}, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "add.yaml", tasks[0].Name())
	assert.Equal(t, "add", tasks[0].Contract.Name)

	_, err = LoadTasks([]string{filepath.Join(dir, "missing.yaml")}, nil)
	assert.Error(t, err)
}

const addTaskYAML = `
name: add
description: Add two integers.
parameters:
  - name: a
    type: int
    example: 2
  - name: b
    type: int
    example: 3
return_type: int
repository:
  url: https://github.com/example/calculator
test_cases:
  - name: sample
    arguments: {a: 2, b: 3}
    expected: 5
`
