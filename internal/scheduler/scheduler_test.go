package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddJob_BadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a cron expression", FuncJob{JobName: "noop", Fn: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestRunNow(t *testing.T) {
	s := New(zerolog.Nop())
	ran := false
	job := FuncJob{JobName: "tick", Fn: func(context.Context) error {
		ran = true
		return nil
	}}

	require.NoError(t, s.RunNow(context.Background(), job))
	assert.True(t, ran)

	failing := FuncJob{JobName: "broken", Fn: func(context.Context) error {
		return errors.New("boom")
	}}
	assert.Error(t, s.RunNow(context.Background(), failing))
}

func TestStartStop(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.AddJob("@daily", FuncJob{JobName: "nightly", Fn: func(context.Context) error { return nil }}))
	s.Start()
	s.Stop()
}
