package runtime

import (
	"errors"
	"testing"

	"github.com/eljojo/livesync/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingService struct {
	name    string
	events  *[]string
	stopErr error
	rt      RuntimeInterface
	log     *ServiceLog
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Init(rt RuntimeInterface, log *ServiceLog) error {
	s.rt = rt
	s.log = log
	*s.events = append(*s.events, "init "+s.name)
	return nil
}

func (s *recordingService) Start() error {
	*s.events = append(*s.events, "start "+s.name)
	return nil
}

func (s *recordingService) Stop() error {
	*s.events = append(*s.events, "stop "+s.name)
	return s.stopErr
}

func TestNewRuntime_RequiresTransport(t *testing.T) {
	_, err := NewRuntime(RuntimeConfig{})
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestRuntime_Lifecycle(t *testing.T) {
	local := transport.NewLocal()
	defer local.Close()

	rt, err := NewRuntime(RuntimeConfig{Transport: local, Environment: EnvDevelopment})
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, rt.Env())
	assert.Same(t, local, rt.Transport().(*transport.Local))

	var events []string
	a := &recordingService{name: "a", events: &events}
	b := &recordingService{name: "b", events: &events}
	require.NoError(t, rt.AddService(a))
	require.NoError(t, rt.AddService(b))

	assert.Equal(t, []string{"init a", "init b"}, events)
	assert.Equal(t, "a", a.log.Name())
	assert.Equal(t, rt, a.rt)

	require.NoError(t, rt.Start())
	require.NoError(t, rt.Start(), "second start is a no-op")

	c := &recordingService{name: "c", events: &events}
	require.NoError(t, rt.AddService(c), "late services start immediately")

	require.NoError(t, rt.Stop())
	assert.Equal(t, []string{
		"init a", "init b",
		"start a", "start b",
		"init c", "start c",
		"stop c", "stop b", "stop a",
	}, events)

	assert.Error(t, rt.Context().Err(), "context is cancelled after stop")
}

func TestRuntime_StopJoinsErrors(t *testing.T) {
	local := transport.NewLocal()
	defer local.Close()
	rt, err := NewRuntime(RuntimeConfig{Transport: local})
	require.NoError(t, err)

	var events []string
	boom := errors.New("boom")
	require.NoError(t, rt.AddService(&recordingService{name: "bad", events: &events, stopErr: boom}))
	require.NoError(t, rt.AddService(&recordingService{name: "good", events: &events}))
	require.NoError(t, rt.Start())

	err = rt.Stop()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, events, "stop good")
}

func TestParseEnvironment(t *testing.T) {
	cases := map[string]Environment{
		"":            EnvProduction,
		"production":  EnvProduction,
		"Development": EnvDevelopment,
		"dev":         EnvDevelopment,
		" test ":      EnvTest,
	}
	for in, want := range cases {
		got, err := ParseEnvironment(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseEnvironment("staging")
	assert.Error(t, err)
	assert.Equal(t, "development", EnvDevelopment.String())
}

func TestServiceLog_NilIsSafe(t *testing.T) {
	var log *ServiceLog
	assert.NotPanics(t, func() {
		log.Info("hello %s", "world")
		log.Error("oops")
	})
	assert.Equal(t, "", log.Name())
}

func TestMockRuntime_CapturesLogs(t *testing.T) {
	rt := NewMockRuntime(t)
	rt.Log("live").Warn("object %s dropped", "counter")

	assert.Equal(t, []string{"warn [live] object counter dropped"}, rt.LogLines())
	assert.Equal(t, EnvTest, rt.Env())
}
