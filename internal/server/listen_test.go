package server

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivatedListener_NoEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	ln, err := activatedListener()
	require.NoError(t, err)
	assert.Nil(t, ln)
}

func TestActivatedListener_OtherProcess(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()+1))
	t.Setenv("LISTEN_FDS", "1")

	ln, err := activatedListener()
	require.NoError(t, err)
	assert.Nil(t, ln)
}

func TestActivatedListener_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		pid  string
		fds  string
	}{
		{name: "pid", pid: "not-a-number", fds: "1"},
		{name: "fds", pid: strconv.Itoa(os.Getpid()), fds: "many"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("LISTEN_PID", tc.pid)
			t.Setenv("LISTEN_FDS", tc.fds)

			_, err := activatedListener()
			assert.Error(t, err)
		})
	}
}

func TestActivatedListener_ZeroFDs(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "0")

	ln, err := activatedListener()
	require.NoError(t, err)
	assert.Nil(t, ln)
}

func TestListen_BindsAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	ln, activated, err := listen("127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = ln.Close()
	}()
	assert.False(t, activated)
	assert.NotEmpty(t, ln.Addr().String())
}
