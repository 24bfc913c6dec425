package passphrase

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func stubSource(env map[string]string, tty bool, answers ...string) *Source {
	s := NewSource("TEST_PASS", "authority")
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.isTerminal = func() bool { return tty }
	s.read = func(string) (string, error) {
		if len(answers) == 0 {
			return "", errors.New("no input")
		}
		next := answers[0]
		answers = answers[1:]
		return next, nil
	}
	return s
}

func TestSourcePrefersEnvironment(t *testing.T) {
	s := stubSource(map[string]string{"TEST_PASS": " secret "}, false)
	got, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, " secret ", got)
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	_, err := stubSource(map[string]string{"TEST_PASS": "  "}, true).Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestSourceRequiresTerminalWithoutEnvironment(t *testing.T) {
	_, err := stubSource(nil, false).Get()
	require.ErrorContains(t, err, "TEST_PASS")
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	s := stubSource(nil, true, "hunter2")
	first, err := s.Get()
	require.NoError(t, err)
	second, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", first)
	require.Equal(t, first, second)
}

func TestSourceConfirmation(t *testing.T) {
	_, err := stubSource(nil, true, "one", "two").WithConfirmation().Get()
	require.ErrorIs(t, err, ErrMismatch)

	got, err := stubSource(nil, true, "same", "same").WithConfirmation().Get()
	require.NoError(t, err)
	require.Equal(t, "same", got)
}
