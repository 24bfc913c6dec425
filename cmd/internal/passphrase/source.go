package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrMismatch reports that a confirmed passphrase was typed differently twice.
var ErrMismatch = errors.New("passphrases do not match")

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting on the terminal. The value is cached after the first success.
type Source struct {
	envVar  string
	label   string
	confirm bool

	lookupEnv  func(string) (string, bool)
	isTerminal func() bool
	read       func(prompt string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// prompting. label names the key in the prompt, e.g. "authority".
func NewSource(envVar, label string) *Source {
	return &Source{
		envVar:     strings.TrimSpace(envVar),
		label:      strings.TrimSpace(label),
		lookupEnv:  os.LookupEnv,
		isTerminal: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		read:       readTerminal,
	}
}

// WithConfirmation makes interactive prompts ask twice. Used when a new
// keystore is written.
func (s *Source) WithConfirmation() *Source {
	s.confirm = true
	return s
}

// Get returns the cached passphrase or resolves it on first call. The
// environment value is used verbatim; whitespace-only secrets are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if !s.isTerminal() {
		if s.envVar != "" {
			return "", fmt.Errorf("%s keystore passphrase required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("%s keystore passphrase required and no terminal available", s.label)
	}

	value, err := s.read(fmt.Sprintf("Enter %s keystore passphrase: ", s.label))
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s keystore passphrase cannot be empty", s.label)
	}
	if s.confirm {
		again, err := s.read("Repeat passphrase: ")
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		if again != value {
			return "", ErrMismatch
		}
	}
	return value, nil
}

func readTerminal(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}
