package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const jwtSecretEnv = "ESCROW_JWT_SECRET"

var stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

var readSecret = func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) }

// promptSecret reads a secret from the terminal without echo. It fails when
// stdin is not interactive so scripts must supply the value through flag or
// environment variable.
func promptSecret(stderr io.Writer, label, hint string) (string, error) {
	if !stdinIsTerminal() {
		return "", fmt.Errorf("%s required; %s", label, hint)
	}
	fmt.Fprintf(stderr, "Enter %s: ", label)
	raw, err := readSecret()
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", label, err)
	}
	secret := string(raw)
	if strings.TrimSpace(secret) == "" {
		return "", errors.New(label + " cannot be empty")
	}
	return secret, nil
}
