package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/opd-ai/asciichat/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

var errNotTerminal = errors.New("stdin is not a terminal")

// readSecret prompts on stderr and reads a line from the terminal without echo.
func readSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errNotTerminal
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return b, err
}

// passphrasePrompt unlocks encrypted identity files.
func passphrasePrompt(path string) ([]byte, error) {
	return readSecret(fmt.Sprintf("Enter passphrase for %s: ", path))
}

// passwordPrompt asks for the session password when the server requires
// one and none was configured. ReadPassword does not observe ctx, so a
// cancelled prompt is only noticed after the user answers.
func passwordPrompt(ctx context.Context, server string) (string, error) {
	pw, err := readSecret(fmt.Sprintf("%s requires a password: ", server))
	if err != nil {
		return "", err
	}
	defer crypto.ZeroBytes(pw)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return string(pw), nil
}

// loadIdentity reads an identity file when path is set and applies keyID.
// When ssh-agent is reachable, encrypted keys it already holds are used
// through it and newly unlocked ones are added to it. The agent connection
// stays open for the life of the process so agent-backed keys can sign.
func loadIdentity(path, keyID string, useAgent bool) (*crypto.Identity, error) {
	if path == "" {
		return nil, nil
	}
	var a *crypto.Agent
	if useAgent {
		var err error
		if a, err = crypto.DialAgent(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "loadIdentity",
				"error":    err.Error(),
			}).Debug("Loading identity without ssh-agent")
			a = nil
		}
	}
	id, err := crypto.LoadIdentityWithAgent(path, passphrasePrompt, a)
	if err != nil {
		return nil, err
	}
	if keyID != "" {
		id.KeyID = keyID
	}
	return id, nil
}
