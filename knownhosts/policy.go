package knownhosts

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opd-ai/asciichat/crypto"
	"golang.org/x/term"
)

// PromptKind distinguishes the trust decisions a Policy is asked to make.
type PromptKind int

const (
	// PromptUnknownHost asks whether to trust a first-seen identity key
	PromptUnknownHost PromptKind = iota
	// PromptNoIdentity asks whether to connect to a first-seen server with no identity key
	PromptNoIdentity
	// PromptKeyChanged asks whether to override a mismatch with the stored entries
	PromptKeyChanged
)

func (k PromptKind) String() string {
	switch k {
	case PromptUnknownHost:
		return "unknown-host"
	case PromptNoIdentity:
		return "no-identity"
	case PromptKeyChanged:
		return "key-changed"
	default:
		return fmt.Sprintf("prompt(%d)", int(k))
	}
}

// Prompt describes one trust decision.
type Prompt struct {
	Kind     PromptKind
	Addr     string
	Received *[crypto.IdentityKeySize]byte // nil when the server presented no identity
	Stored   []Entry
	Path     string
}

// ReceivedFingerprint returns the fingerprint of the presented key, or
// "no-identity".
func (p Prompt) ReceivedFingerprint() string {
	if p.Received == nil {
		return keyTypeNoIdentity
	}
	return crypto.FormatFingerprint(p.Received[:])
}

// Policy decides trust questions the store cannot answer alone. It is
// injected so the handshake never reads a terminal itself.
type Policy interface {
	Decide(p Prompt) (bool, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(p Prompt) (bool, error)

// Decide implements Policy.
func (f PolicyFunc) Decide(p Prompt) (bool, error) { return f(p) }

// AcceptAll trusts everything. It is only meant for tests.
var AcceptAll Policy = PolicyFunc(func(Prompt) (bool, error) { return true, nil })

// RejectAll declines every prompt, the behavior for non-interactive runs.
var RejectAll Policy = PolicyFunc(func(Prompt) (bool, error) { return false, nil })

// TerminalPolicy asks the user on a terminal with OpenSSH-style warnings.
type TerminalPolicy struct {
	In          io.Reader
	Out         io.Writer
	Interactive bool
}

// NewTerminalPolicy prompts on stdin/stderr when stdin is a terminal and
// rejects otherwise.
func NewTerminalPolicy() *TerminalPolicy {
	return &TerminalPolicy{
		In:          os.Stdin,
		Out:         os.Stderr,
		Interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

// Decide implements Policy.
func (t *TerminalPolicy) Decide(p Prompt) (bool, error) {
	switch p.Kind {
	case PromptKeyChanged:
		t.printChanged(p)
	case PromptNoIdentity:
		t.printNoIdentity(p)
	default:
		t.printUnknown(p)
	}

	if !t.Interactive {
		fmt.Fprintln(t.Out, "ERROR: Cannot verify host in non-interactive mode.")
		fmt.Fprintln(t.Out, "ERROR: This connection may be a man-in-the-middle attack!")
		fmt.Fprintln(t.Out)
		fmt.Fprintln(t.Out, "To connect to this host, run the client from a terminal, verify the")
		fmt.Fprintf(t.Out, "fingerprint %s and accept the host when prompted.\n", p.ReceivedFingerprint())
		fmt.Fprintln(t.Out, "Connection aborted for security.")
		return false, nil
	}

	question := "Are you sure you want to continue connecting (yes/no)? "
	if p.Kind == PromptKeyChanged {
		question = "Continue connecting despite the changed key (yes/no)? "
	}
	fmt.Fprint(t.Out, question)

	answer, err := bufio.NewReader(t.In).ReadString('\n')
	if err != nil && answer == "" {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer == "yes" || answer == "y" {
		if p.Kind != PromptKeyChanged {
			fmt.Fprintf(t.Out, "Warning: Permanently added '%s' to the list of known hosts.\n\n", p.Addr)
		}
		return true, nil
	}
	fmt.Fprintln(t.Out, "Connection aborted by user.")
	return false, nil
}

const banner = "@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@"

func (t *TerminalPolicy) printUnknown(p Prompt) {
	fmt.Fprintf(t.Out, "\n%s\n@    WARNING: REMOTE HOST IDENTIFICATION NOT KNOWN!      @\n%s\n\n", banner, banner)
	fmt.Fprintf(t.Out, "The authenticity of host '%s' can't be established.\n", p.Addr)
	fmt.Fprintf(t.Out, "Ed25519 key fingerprint is %s\n\n", p.ReceivedFingerprint())
}

func (t *TerminalPolicy) printNoIdentity(p Prompt) {
	fmt.Fprintf(t.Out, "\nThe authenticity of host '%s' can't be established.\n", p.Addr)
	fmt.Fprintln(t.Out, "The server has no identity key to verify its authenticity.")
	fmt.Fprintln(t.Out)
	fmt.Fprintln(t.Out, "WARNING: This connection is vulnerable to man-in-the-middle attacks!")
	fmt.Fprintln(t.Out, "Anyone can intercept your connection and read your data.")
	fmt.Fprintln(t.Out)
	fmt.Fprintln(t.Out, "To secure this connection:")
	fmt.Fprintln(t.Out, "  1. Server should use --key to provide an identity key")
	fmt.Fprintln(t.Out, "  2. Client should use --server-key to verify the server")
	fmt.Fprintln(t.Out)
}

func (t *TerminalPolicy) printChanged(p Prompt) {
	fmt.Fprintf(t.Out, "\n%s\n@    WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED!     @\n%s\n\n", banner, banner)
	fmt.Fprintln(t.Out, "IT IS POSSIBLE THAT SOMEONE IS DOING SOMETHING NASTY!")
	fmt.Fprintln(t.Out, "Someone could be eavesdropping on you right now (man-in-the-middle attack)!")
	fmt.Fprintln(t.Out, "It is also possible that the host key has just been changed.")
	fmt.Fprintln(t.Out)
	fmt.Fprintln(t.Out, "The fingerprint for the Ed25519 key sent by the remote host is:")
	fmt.Fprintln(t.Out, p.ReceivedFingerprint())
	fmt.Fprintln(t.Out)
	fmt.Fprintln(t.Out, "Expected fingerprint:")
	for _, e := range p.Stored {
		fmt.Fprintf(t.Out, "%s (%s line %d)\n", e.Fingerprint(), p.Path, e.Line)
	}
	fmt.Fprintln(t.Out)
	fmt.Fprintf(t.Out, "To update the key, run:\n  ascii-chat-handshake known-hosts remove %s\n\n", p.Addr)
	fmt.Fprintln(t.Out, "Host key verification failed.")
	fmt.Fprintln(t.Out)
}
