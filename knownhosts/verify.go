package knownhosts

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/opd-ai/asciichat/crypto"
	"github.com/sirupsen/logrus"
)

// Environment variables that disable host verification.
const (
	EnvInsecureNoHostCheck = "ASCII_CHAT_INSECURE_NO_HOST_IDENTITY_CHECK"
	EnvCI                  = "CI"
)

var (
	// ErrHostKeyMismatch indicates a presented identity that contradicts the stored entries
	ErrHostKeyMismatch = errors.New("host identity does not match known hosts")

	// ErrHostRejected indicates the policy declined a first-seen host
	ErrHostRejected = errors.New("host not trusted")
)

// Bypass holds the switches that skip verification entirely.
type Bypass struct {
	Insecure bool // explicit opt-out
	CI       bool // automation detected
}

// Active reports whether any bypass is set.
func (b Bypass) Active() bool { return b.Insecure || b.CI }

// BypassFromEnv reads the bypass switches from the environment.
func BypassFromEnv() Bypass {
	return Bypass{
		Insecure: envTrue(os.Getenv(EnvInsecureNoHostCheck)),
		CI:       envTrue(os.Getenv(EnvCI)),
	}
}

func envTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Decision reports how a verification concluded.
type Decision struct {
	Result     Result
	Added      bool // a new entry was written
	Overridden bool // a mismatch was accepted by the policy
	Bypassed   bool // verification was skipped by a bypass switch
}

// Verifier applies the trust-on-first-use rules for one process. Concurrent
// Verify calls are serialized so a host is prompted for at most once.
type Verifier struct {
	Store  *Store
	Policy Policy
	Bypass Bypass

	mu sync.Mutex
}

// Verify decides whether to trust the identity a server at host:port
// presented. A nil identity means the server presented none.
//
// Unknown hosts are added when the policy accepts them. A mismatch is only
// passed with an explicit override and the stored entries stay unchanged.
func (v *Verifier) Verify(host string, port uint16, identity *[crypto.IdentityKeySize]byte) (Decision, error) {
	addr, err := Address(host, port)
	if err != nil {
		return Decision{}, err
	}
	logger := logrus.WithFields(logrus.Fields{
		"function": "Verify",
		"addr":     addr,
	})

	if v.Bypass.Active() {
		logger.WithFields(logrus.Fields{
			"insecure": v.Bypass.Insecure,
			"ci":       v.Bypass.CI,
		}).Warn("Skipping known hosts verification: connection is encrypted but NOT verified")
		return Decision{Bypassed: true}, nil
	}
	if v.Store == nil {
		return Decision{}, errors.New("no known hosts store configured")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	result, stored, err := v.Store.Check(host, port, identity)
	if err != nil {
		return Decision{}, err
	}
	policy := v.Policy
	if policy == nil {
		policy = RejectAll
	}
	prompt := Prompt{Addr: addr, Received: identity, Stored: stored, Path: v.Store.Path()}

	switch result {
	case Match:
		if identity == nil {
			logger.Warn("Known server has no identity key; connection is vulnerable to man-in-the-middle attacks")
		} else {
			logger.Info("Server host key verified from known hosts")
		}
		return Decision{Result: Match}, nil

	case Unknown:
		prompt.Kind = PromptUnknownHost
		if identity == nil {
			prompt.Kind = PromptNoIdentity
		}
		ok, err := policy.Decide(prompt)
		if err != nil {
			return Decision{Result: Unknown}, fmt.Errorf("host verification prompt failed: %w", err)
		}
		if !ok {
			logger.Warn("User declined unknown host")
			return Decision{Result: Unknown}, fmt.Errorf("%w: %s", ErrHostRejected, addr)
		}
		if err := v.Store.Add(host, port, identity); err != nil {
			return Decision{Result: Unknown}, fmt.Errorf("failed to record host in %s: %w", v.Store.Path(), err)
		}
		return Decision{Result: Unknown, Added: true}, nil

	default:
		logger.WithFields(logrus.Fields{
			"received": prompt.ReceivedFingerprint(),
			"stored":   len(stored),
		}).Error("Server identity does not match known hosts: possible man-in-the-middle attack")

		prompt.Kind = PromptKeyChanged
		ok, err := policy.Decide(prompt)
		if err != nil {
			return Decision{Result: Mismatch}, fmt.Errorf("host verification prompt failed: %w", err)
		}
		if !ok {
			return Decision{Result: Mismatch}, fmt.Errorf("%w: %s presented %s, known hosts has %s",
				ErrHostKeyMismatch, addr, prompt.ReceivedFingerprint(), describe(stored))
		}
		logger.Warn("User accepted changed host identity; known hosts left unchanged")
		return Decision{Result: Mismatch, Overridden: true}, nil
	}
}

func describe(entries []Entry) string {
	fps := make([]string, 0, len(entries))
	for _, e := range entries {
		fps = append(fps, e.Fingerprint())
	}
	return strings.Join(fps, ", ")
}
