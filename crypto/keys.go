package crypto

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrInvalidKey indicates a key string that is neither hex nor an ssh-ed25519 line
	ErrInvalidKey = errors.New("invalid public key")

	// ErrUnknownProvider indicates a provider prefix with no resolver
	ErrUnknownProvider = errors.New("unknown key provider")

	// ErrNoKeys indicates a key list resolved to nothing usable
	ErrNoKeys = errors.New("no usable ed25519 keys")

	// ErrGPGUnsupported indicates a gpg: reference; OpenPGP keyrings are not read
	ErrGPGUnsupported = errors.New("gpg key references are not supported, export the key as ssh-ed25519")
)

// KeyResolver resolves provider-prefixed key references such as
// "github:alice" into authorized-key lines.
type KeyResolver interface {
	ResolveKeys(ctx context.Context, provider, account string) ([]string, error)
}

// ParsePublicKey parses an Ed25519 public key given as 64 hex characters or
// as an authorized-keys line ("ssh-ed25519 AAAA... [comment]").
func ParsePublicKey(s string) ([IdentityKeySize]byte, error) {
	var key [IdentityKeySize]byte
	s = strings.TrimSpace(s)
	if s == "" {
		return key, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	if len(s) == 2*IdentityKeySize {
		if raw, err := hex.DecodeString(s); err == nil {
			copy(key[:], raw)
			if IsZeroKey(key) {
				return key, fmt.Errorf("%w: all zeros", ErrInvalidKey)
			}
			return key, nil
		}
	}

	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return publicKeyFromSSH(pk)
}

// publicKeyFromSSH extracts the raw Ed25519 key from an SSH public key.
func publicKeyFromSSH(pk ssh.PublicKey) ([IdentityKeySize]byte, error) {
	var key [IdentityKeySize]byte
	if pk.Type() != ssh.KeyAlgoED25519 {
		return key, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, pk.Type())
	}
	cpk, ok := pk.(ssh.CryptoPublicKey)
	if !ok {
		return key, fmt.Errorf("%w: cannot extract key material", ErrInvalidKey)
	}
	edKey, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok || len(edKey) != IdentityKeySize {
		return key, fmt.Errorf("%w: not an ed25519 key", ErrInvalidKey)
	}
	copy(key[:], edKey)
	return key, nil
}

// ParseKeyList parses a comma-separated list of expected identities. Each
// element is a hex key, an authorized-keys line, or "provider:account"
// resolved through resolver. Non-ed25519 keys from providers are skipped.
func ParseKeyList(ctx context.Context, list string, resolver KeyResolver) ([][IdentityKeySize]byte, error) {
	var keys [][IdentityKeySize]byte
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		provider, account, prefixed := splitProvider(item)
		if !prefixed {
			key, err := ParsePublicKey(item)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
			continue
		}

		if provider == "gpg" {
			return nil, fmt.Errorf("%w: %s", ErrGPGUnsupported, item)
		}
		if resolver == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
		}
		lines, err := resolver.ResolveKeys(ctx, provider, account)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s keys for %q: %w", provider, account, err)
		}
		found := 0
		for _, line := range lines {
			key, err := ParsePublicKey(line)
			if err != nil {
				continue
			}
			keys = append(keys, key)
			found++
		}
		if found == 0 {
			return nil, fmt.Errorf("%w: %s:%s", ErrNoKeys, provider, account)
		}
	}

	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}

// splitProvider recognizes "github:alice" style references. Authorized-key
// lines and hex keys never contain a provider prefix from this set.
func splitProvider(item string) (provider, account string, ok bool) {
	i := strings.IndexByte(item, ':')
	if i <= 0 {
		return "", "", false
	}
	provider = strings.ToLower(item[:i])
	switch provider {
	case "github", "gitlab", "gpg":
		return provider, item[i+1:], true
	}
	return "", "", false
}

// LoadAuthorizedKeys reads an authorized-keys style file of expected client
// identities. Blank lines, comments and non-ed25519 keys are skipped.
func LoadAuthorizedKeys(path string) ([][IdentityKeySize]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open authorized keys: %w", err)
	}
	defer f.Close()
	return readAuthorizedKeys(f)
}

func readAuthorizedKeys(r io.Reader) ([][IdentityKeySize]byte, error) {
	var keys [][IdentityKeySize]byte
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := ParsePublicKey(line)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read authorized keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}

// HTTPKeyResolver fetches published SSH keys from GitHub and GitLab
// (https://github.com/<user>.keys).
type HTTPKeyResolver struct {
	Client  *http.Client
	BaseURL map[string]string // provider -> base URL, defaults to the public hosts
}

// NewHTTPKeyResolver creates a resolver with a bounded request timeout.
func NewHTTPKeyResolver(timeout time.Duration) *HTTPKeyResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPKeyResolver{
		Client: &http.Client{Timeout: timeout},
		BaseURL: map[string]string{
			"github": "https://github.com",
			"gitlab": "https://gitlab.com",
		},
	}
}

// ResolveKeys implements KeyResolver.
func (r *HTTPKeyResolver) ResolveKeys(ctx context.Context, provider, account string) ([]string, error) {
	base, ok := r.BaseURL[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if account == "" || strings.ContainsAny(account, "/?#") {
		return nil, fmt.Errorf("invalid %s account %q", provider, account)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+url.PathEscape(account)+".keys", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", provider, resp.Status)
	}

	var lines []string
	scanner := bufio.NewScanner(io.LimitReader(resp.Body, 1<<20))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
