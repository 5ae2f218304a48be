package crypto

import (
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// ErrUnsupportedKeyType indicates a key file that is not Ed25519.
var ErrUnsupportedKeyType = errors.New("unsupported key type: only ssh-ed25519 identities are supported")

// PassphraseFunc supplies the passphrase for an encrypted key file. It is
// only called when the file turns out to be encrypted.
type PassphraseFunc func(path string) ([]byte, error)

// LoadIdentityFile reads an OpenSSH ed25519 private key. Encrypted keys call
// passphrase; a nil passphrase function makes them an error.
func LoadIdentityFile(path string, passphrase PassphraseFunc) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	defer ZeroBytes(data)

	raw, err := ssh.ParseRawPrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == nil {
			return nil, fmt.Errorf("identity file %s is encrypted and no passphrase source is configured", path)
		}
		pw, perr := passphrase(path)
		if perr != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", perr)
		}
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(data, pw)
		ZeroBytes(pw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
	}

	var priv ed25519.PrivateKey
	switch k := raw.(type) {
	case *ed25519.PrivateKey:
		priv = *k
	case ed25519.PrivateKey:
		priv = k
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKeyType, raw)
	}

	id, err := NewIdentity(priv)
	if err != nil {
		return nil, err
	}
	id.Comment = filepath.Base(path)

	NewLogger("LoadIdentityFile").
		WithField("path", path).
		WithField("fingerprint", FormatFingerprint(id.public[:])).
		Debug("Identity key loaded")
	return id, nil
}

// WriteIdentityFile stores id as an OpenSSH private key with mode 0600 and
// writes the matching authorized-keys line to path + ".pub". A nil or empty
// passphrase writes an unencrypted key.
func WriteIdentityFile(path string, id *Identity, comment string, passphrase []byte) error {
	if id == nil || len(id.private) == 0 {
		return ErrNoIdentity
	}

	var (
		block *pem.Block
		err   error
	)
	if len(passphrase) > 0 {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(id.private, comment, passphrase)
	} else {
		block, err = ssh.MarshalPrivateKey(id.private, comment)
	}
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	if err := writeFileAtomic(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return err
	}

	pub, err := AuthorizedKeyLine(id.public, comment)
	if err != nil {
		return err
	}
	return writeFileAtomic(path+".pub", []byte(pub+"\n"), 0o644)
}

// AuthorizedKeyLine renders a public identity key as "ssh-ed25519 AAAA... comment".
func AuthorizedKeyLine(public [IdentityKeySize]byte, comment string) (string, error) {
	pk, err := ssh.NewPublicKey(ed25519.PublicKey(public[:]))
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	line := string(ssh.MarshalAuthorizedKey(pk))
	line = line[:len(line)-1]
	if comment != "" {
		line += " " + comment
	}
	return line, nil
}

// writeFileAtomic writes data through a temporary file and rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, perm); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
