// Package knownhosts implements the trust-on-first-use store of server
// identities, modeled on OpenSSH's known_hosts file.
//
// Each line maps an address to the server identity key it presented:
//
//	192.0.2.10:27224 x25519 <64 hex chars> ascii-chat-server
//	[2001:db8::1]:27224 no-identity 0000...0000 ascii-chat-server
//
// Servers that run without an identity key still get a "no-identity" entry so
// a later change in either direction is detected.
package knownhosts

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/opd-ai/asciichat/crypto"
	"github.com/sirupsen/logrus"
)

const (
	keyTypeIdentity   = "x25519"
	keyTypeNoIdentity = "no-identity"
	entryComment      = "ascii-chat-server"
)

// ErrInvalidAddress indicates an empty host or zero port.
var ErrInvalidAddress = errors.New("invalid host address")

// Entry is one known-hosts line.
type Entry struct {
	Addr       string // host:port, IPv6 hosts bracketed
	NoIdentity bool
	Key        [crypto.IdentityKeySize]byte
	Comment    string
	Line       int
}

// Fingerprint returns the "SHA256:<hex>" form of the entry's key, or
// "no-identity".
func (e Entry) Fingerprint() string {
	if e.NoIdentity {
		return keyTypeNoIdentity
	}
	return crypto.FormatFingerprint(e.Key[:])
}

// String renders the entry as a file line.
func (e Entry) String() string {
	comment := e.Comment
	if comment == "" {
		comment = entryComment
	}
	if e.NoIdentity {
		return fmt.Sprintf("%s %s %s %s", e.Addr, keyTypeNoIdentity, strings.Repeat("0", 2*crypto.IdentityKeySize), comment)
	}
	return fmt.Sprintf("%s %s %s %s", e.Addr, keyTypeIdentity, hex.EncodeToString(e.Key[:]), comment)
}

// Result is the outcome of checking a presented identity against the store.
type Result int

const (
	// Unknown means the address has no entries
	Unknown Result = iota
	// Match means an entry for the address matches the presented identity
	Match
	// Mismatch means the address is known with a different identity, or an
	// identity appeared or disappeared relative to the stored entries
	Mismatch
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Address formats a host and port the way entries are keyed.
func Address(host string, port uint16) (string, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" || port == 0 {
		return "", fmt.Errorf("%w: %q port %d", ErrInvalidAddress, host, port)
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// DefaultPath returns ~/.ascii-chat/known_hosts.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".ascii-chat", "known_hosts"), nil
}

// Store is a known-hosts file. The file is read on every lookup so edits by
// other processes are seen; a mutex serializes access from concurrent
// handshakes in this process.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore opens the store at path. The file is created on first Add.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// List returns every well-formed entry in file order.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Lookup returns the entries for host:port.
func (s *Store) Lookup(host string, port uint16) ([]Entry, error) {
	addr, err := Address(host, port)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(addr)
}

func (s *Store) lookupLocked(addr string) ([]Entry, error) {
	all, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Addr == addr {
			out = append(out, e)
		}
	}
	return out, nil
}

// Check compares a presented identity with the stored entries. A nil
// identity means the server presented none.
func (s *Store) Check(host string, port uint16, identity *[crypto.IdentityKeySize]byte) (Result, []Entry, error) {
	entries, err := s.Lookup(host, port)
	if err != nil {
		return Unknown, nil, err
	}
	return classify(entries, identity), entries, nil
}

func classify(entries []Entry, identity *[crypto.IdentityKeySize]byte) Result {
	if len(entries) == 0 {
		return Unknown
	}
	for _, e := range entries {
		if identity == nil && e.NoIdentity {
			return Match
		}
		if identity != nil && !e.NoIdentity && crypto.ConstantTimeEqual(e.Key[:], identity[:]) {
			return Match
		}
	}
	return Mismatch
}

// Add appends an entry for host:port. Existing entries are never rewritten,
// and an identity already recorded for host:port is not appended twice.
func (s *Store) Add(host string, port uint16, identity *[crypto.IdentityKeySize]byte) error {
	addr, err := Address(host, port)
	if err != nil {
		return err
	}
	entry := Entry{Addr: addr, NoIdentity: identity == nil}
	if identity != nil {
		if crypto.IsZeroKey(*identity) {
			return crypto.ErrZeroKey
		}
		entry.Key = *identity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.lookupLocked(addr)
	if err != nil {
		return err
	}
	if classify(existing, identity) == Match {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create known hosts directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open known hosts file: %w", err)
	}
	if _, err := fmt.Fprintln(f, entry.String()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write known hosts file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush known hosts file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Add",
		"addr":        addr,
		"fingerprint": entry.Fingerprint(),
	}).Info("Added host to known hosts")
	return nil
}

// Remove deletes every entry for host:port and returns how many were removed.
// Comments and unrelated lines are preserved.
func (s *Store) Remove(host string, port uint16) (int, error) {
	addr, err := Address(host, port)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read known hosts file: %w", err)
	}

	var kept bytes.Buffer
	removed := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if fields := strings.Fields(line); len(fields) > 0 && fields[0] == addr {
			removed++
			continue
		}
		kept.WriteString(line)
		kept.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read known hosts file: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, kept.Bytes(), 0o600); err != nil {
		return 0, fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to replace known hosts file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Remove",
		"addr":     addr,
		"removed":  removed,
	}).Info("Removed host from known hosts")
	return removed, nil
}

func (s *Store) readLocked() ([]Entry, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open known hosts file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLocked",
				"path":     s.path,
				"line":     lineNo,
				"error":    err.Error(),
			}).Debug("Skipping malformed known hosts line")
			continue
		}
		e.Line = lineNo
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read known hosts file: %w", err)
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Entry{}, errors.New("expected address, key type and key")
	}
	e := Entry{Addr: fields[0]}
	if len(fields) > 3 {
		e.Comment = strings.Join(fields[3:], " ")
	}

	switch fields[1] {
	case keyTypeNoIdentity:
		e.NoIdentity = true
		return e, nil
	case keyTypeIdentity:
		raw, err := hex.DecodeString(fields[2])
		if err != nil || len(raw) != crypto.IdentityKeySize {
			return Entry{}, fmt.Errorf("invalid key %q", fields[2])
		}
		copy(e.Key[:], raw)
		if crypto.IsZeroKey(e.Key) {
			e.NoIdentity = true
		}
		return e, nil
	default:
		return Entry{}, fmt.Errorf("unknown key type %q", fields[1])
	}
}
