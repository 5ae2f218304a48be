package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Role identifies which side of a connection a context belongs to. Record
// keys are directional, so each side must know whether it sends on the
// client-to-server or server-to-client key.
type Role uint8

const (
	// RoleClient is the dialing side
	RoleClient Role = iota
	// RoleServer is the accepting side
	RoleServer
)

// String returns the role name used in logs.
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

const (
	sessionKeyInfoC2S = "ascii-chat session v1 client->server"
	sessionKeyInfoS2C = "ascii-chat session v1 server->client"
)

// SessionKeys holds the directional record keys derived from a shared secret.
type SessionKeys struct {
	Send [32]byte
	Recv [32]byte
}

// DeriveSessionKeys expands the shared secret into directional record keys
// with HKDF-SHA256. Both sides obtain the same pair with Send and Recv swapped.
func DeriveSessionKeys(sharedSecret [32]byte, role Role) (*SessionKeys, error) {
	prk := hkdf.Extract(sha256.New, sharedSecret[:], nil)
	defer ZeroBytes(prk)

	var c2s, s2c [32]byte
	if err := expandKey(prk, sessionKeyInfoC2S, c2s[:]); err != nil {
		return nil, err
	}
	if err := expandKey(prk, sessionKeyInfoS2C, s2c[:]); err != nil {
		ZeroBytes(c2s[:])
		return nil, err
	}

	keys := &SessionKeys{}
	if role == RoleClient {
		keys.Send, keys.Recv = c2s, s2c
	} else {
		keys.Send, keys.Recv = s2c, c2s
	}
	ZeroBytes(c2s[:])
	ZeroBytes(s2c[:])
	return keys, nil
}

func expandKey(prk []byte, info string, out []byte) error {
	r := hkdf.Expand(sha256.New, prk, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return nil
}

// Wipe erases both record keys.
func (k *SessionKeys) Wipe() {
	if k == nil {
		return
	}
	ZeroBytes(k.Send[:])
	ZeroBytes(k.Recv[:])
}
