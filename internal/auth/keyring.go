package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidCredentials is returned when no client matches the presented key.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Keyring maps client IDs to Argon2id API-key hashes.
type Keyring struct {
	hashes map[string]string

	// verified remembers SHA-256 digests of keys that already passed Argon2id
	// verification, so header-only requests do not pay one Argon2id call per
	// configured client.
	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

// NewKeyring returns a keyring over client → hash entries.
func NewKeyring(hashes map[string]string) *Keyring {
	cp := make(map[string]string, len(hashes))
	for k, v := range hashes {
		cp[k] = v
	}
	return &Keyring{hashes: cp, verified: make(map[[sha256.Size]byte]string)}
}

// ParseKeys hashes a comma-separated list of plaintext keys. Entries may be
// "client:key"; bare keys are assigned client IDs "client-1", "client-2", ...
// in list order.
func ParseKeys(list string) (map[string]string, error) {
	out := make(map[string]string)
	n := 0
	for _, entry := range splitList(list) {
		n++
		client, key, ok := strings.Cut(entry, ":")
		if !ok {
			client, key = fmt.Sprintf("client-%d", n), entry
		}
		client, key = strings.TrimSpace(client), strings.TrimSpace(key)
		if client == "" || key == "" {
			return nil, fmt.Errorf("auth: malformed API key entry %d", n)
		}
		if _, dup := out[client]; dup {
			return nil, fmt.Errorf("auth: duplicate client id %q", client)
		}
		hash, err := HashAPIKey(key)
		if err != nil {
			return nil, err
		}
		out[client] = hash
	}
	return out, nil
}

// ParseHashes parses a comma-separated list of "client:hash" entries as
// printed by the keyhash command.
func ParseHashes(list string) (map[string]string, error) {
	out := make(map[string]string)
	for i, entry := range splitList(list) {
		client, hash, ok := strings.Cut(entry, ":")
		client, hash = strings.TrimSpace(client), strings.TrimSpace(hash)
		if !ok || client == "" || !strings.Contains(hash, "$") {
			return nil, fmt.Errorf("auth: malformed API key hash entry %d", i+1)
		}
		if _, dup := out[client]; dup {
			return nil, fmt.Errorf("auth: duplicate client id %q", client)
		}
		out[client] = hash
	}
	return out, nil
}

func splitList(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Merge adds entries, overwriting existing clients.
func (k *Keyring) Merge(hashes map[string]string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for c, h := range hashes {
		k.hashes[c] = h
	}
	clear(k.verified)
}

// Enabled reports whether any client is configured.
func (k *Keyring) Enabled() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.hashes) > 0
}

// Clients returns the configured client IDs in sorted order.
func (k *Keyring) Clients() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.hashes))
	for c := range k.hashes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Verify checks apiKey for a named client. Unknown clients run a dummy
// hash so timing does not reveal which client IDs exist.
func (k *Keyring) Verify(clientID, apiKey string) error {
	k.mu.RLock()
	hash, ok := k.hashes[clientID]
	k.mu.RUnlock()
	if !ok || apiKey == "" {
		DummyVerify()
		return ErrInvalidCredentials
	}
	valid, err := VerifyAPIKey(apiKey, hash)
	if err != nil || !valid {
		return ErrInvalidCredentials
	}
	return nil
}

// Identify returns the client whose key matches apiKey.
func (k *Keyring) Identify(apiKey string) (string, error) {
	if apiKey == "" {
		DummyVerify()
		return "", ErrInvalidCredentials
	}
	digest := sha256.Sum256([]byte(apiKey))

	k.mu.RLock()
	client, cached := k.verified[digest]
	k.mu.RUnlock()
	if cached {
		return client, nil
	}

	for _, c := range k.Clients() {
		k.mu.RLock()
		hash := k.hashes[c]
		k.mu.RUnlock()
		if ok, err := VerifyAPIKey(apiKey, hash); err == nil && ok {
			k.mu.Lock()
			k.verified[digest] = c
			k.mu.Unlock()
			return c, nil
		}
	}
	return "", ErrInvalidCredentials
}
