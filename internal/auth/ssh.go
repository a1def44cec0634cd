// ABOUTME: SSH public key authentication for agents
// ABOUTME: Verifies signatures over timestamp|nonce against an authorized keys list

package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-coordinator/internal/dedupe"
)

const (
	// SSHAuthMaxAge is the maximum age of a signature timestamp.
	SSHAuthMaxAge = 5 * time.Minute

	// SSHNonceCacheSize is the maximum number of nonces to track.
	SSHNonceCacheSize = 10000

	// SSH auth headers.
	SSHPubkeyHeader    = "X-Ssh-Pubkey"
	SSHSignatureHeader = "X-Ssh-Signature"
	SSHTimestampHeader = "X-Ssh-Timestamp"
	SSHNonceHeader     = "X-Ssh-Nonce"
)

// ErrUnknownKey means the key verified but is not in the authorized keys list.
var ErrUnknownKey = errors.New("public key not authorized")

// SSHAuthRequest contains the data sent by an agent for SSH authentication.
type SSHAuthRequest struct {
	Pubkey    string // authorized_keys format, e.g. "ssh-ed25519 AAAA..."
	Signature string // base64 of the wire-format signature over "timestamp|nonce"
	Timestamp int64  // Unix seconds
	Nonce     string
}

// SSHVerifier verifies agent signatures against known keys.
type SSHVerifier struct {
	keys       map[string]string // fingerprint -> agent name
	maxAge     time.Duration
	nonceCache *dedupe.Cache
	now        func() time.Time
}

// NewSSHVerifier creates a verifier for the given fingerprint to agent name map.
func NewSSHVerifier(keys map[string]string) *SSHVerifier {
	return newSSHVerifier(keys, time.Now)
}

func newSSHVerifier(keys map[string]string, now func() time.Time) *SSHVerifier {
	return &SSHVerifier{
		keys:       keys,
		maxAge:     SSHAuthMaxAge,
		nonceCache: dedupe.NewWithClock(SSHAuthMaxAge, SSHNonceCacheSize, now),
		now:        now,
	}
}

// LoadAuthorizedKeys parses an authorized_keys file. Each key's comment is
// the agent name; keys without a comment are named by fingerprint.
func LoadAuthorizedKeys(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading authorized keys: %w", err)
	}
	return ParseAuthorizedKeys(data)
}

// ParseAuthorizedKeys parses authorized_keys content into fingerprint -> name.
func ParseAuthorizedKeys(data []byte) (map[string]string, error) {
	keys := make(map[string]string)
	rest := bytes.TrimSpace(data)
	for len(rest) > 0 {
		pubkey, comment, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid authorized key: %w", err)
		}
		fp := ComputeFingerprint(pubkey)
		name := strings.TrimSpace(comment)
		if name == "" {
			name = fp
		}
		keys[fp] = name
		rest = bytes.TrimSpace(next)
	}
	return keys, nil
}

// Verify checks the signature and returns the agent principal for the key.
// Nonces are tracked to prevent replay within the timestamp window.
func (v *SSHVerifier) Verify(req *SSHAuthRequest) (*Principal, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.Pubkey))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	age := v.now().Sub(time.Unix(req.Timestamp, 0))
	if age < -time.Minute {
		return nil, errors.New("timestamp is in the future")
	}
	if age > v.maxAge {
		return nil, fmt.Errorf("signature expired (age: %v, max: %v)", age, v.maxAge)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return nil, fmt.Errorf("invalid signature format: %w", err)
	}
	if err := pubkey.Verify([]byte(signedMessage(req.Timestamp, req.Nonce)), sig); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	fp := ComputeFingerprint(pubkey)
	name, ok := v.keys[fp]
	if !ok {
		return nil, ErrUnknownKey
	}

	// The nonce key includes the fingerprint to prevent cross-key replay.
	if v.nonceCache.CheckAndMark(fmt.Sprintf("%s:%d:%s", fp, req.Timestamp, req.Nonce)) {
		return nil, errors.New("nonce already used (possible replay attack)")
	}

	return &Principal{Subject: name, Role: RoleAgent, Method: MethodSSH}, nil
}

// ComputeFingerprint computes the SHA256 fingerprint of a public key as
// lowercase hex without colons.
func ComputeFingerprint(pubkey ssh.PublicKey) string {
	hash := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(hash[:])
}

// SignRequest produces SSH auth fields for an agent request at now.
func SignRequest(signer ssh.Signer, now time.Time) (*SSHAuthRequest, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	ts := now.Unix()

	sig, err := signer.Sign(rand.Reader, []byte(signedMessage(ts, nonce)))
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return &SSHAuthRequest{
		Pubkey:    strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))),
		Signature: base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
		Timestamp: ts,
		Nonce:     nonce,
	}, nil
}

// Apply sets the SSH auth headers on h.
func (r *SSHAuthRequest) Apply(h http.Header) {
	h.Set(SSHPubkeyHeader, r.Pubkey)
	h.Set(SSHSignatureHeader, r.Signature)
	h.Set(SSHTimestampHeader, strconv.FormatInt(r.Timestamp, 10))
	h.Set(SSHNonceHeader, r.Nonce)
}

// ExtractSSHAuth reads SSH auth fields from request headers. Returns nil if
// no SSH header is present.
func ExtractSSHAuth(h http.Header) *SSHAuthRequest {
	pubkey := h.Get(SSHPubkeyHeader)
	signature := h.Get(SSHSignatureHeader)
	timestampStr := h.Get(SSHTimestampHeader)
	nonce := h.Get(SSHNonceHeader)

	if pubkey == "" && signature == "" && timestampStr == "" && nonce == "" {
		return nil
	}

	timestamp, _ := strconv.ParseInt(timestampStr, 10, 64)

	return &SSHAuthRequest{
		Pubkey:    strings.TrimSpace(pubkey),
		Signature: strings.TrimSpace(signature),
		Timestamp: timestamp,
		Nonce:     strings.TrimSpace(nonce),
	}
}

func signedMessage(timestamp int64, nonce string) string {
	return fmt.Sprintf("%d|%s", timestamp, nonce)
}
