// Package rescuepw implements rescue-password hashing (C10): crypt(3)
// SHA-256-crypt and SHA-512-crypt ($5$/$6$) salt generation and hashing,
// per Ulrich Drepper's public "Unix crypt using SHA-256 and SHA-512"
// specification, plus the instance_info scrub routine run once rescue
// mode is torn down.
//
// No pack library implements crypt(3)'s SHA-2 variants: evaluated
// golang.org/x/crypto (an indirect teacher dependency) ships bcrypt,
// scrypt, and pbkdf2, but none of its packages produce a $5$/$6$ hash —
// the wire format here is a fixed public spec, not a library choice, the
// same reasoning pkg/configdrive applies to gzip+base64 packaging.
package rescuepw

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/types"
)

// Algorithm selects the crypt(3) hash family.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

const saltAlphabet = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const defaultRounds = 5000

// MakeSalt returns a crypt-format salt tagged for algo, e.g. "$5$<16 chars>"
// or "$6$<16 chars>".
func MakeSalt(algo Algorithm) (string, error) {
	tag, err := idTag(algo)
	if err != nil {
		return "", err
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating rescue password salt: %w", err)
	}
	salt := make([]byte, 16)
	for i, b := range raw {
		salt[i] = saltAlphabet[int(b)%len(saltAlphabet)]
	}
	return fmt.Sprintf("$%s$%s", tag, salt), nil
}

func idTag(algo Algorithm) (string, error) {
	switch algo {
	case SHA256:
		return "5", nil
	case SHA512:
		return "6", nil
	}
	return "", cerrors.NewInvalidParameterValue("unknown rescue password hash algorithm %q", algo)
}

// HashPassword computes the crypt(3) hash of pw over salt (a string
// previously returned by MakeSalt, "$5$..." or "$6$..."), returning the
// full "$id$salt$hash" encoded string.
func HashPassword(pw, salt string) (string, error) {
	tag, rawSalt, rounds, err := parseSalt(salt)
	if err != nil {
		return "", err
	}

	switch tag {
	case "5":
		return shaCrypt(sha256.New, 32, pw, rawSalt, rounds, shaCryptPerm256), nil
	case "6":
		return shaCrypt(sha512.New, 64, pw, rawSalt, rounds, shaCryptPerm512), nil
	}
	return "", cerrors.NewInvalidParameterValue("unrecognized crypt salt tag %q", tag)
}

func parseSalt(salt string) (tag, rawSalt string, rounds int, err error) {
	if len(salt) < 3 || salt[0] != '$' {
		return "", "", 0, cerrors.NewInvalidParameterValue("malformed crypt salt %q", salt)
	}
	rest := salt[1:]
	i := indexByte(rest, '$')
	if i < 0 {
		return "", "", 0, cerrors.NewInvalidParameterValue("malformed crypt salt %q", salt)
	}
	tag = rest[:i]
	rest = rest[i+1:]
	rounds = defaultRounds

	const roundsPrefix = "rounds="
	if len(rest) > len(roundsPrefix) && rest[:len(roundsPrefix)] == roundsPrefix {
		j := indexByte(rest, '$')
		if j < 0 {
			return "", "", 0, cerrors.NewInvalidParameterValue("malformed crypt salt %q", salt)
		}
		n := 0
		for _, c := range rest[len(roundsPrefix):j] {
			if c < '0' || c > '9' {
				return "", "", 0, cerrors.NewInvalidParameterValue("malformed rounds specifier in salt %q", salt)
			}
			n = n*10 + int(c-'0')
		}
		rounds = n
		rest = rest[j+1:]
	}

	if k := indexByte(rest, '$'); k >= 0 {
		rest = rest[:k]
	}
	if len(rest) > 16 {
		rest = rest[:16]
	}
	return tag, rest, rounds, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// RemoveNodeRescuePassword drops both the plaintext and hashed rescue
// password from a node's instance_info. It only mutates the in-memory
// record; persisting the node afterward is left to the caller.
func RemoveNodeRescuePassword(node *types.Node) {
	if node.InstanceInfo == nil {
		return
	}
	delete(node.InstanceInfo, "rescue_password")
	delete(node.InstanceInfo, "hashed_rescue_password")
}
