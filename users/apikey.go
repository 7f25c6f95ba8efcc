package users

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"golang.org/x/crypto/pbkdf2"
)

// apiKeySeparator splits an API key into its lookup prefix and its secret
const apiKeySeparator = "."

// apiKeyHashLen is the byte length of the stored secret hash
const apiKeyHashLen = sha256.Size

// APIKeyAuthenticator verifies machine publisher API keys of the form
// "<prefix>.<secret>"
type APIKeyAuthenticator interface {
	// Authenticate verify an API key. Returns the matching active principal,
	// or nil if the key does not map to one.
	Authenticate(apiKey string) (*Principal, error)
}

// apiKeyAuthenticatorImpl implements APIKeyAuthenticator
type apiKeyAuthenticatorImpl struct {
	goutils.Component
	store      CredentialStore
	iterations int
}

// GetAPIKeyAuthenticator define an APIKeyAuthenticator
func GetAPIKeyAuthenticator(
	store CredentialStore, hashIterations int,
) (APIKeyAuthenticator, error) {
	logTags := log.Fields{
		"module": "users", "component": "api-key-authenticator",
	}
	return &apiKeyAuthenticatorImpl{
		Component:  goutils.Component{LogTags: logTags},
		store:      store,
		iterations: hashIterations,
	}, nil
}

// Authenticate verify an API key
func (a *apiKeyAuthenticatorImpl) Authenticate(apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, nil
	}
	prefix, secret, found := splitAPIKey(apiKey)
	if !found || prefix == "" {
		log.WithFields(a.LogTags).Debug("Rejected malformed API key")
		return nil, nil
	}

	record, ok := a.store.ByKeyPrefix(prefix)
	if !ok || record.KeyHash == "" {
		log.WithFields(a.LogTags).Debugf("No credential record for prefix '%s'", prefix)
		return nil, nil
	}

	salt, err := hex.DecodeString(record.KeySalt)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf(
			"Corrupted key salt on record '%s'", record.Identity,
		)
		return nil, err
	}
	stored, err := hex.DecodeString(record.KeyHash)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf(
			"Corrupted key hash on record '%s'", record.Identity,
		)
		return nil, err
	}

	derived := HashAPIKeySecret(secret, salt, a.iterations)
	// Constant time comparison. The verdict must not leak how much of the
	// secret matched.
	if subtle.ConstantTimeCompare(derived, stored) != 1 {
		log.WithFields(a.LogTags).Debugf("Secret mismatch for prefix '%s'", prefix)
		return nil, nil
	}
	if !record.Active {
		log.WithFields(a.LogTags).Debugf("Rejected inactive principal '%s'", record.Identity)
		return nil, nil
	}

	return &Principal{Identity: record.Identity, Admin: record.Admin}, nil
}

// splitAPIKey break an API key into prefix and secret
func splitAPIKey(apiKey string) (string, string, bool) {
	parts := strings.SplitN(apiKey, apiKeySeparator, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// HashAPIKeySecret derive the stored hash of an API key secret
func HashAPIKeySecret(secret string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(secret), salt, iterations, apiKeyHashLen, sha256.New)
}

// MintedAPIKey is a freshly generated API key along with the values to
// provision for it
type MintedAPIKey struct {
	// APIKey is the complete "<prefix>.<secret>" to hand to the publisher
	APIKey string
	// KeyPrefix is the lookup prefix to store on the credential record
	KeyPrefix string
	// KeySalt is the hex encoded salt to store on the credential record
	KeySalt string
	// KeyHash is the hex encoded secret hash to store on the credential record
	KeyHash string
}

// MintAPIKey generate a new random API key and its credential record values
func MintAPIKey(hashIterations int) (MintedAPIKey, error) {
	rawPrefix := make([]byte, 5)
	if _, err := rand.Read(rawPrefix); err != nil {
		return MintedAPIKey{}, err
	}
	rawSecret := make([]byte, 32)
	if _, err := rand.Read(rawSecret); err != nil {
		return MintedAPIKey{}, err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return MintedAPIKey{}, err
	}

	prefix := "uapi_" + hex.EncodeToString(rawPrefix)
	secret := base64.RawURLEncoding.EncodeToString(rawSecret)
	hash := HashAPIKeySecret(secret, salt, hashIterations)

	return MintedAPIKey{
		APIKey:    prefix + apiKeySeparator + secret,
		KeyPrefix: prefix,
		KeySalt:   hex.EncodeToString(salt),
		KeyHash:   hex.EncodeToString(hash),
	}, nil
}
