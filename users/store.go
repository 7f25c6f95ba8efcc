package users

import (
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/teleoplab/relay/common"
)

// Principal is an authenticated identity, human or machine. The relay treats
// it as read-only.
type Principal struct {
	// Identity is the unique name of the principal
	Identity string
	// Admin marks an administrative principal
	Admin bool
}

// CredentialStore lookup of provisioned credential records.
//
// User and password management is out of scope; this interface is the seam
// where an external user database would plug in.
type CredentialStore interface {
	// ByKeyPrefix fetch the record whose API key carries this prefix
	ByKeyPrefix(prefix string) (common.UserCredential, bool)
	// ByIdentity fetch the record for this identity
	ByIdentity(identity string) (common.UserCredential, bool)
}

// staticCredentialStore implements CredentialStore over config file entries
type staticCredentialStore struct {
	goutils.Component
	byPrefix   map[string]common.UserCredential
	byIdentity map[string]common.UserCredential
}

// GetStaticCredentialStore define a CredentialStore over a fixed set of records
func GetStaticCredentialStore(records []common.UserCredential) (CredentialStore, error) {
	logTags := log.Fields{
		"module": "users", "component": "static-credential-store",
	}
	store := &staticCredentialStore{
		Component:  goutils.Component{LogTags: logTags},
		byPrefix:   make(map[string]common.UserCredential),
		byIdentity: make(map[string]common.UserCredential),
	}
	for _, record := range records {
		if _, ok := store.byIdentity[record.Identity]; ok {
			return nil, fmt.Errorf("duplicate credential record for '%s'", record.Identity)
		}
		store.byIdentity[record.Identity] = record
		if record.KeyPrefix != "" {
			if _, ok := store.byPrefix[record.KeyPrefix]; ok {
				return nil, fmt.Errorf("duplicate API key prefix '%s'", record.KeyPrefix)
			}
			store.byPrefix[record.KeyPrefix] = record
		}
	}
	log.WithFields(logTags).Infof("Loaded %d credential records", len(records))
	return store, nil
}

// ByKeyPrefix fetch the record whose API key carries this prefix
func (s *staticCredentialStore) ByKeyPrefix(prefix string) (common.UserCredential, bool) {
	record, ok := s.byPrefix[prefix]
	return record, ok
}

// ByIdentity fetch the record for this identity
func (s *staticCredentialStore) ByIdentity(identity string) (common.UserCredential, bool) {
	record, ok := s.byIdentity[identity]
	return record, ok
}
