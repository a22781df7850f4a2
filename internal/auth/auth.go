package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
)

const (
	// RoleQueryReader may ask questions and download results.
	RoleQueryReader = "query_reader"
	// RoleDatasetWriter may upload and restore datasets.
	RoleDatasetWriter = "dataset_writer"
)

var knownRoles = map[string]struct{}{
	RoleQueryReader:   {},
	RoleDatasetWriter: {},
}

// Identity is the caller behind an API key.
type Identity struct {
	Name  string
	Roles []string
}

func (i Identity) HasRole(role string) bool {
	for _, candidate := range i.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type staticKey struct {
	digest   [sha256.Size]byte
	identity Identity
}

// StaticAPIKeyValidator checks keys configured as
// "key:name:role|role,key2:name2:role".
type StaticAPIKeyValidator struct {
	keys []staticKey
}

func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	seen := map[string]struct{}{}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:name:role|role", entry)
		}
		key := strings.TrimSpace(parts[0])
		name := strings.TrimSpace(parts[1])
		if key == "" || name == "" {
			return nil, fmt.Errorf("invalid static key entry for %q: empty key or name", name)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate static key for %q", name)
		}
		seen[key] = struct{}{}

		roles := make([]string, 0)
		for _, role := range strings.Split(strings.TrimSpace(parts[2]), "|") {
			role = strings.TrimSpace(role)
			if role == "" {
				continue
			}
			if _, ok := knownRoles[role]; !ok {
				return nil, fmt.Errorf("invalid static key entry for %q: unknown role %q", name, role)
			}
			roles = append(roles, role)
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry for %q: at least one role is required", name)
		}
		sort.Strings(roles)
		validator.keys = append(validator.keys, staticKey{
			digest:   sha256.Sum256([]byte(key)),
			identity: Identity{Name: name, Roles: roles},
		})
	}
	return validator, nil
}

// Validate compares digests in constant time and checks every key.
func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	digest := sha256.Sum256([]byte(apiKey))
	var (
		match Identity
		found bool
	)
	for _, candidate := range v.keys {
		if subtle.ConstantTimeCompare(digest[:], candidate.digest[:]) == 1 {
			match = candidate.identity
			found = true
		}
	}
	return match, found
}
