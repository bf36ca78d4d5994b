package registry

import "errors"

// Sentinel errors the HTTP layer maps into reason codes per spec §7.
var (
	ErrTenantNotFound        = errors.New("tenant_not_found")
	ErrTenantExists          = errors.New("tenant_already_exists")
	ErrInstanceNotFound      = errors.New("instance_not_found")
	ErrInstanceExists        = errors.New("instance_already_exists")
	ErrSourceMappingExists   = errors.New("source_mapping_already_exists")
	ErrClientIDTaken         = errors.New("client_id_already_bound")
	ErrCredentialsExist      = errors.New("credentials_already_exist")
	ErrCredentialsMissing    = errors.New("credentials_missing")
	ErrRotationInProgress    = errors.New("rotation_already_in_progress")
	ErrRotationNotAdopted    = errors.New("secret_rotation_not_adopted")
	ErrNoNextSecretVersion   = errors.New("no_next_secret_version")
	ErrSecretVersionExists   = errors.New("secret_version_already_exists")
	ErrSecretVersionNotFound = errors.New("secret_version_not_found")
	ErrInvalidState          = errors.New("invalid_state")
)
