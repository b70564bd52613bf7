package store

import "errors"

var (
	// ErrStoreUnreadable is returned when a store file is missing, corrupted or
	// not a recognized store format.
	ErrStoreUnreadable = errors.New("store: unreadable")

	// ErrMigrationRequiredButDisabled is returned when a store needs a schema
	// migration and the autoMigrate option is false.
	ErrMigrationRequiredButDisabled = errors.New("store: migration required but disabled")

	// ErrAlreadyAttached is returned when a location already has a live handle.
	ErrAlreadyAttached = errors.New("store: already attached")

	// ErrAttachFailed wraps engine failures while attaching, timeouts included.
	ErrAttachFailed = errors.New("store: attach failed")

	// ErrDetachFailed wraps engine refusals while detaching.
	ErrDetachFailed = errors.New("store: detach failed")

	// ErrStoreBusy is returned when a handle with outstanding leases is detached.
	ErrStoreBusy = errors.New("store: busy")

	// ErrHandleInvalid is returned when a detached handle is used.
	ErrHandleInvalid = errors.New("store: handle invalid")

	// ErrNoMappingModel is returned when a migration is needed but mapping
	// inference is disabled.
	ErrNoMappingModel = errors.New("store: no mapping model")
)
