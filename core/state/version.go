package state

import (
	"errors"
	"fmt"
	"math"
)

// SchemaVersion identifies the on-disk layout of the rebase ledger. Increment
// it whenever a stored field changes meaning or encoding.
const SchemaVersion uint32 = 1

var (
	schemaVersionKey = []byte("rebase/schema-version")
	// ErrSchemaVersionMismatch indicates the stored layout was written by a
	// binary with a different schema.
	ErrSchemaVersionMismatch = errors.New("state: schema version mismatch")
)

// SetSchemaVersion records the provided schema version.
func (m *Manager) SetSchemaVersion(version uint32) error {
	return m.KVPut(schemaVersionKey, uint64(version))
}

// SchemaVersion returns the stored schema version and whether it was present.
func (m *Manager) SchemaVersion() (uint32, bool, error) {
	var stored uint64
	ok, err := m.KVGet(schemaVersionKey, &stored)
	if err != nil || !ok {
		return 0, ok, err
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureSchemaVersion verifies that a populated database matches the version
// supported by this binary. An empty database passes. When allowMigrate is
// true mismatches are tolerated so operators can migrate by hand.
func (m *Manager) EnsureSchemaVersion(allowMigrate bool) error {
	version, ok, err := m.SchemaVersion()
	if err != nil {
		return err
	}
	if !ok {
		populated, err := m.KVGet(ledgerFieldKey(fieldTotalShares), nil)
		if err != nil {
			return err
		}
		if !populated {
			return nil
		}
	}
	if version == SchemaVersion || allowMigrate {
		return nil
	}
	return fmt.Errorf("%w: on-disk=%d expected=%d", ErrSchemaVersionMismatch, version, SchemaVersion)
}
