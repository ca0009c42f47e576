// Package state implements the registry's in-memory state store. Records
// are immutable once inserted; writers insert deep copies and readers
// receive deep copies, so no mutable reference ever crosses a service
// boundary.
package state

import (
	"fmt"
	"strings"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/haroldDOTsh/fulcrum/structs"
)

// Store gives access to the server and proxy tables.
type Store struct {
	db *memdb.MemDB
}

// NewStore creates an empty state store.
func NewStore() (*Store, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %w", err)
	}
	return &Store{db: db}, nil
}

// UpsertServer inserts or replaces a server record.
func (s *Store) UpsertServer(server *structs.ServerRecord) error {
	if server == nil || server.ID == "" {
		return fmt.Errorf("missing server ID")
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(TableServers, server.Copy()); err != nil {
		return fmt.Errorf("server insert failed: %w", err)
	}
	txn.Commit()
	return nil
}

// ServerByID returns a copy of the server record, or nil when unknown.
func (s *Store) ServerByID(id string) (*structs.ServerRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(TableServers, "id", id)
	if err != nil {
		return nil, fmt.Errorf("server lookup failed: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.ServerRecord).Copy(), nil
}

// DeleteServer removes a server record. Deleting an unknown ID is a no-op.
func (s *Store) DeleteServer(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(TableServers, "id", id); err != nil {
		return fmt.Errorf("server delete failed: %w", err)
	}
	txn.Commit()
	return nil
}

// Servers returns copies of every server record.
func (s *Store) Servers() ([]*structs.ServerRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(TableServers, "id")
	if err != nil {
		return nil, fmt.Errorf("server iteration failed: %w", err)
	}
	var out []*structs.ServerRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.ServerRecord).Copy())
	}
	return out, nil
}

// ServersByRole returns copies of every server with the given role.
func (s *Store) ServersByRole(role string) ([]*structs.ServerRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(TableServers, "role", strings.ToLower(role))
	if err != nil {
		return nil, fmt.Errorf("server role iteration failed: %w", err)
	}
	var out []*structs.ServerRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.ServerRecord).Copy())
	}
	return out, nil
}

// SlotByID resolves a full "<serverId>:<suffix>" slot ID to a slot copy,
// nil when either half is unknown. An ID without a suffix separator can
// never name a slot and resolves to nil as well.
func (s *Store) SlotByID(slotID string) (*structs.SlotRecord, error) {
	serverID, suffix, ok := strings.Cut(slotID, ":")
	if !ok {
		return nil, nil
	}
	server, err := s.ServerByID(serverID)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return nil, nil
	}
	slot, ok := server.Slots[suffix]
	if !ok {
		return nil, nil
	}
	return slot, nil
}

// UpsertProxy inserts or replaces a proxy record.
func (s *Store) UpsertProxy(proxy *structs.ProxyRecord) error {
	if proxy == nil || proxy.ID == "" {
		return fmt.Errorf("missing proxy ID")
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(TableProxies, proxy.Copy()); err != nil {
		return fmt.Errorf("proxy insert failed: %w", err)
	}
	txn.Commit()
	return nil
}

// ProxyByID returns a copy of the proxy record, or nil when unknown.
func (s *Store) ProxyByID(id string) (*structs.ProxyRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(TableProxies, "id", id)
	if err != nil {
		return nil, fmt.Errorf("proxy lookup failed: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.ProxyRecord).Copy(), nil
}

// DeleteProxy removes a proxy record.
func (s *Store) DeleteProxy(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(TableProxies, "id", id); err != nil {
		return fmt.Errorf("proxy delete failed: %w", err)
	}
	txn.Commit()
	return nil
}

// Proxies returns copies of every proxy record.
func (s *Store) Proxies() ([]*structs.ProxyRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(TableProxies, "id")
	if err != nil {
		return nil, fmt.Errorf("proxy iteration failed: %w", err)
	}
	var out []*structs.ProxyRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.ProxyRecord).Copy())
	}
	return out, nil
}
