package state

import (
	memdb "github.com/hashicorp/go-memdb"
)

const (
	// TableServers holds *structs.ServerRecord entries.
	TableServers = "servers"

	// TableProxies holds *structs.ProxyRecord entries.
	TableProxies = "proxies"
)

// stateStoreSchema returns the memdb schema for the registry state store.
func stateStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			TableServers: serverTableSchema(),
			TableProxies: proxyTableSchema(),
		},
	}
}

func serverTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableServers,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "ID"},
			},
			"type": {
				Name:         "type",
				AllowMissing: true,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "Type", Lowercase: true},
			},
			"role": {
				Name:         "role",
				AllowMissing: true,
				Unique:       false,
				Indexer:      &memdb.StringFieldIndex{Field: "Role", Lowercase: true},
			},
		},
	}
}

func proxyTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableProxies,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer:      &memdb.StringFieldIndex{Field: "ID"},
			},
		},
	}
}
