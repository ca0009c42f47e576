package state

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/haroldDOTsh/fulcrum/ci"
	"github.com/haroldDOTsh/fulcrum/structs"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore()
	must.NoError(t, err)
	return store
}

func mockServer(id string) *structs.ServerRecord {
	return &structs.ServerRecord{
		ID:     id,
		Type:   "game",
		Role:   "game",
		Status: structs.ServerStatusAvailable,
		Slots: map[string]*structs.SlotRecord{
			"a1b2": {
				ID:       structs.MakeSlotID(id, "a1b2"),
				ServerID: id,
				Suffix:   "a1b2",
				GameType: "skywars",
				Status:   structs.SlotStatusAvailable,
				Metadata: map[string]string{structs.MetaKeyFamily: "skywars"},
			},
		},
	}
}

func TestStore_UpsertServer_CopyOnRead(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)

	original := mockServer("game1")
	must.NoError(t, store.UpsertServer(original))

	// Mutating the inserted record must not leak into the store.
	original.Status = structs.ServerStatusDead

	got, err := store.ServerByID("game1")
	must.NoError(t, err)
	must.NotNil(t, got)
	must.Eq(t, structs.ServerStatusAvailable, got.Status)

	// Nor must mutating what the store handed out.
	got.Slots["a1b2"].Status = structs.SlotStatusFaulted
	again, err := store.ServerByID("game1")
	must.NoError(t, err)
	must.Eq(t, structs.SlotStatusAvailable, again.Slots["a1b2"].Status)
}

func TestStore_ServerByID_Missing(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)

	got, err := store.ServerByID("nope")
	must.NoError(t, err)
	must.Nil(t, got)
}

func TestStore_Servers_And_Delete(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)

	must.NoError(t, store.UpsertServer(mockServer("game1")))
	must.NoError(t, store.UpsertServer(mockServer("game2")))

	servers, err := store.Servers()
	must.NoError(t, err)
	must.Len(t, 2, servers)

	must.NoError(t, store.DeleteServer("game1"))
	servers, err = store.Servers()
	must.NoError(t, err)
	must.Len(t, 1, servers)
	must.Eq(t, "game2", servers[0].ID)
}

func TestStore_ServersByRole(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)

	game := mockServer("game1")
	lobby := mockServer("lobby1")
	lobby.Type = "lobby"
	lobby.Role = "lobby"
	must.NoError(t, store.UpsertServer(game))
	must.NoError(t, store.UpsertServer(lobby))

	lobbies, err := store.ServersByRole("lobby")
	must.NoError(t, err)
	must.Len(t, 1, lobbies)
	must.Eq(t, "lobby1", lobbies[0].ID)
}

func TestStore_SlotByID(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)

	must.NoError(t, store.UpsertServer(mockServer("game1")))

	slot, err := store.SlotByID("game1:a1b2")
	must.NoError(t, err)
	must.NotNil(t, slot)
	must.Eq(t, "skywars", slot.GameType)

	slot, err = store.SlotByID("game1:missing")
	must.NoError(t, err)
	must.Nil(t, slot)

	slot, err = store.SlotByID("malformed")
	must.NoError(t, err)
	must.Nil(t, slot)
}

func TestStore_Proxies(t *testing.T) {
	ci.Parallel(t)
	store := testStore(t)

	must.NoError(t, store.UpsertProxy(&structs.ProxyRecord{ID: "proxy1", Type: structs.ProxyTypeMixed}))

	got, err := store.ProxyByID("proxy1")
	must.NoError(t, err)
	must.NotNil(t, got)

	// Copy-on-read for proxies too.
	got.Type = structs.ProxyTypeLobby
	again, err := store.ProxyByID("proxy1")
	must.NoError(t, err)
	must.Eq(t, structs.ProxyTypeMixed, again.Type)

	must.NoError(t, store.DeleteProxy("proxy1"))
	gone, err := store.ProxyByID("proxy1")
	must.NoError(t, err)
	must.Nil(t, gone)
}
