package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/haroldDOTsh/fulcrum/bus"
	"github.com/haroldDOTsh/fulcrum/state"
	"github.com/haroldDOTsh/fulcrum/structs"
)

// Provisioner asks backends to spin up new slots when routing finds no
// eligible one. At most one provision command is outstanding per family;
// the flag clears when an AVAILABLE slot for the family is observed.
type Provisioner struct {
	logger hclog.Logger
	bus    bus.Bus
	store  *state.Store

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewProvisioner creates a provisioner over the given state store.
func NewProvisioner(logger hclog.Logger, b bus.Bus, store *state.Store) *Provisioner {
	return &Provisioner{
		logger:   logger.Named("provision"),
		bus:      b,
		store:    store,
		inFlight: make(map[string]struct{}),
	}
}

// RequestProvision selects a backend advertising the family and sends it a
// provision command. It returns the chosen server ID, or ok=false when the
// family is throttled or no backend is eligible.
func (p *Provisioner) RequestProvision(familyID string, metadata map[string]string) (string, bool) {
	family := strings.ToLower(familyID)

	p.mu.Lock()
	if _, outstanding := p.inFlight[family]; outstanding {
		p.mu.Unlock()
		return "", false
	}
	// Hold the flag through selection so concurrent callers for the same
	// family cannot double-provision.
	p.inFlight[family] = struct{}{}
	p.mu.Unlock()

	server := p.selectServer(family)
	if server == nil {
		p.clearInFlight(family)
		return "", false
	}

	cmd := &structs.SlotProvisionCommand{
		ServerID: server.ID,
		FamilyID: familyID,
		Metadata: structs.CopyMapStringString(metadata),
	}
	if err := p.bus.Send(server.ID, structs.ChanSlotProvisionCommand, cmd); err != nil {
		p.logger.Error("failed to send provision command",
			"server_id", server.ID, "family", familyID, "error", err)
		p.clearInFlight(family)
		return "", false
	}

	metrics.IncrCounterWithLabels([]string{"fulcrum", "provision", "requested"}, 1,
		[]metrics.Label{{Name: "family", Value: family}})
	p.logger.Info("requested slot provision", "server_id", server.ID, "family", familyID)
	return server.ID, true
}

// OnFamilyAvailable clears the in-flight throttle for a family. Called by
// the server registry when a slot of the family turns AVAILABLE.
func (p *Provisioner) OnFamilyAvailable(familyID string) {
	p.clearInFlight(strings.ToLower(familyID))
}

func (p *Provisioner) clearInFlight(family string) {
	p.mu.Lock()
	delete(p.inFlight, family)
	p.mu.Unlock()
}

// selectServer picks the eligible backend with the lowest slot-load ratio,
// breaking ties by oldest heartbeat.
func (p *Provisioner) selectServer(family string) *structs.ServerRecord {
	servers, err := p.store.Servers()
	if err != nil {
		p.logger.Error("failed to list servers", "error", err)
		return nil
	}

	type candidate struct {
		server *structs.ServerRecord
		ratio  float64
	}
	var candidates []candidate
	for _, server := range servers {
		if !server.Status.Accepting() {
			continue
		}
		adv := server.AdvertisesFamily(family)
		if adv == nil {
			continue
		}
		current := server.SlotCountForFamily(family)
		if adv.MaxConcurrent > 0 && current >= adv.MaxConcurrent {
			continue
		}
		ratio := float64(current) / float64(max(1, adv.MaxConcurrent))
		candidates = append(candidates, candidate{server: server, ratio: ratio})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ratio != candidates[j].ratio {
			return candidates[i].ratio < candidates[j].ratio
		}
		return candidates[i].server.LastHeartbeatAt.Before(candidates[j].server.LastHeartbeatAt)
	})
	return candidates[0].server
}
