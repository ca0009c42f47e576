package registry

import (
	"strings"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/haroldDOTsh/fulcrum/structs"
)

// handleEnvironmentRoute moves a player to a server selected by role
// instead of by slot family. Lobby returns and hub transfers take this
// path; there is no reservation handshake and no retry loop.
func (r *Router) handleEnvironmentRoute(msg *structs.EnvironmentRouteRequest) {
	server := r.resolveEnvironmentServer(msg)
	if server == nil {
		r.logger.Warn("no server available for environment",
			"request_id", msg.RequestID, "environment", msg.TargetEnvironmentID)
		metrics.IncrCounter([]string{"fulcrum", "routing", "environment_unavailable"}, 1)
		if msg.FailureMode != structs.FailureModeStay {
			r.sendDisconnect(msg.RequestID, msg.PlayerID, msg.PlayerName, msg.ProxyID,
				structs.ReasonEnvironmentUnavailable)
		}
		return
	}

	// Environment routes address a server, not a provisioned slot; the
	// synthetic slot ID keeps the wire shape of a normal route command.
	slotID := structs.MakeEnvironmentSlotID(msg.TargetEnvironmentID, server.ID)
	meta := map[string]string{
		structs.MetaKeyEnvironment:  msg.TargetEnvironmentID,
		structs.MetaKeyTargetServer: server.ID,
		structs.MetaKeyRouteType:    "environment",
	}
	if msg.OriginServerID != "" {
		meta[structs.MetaKeyOriginServer] = msg.OriginServerID
	}

	cmd := &structs.PlayerRouteCommand{
		Action:      structs.RouteActionRoute,
		RequestID:   msg.RequestID,
		PlayerID:    msg.PlayerID,
		PlayerName:  msg.PlayerName,
		ProxyID:     msg.ProxyID,
		ServerID:    server.ID,
		SlotID:      slotID,
		SlotSuffix:  "env",
		TargetWorld: msg.WorldName,
		SpawnX:      msg.SpawnX,
		SpawnY:      msg.SpawnY,
		SpawnZ:      msg.SpawnZ,
		SpawnYaw:    msg.SpawnYaw,
		SpawnPitch:  msg.SpawnPitch,
		Metadata:    meta,
	}
	if err := r.bus.Send(msg.ProxyID, structs.ChanRouteCommand, cmd); err != nil {
		r.logger.Error("failed to send environment route to proxy",
			"request_id", msg.RequestID, "proxy_id", msg.ProxyID, "error", err)
	}
	if err := r.bus.Send(server.ID, structs.ChanServerPlayerRoute, cmd); err != nil {
		r.logger.Error("failed to send environment route to backend",
			"request_id", msg.RequestID, "server_id", server.ID, "error", err)
	}

	delete(r.playerActiveSlots, msg.PlayerID)
	metrics.IncrCounterWithLabels([]string{"fulcrum", "routing", "environment_routed"}, 1,
		[]metrics.Label{{Name: "environment", Value: msg.TargetEnvironmentID}})
	r.logger.Debug("dispatched environment route", "request_id", msg.RequestID,
		"player_id", msg.PlayerID, "server_id", server.ID)
}

// resolveEnvironmentServer honors an explicit target when it is usable,
// otherwise load-balances across the environment's role.
func (r *Router) resolveEnvironmentServer(msg *structs.EnvironmentRouteRequest) *structs.ServerRecord {
	servers, err := r.slots.Servers()
	if err != nil {
		r.logger.Error("server scan failed", "error", err)
		return nil
	}

	usable := func(server *structs.ServerRecord) bool {
		if !server.Status.Accepting() {
			return false
		}
		if !strings.EqualFold(server.Role, msg.TargetEnvironmentID) {
			return false
		}
		if server.MaxCapacity > 0 && server.CurrentPlayerCount >= server.MaxCapacity {
			return false
		}
		return true
	}

	if msg.TargetServerID != "" {
		for _, server := range servers {
			if strings.EqualFold(server.ID, msg.TargetServerID) && usable(server) {
				return server
			}
		}
		// The explicit target is gone or full; fall back to the role.
	}

	var best *structs.ServerRecord
	bestRatio := 0.0
	for _, server := range servers {
		if !usable(server) {
			continue
		}
		ratio := 0.0
		if server.MaxCapacity > 0 {
			ratio = float64(server.CurrentPlayerCount) / float64(server.MaxCapacity)
		}
		if best == nil || ratio < bestRatio {
			best = server
			bestRatio = ratio
		}
	}
	return best
}
