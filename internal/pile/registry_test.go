package pile

import (
	"testing"
	"time"
)

func connector(id int, status Status) Connector {
	return Connector{ConnectorID: id, Status: status, ErrorCode: "NoError"}
}

func TestRegisterCreatesDefaultConnector(t *testing.T) {
	r := NewRegistry(10 * time.Minute)
	r.Register("pile-1")

	p, ok := r.Pile("pile-1")
	if !ok {
		t.Fatal("pile missing after register")
	}
	if !p.Online {
		t.Error("pile not online")
	}
	if len(p.Connectors) != 1 || p.Connectors[0].ConnectorID != 1 {
		t.Errorf("connectors %+v", p.Connectors)
	}
	if p.Status != StatusAvailable {
		t.Errorf("status %s, want Available", p.Status)
	}
}

func TestUnregisterKeepsMetadata(t *testing.T) {
	r := NewRegistry(10 * time.Minute)
	r.Register("pile-1")
	r.UpdateInfo("pile-1", Info{Vendor: "ACME", Model: "X1"})
	r.Unregister("pile-1")

	p, ok := r.Pile("pile-1")
	if !ok {
		t.Fatal("pile forgotten on unregister")
	}
	if p.Online {
		t.Error("pile still online")
	}
	if p.Status != StatusUnavailable {
		t.Errorf("status %s, want Unavailable", p.Status)
	}
	if p.Info.Vendor != "ACME" {
		t.Error("metadata lost on unregister")
	}
}

func TestUpdateInfoPartial(t *testing.T) {
	r := NewRegistry(10 * time.Minute)
	r.UpdateInfo("pile-1", Info{Vendor: "ACME", Model: "X1", FirmwareVersion: "1.0"})
	r.UpdateInfo("pile-1", Info{FirmwareVersion: "1.1"})

	p, _ := r.Pile("pile-1")
	if p.Info.Vendor != "ACME" || p.Info.FirmwareVersion != "1.1" {
		t.Errorf("info %+v", p.Info)
	}
}

func TestStatusRollupPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"faulted wins over charging", []Status{StatusCharging, StatusFaulted}, StatusFaulted},
		{"charging wins over suspended", []Status{StatusSuspendedEV, StatusCharging}, StatusCharging},
		{"suspended ev over evse", []Status{StatusSuspendedEV, StatusSuspendedEVSE}, StatusSuspendedEV},
		{"preparing over finishing", []Status{StatusFinishing, StatusPreparing}, StatusPreparing},
		{"reserved", []Status{StatusAvailable, StatusReserved}, StatusReserved},
		{"all available", []Status{StatusAvailable, StatusAvailable}, StatusAvailable},
		{"mixed unavailable", []Status{StatusAvailable, StatusUnavailable}, StatusUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(10 * time.Minute)
			r.Register("pile-1")
			for i, s := range tt.statuses {
				r.UpdateConnectorStatus("pile-1", connector(i+1, s))
			}
			if got := r.Status("pile-1"); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUpdateConnectorStatusAddsConnector(t *testing.T) {
	r := NewRegistry(10 * time.Minute)
	r.Register("pile-1")
	r.UpdateConnectorStatus("pile-1", connector(2, StatusCharging))

	p, _ := r.Pile("pile-1")
	if len(p.Connectors) != 2 {
		t.Fatalf("got %d connectors, want 2", len(p.Connectors))
	}
	if p.Status != StatusCharging {
		t.Errorf("rollup %s, want Charging", p.Status)
	}
}

func TestHeartbeatSweepMarksOffline(t *testing.T) {
	r := NewRegistry(10 * time.Minute)
	r.Register("pile-stale")
	r.Register("pile-fresh")

	now := time.Now()
	r.now = func() time.Time { return now.Add(11 * time.Minute) }
	r.UpdateHeartbeat("pile-fresh")
	r.sweep()

	if r.IsOnline("pile-stale") {
		t.Error("stale pile still online after sweep")
	}
	if !r.IsOnline("pile-fresh") {
		t.Error("fresh pile marked offline")
	}
}

func TestStatistics(t *testing.T) {
	r := NewRegistry(10 * time.Minute)
	r.Register("pile-1")
	r.Register("pile-2")
	r.Register("pile-3")
	r.UpdateConnectorStatus("pile-2", connector(1, StatusCharging))
	r.Unregister("pile-3")

	stats := r.Statistics()
	if stats.TotalPiles != 3 || stats.OnlinePiles != 2 || stats.OfflinePiles != 1 {
		t.Errorf("counts %+v", stats)
	}
	if stats.AvailablePiles != 1 || stats.ChargingPiles != 1 {
		t.Errorf("status counts %+v", stats)
	}
	if stats.StatusDistribution[StatusUnavailable] != 1 {
		t.Errorf("distribution %+v", stats.StatusDistribution)
	}
	if stats.OnlineRate < 0.66 || stats.OnlineRate > 0.67 {
		t.Errorf("online rate %v", stats.OnlineRate)
	}
}

func TestUnknownPileQueries(t *testing.T) {
	r := NewRegistry(10 * time.Minute)

	if _, ok := r.Pile("nope"); ok {
		t.Error("unknown pile found")
	}
	if got := r.Status("nope"); got != StatusUnavailable {
		t.Errorf("status %s, want Unavailable", got)
	}
	if r.IsOnline("nope") {
		t.Error("unknown pile online")
	}
}
