// Package model defines the killmail domain types shared across the
// ingestion, enrichment, storage, and broadcast components.
package model

import "time"

// EntityKind tags the union of entity types the enrichment cache resolves.
type EntityKind string

const (
	EntityCharacter    EntityKind = "characters"
	EntityCorporation  EntityKind = "corporations"
	EntityAlliance     EntityKind = "alliances"
	EntityShipType     EntityKind = "ship_types"
	EntityGroup        EntityKind = "groups"
	EntitySolarSystem  EntityKind = "systems"
)

// EntityRef identifies an entity by kind and id, as referenced from a raw
// killmail before resolution.
type EntityRef struct {
	Kind EntityKind
	ID   int64
}

// Entity is a resolved entity: a name (and whatever else the source API
// returned) keyed by kind and id. Attributes is intentionally opaque — only
// Name is relied upon elsewhere.
type Entity struct {
	Kind       EntityKind     `json:"kind"`
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Position is an optional 3D location carried on victims/attackers.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Victim describes the losing side of a killmail.
type Victim struct {
	CharacterID   int64    `json:"character_id,omitempty"`
	CorporationID int64    `json:"corporation_id,omitempty"`
	AllianceID    int64    `json:"alliance_id,omitempty"`
	ShipTypeID    int64    `json:"ship_type_id,omitempty"`
	DamageTaken   int64    `json:"damage_taken,omitempty"`
	Position      Position `json:"position,omitempty"`
}

// Attacker describes one participant credited on a killmail.
type Attacker struct {
	CharacterID   int64   `json:"character_id,omitempty"`
	CorporationID int64   `json:"corporation_id,omitempty"`
	AllianceID    int64   `json:"alliance_id,omitempty"`
	ShipTypeID    int64   `json:"ship_type_id,omitempty"`
	WeaponTypeID  int64   `json:"weapon_type_id,omitempty"`
	DamageDone    int64   `json:"damage_done,omitempty"`
	FinalBlow     bool    `json:"final_blow,omitempty"`
	SecurityDrop  float64 `json:"security_status,omitempty"`
}

// RawKillmail is the as-ingested killmail merged with its zkb metadata,
// before entity resolution.
type RawKillmail struct {
	KillmailID   int64          `json:"killmail_id"`
	Time         time.Time      `json:"killmail_time"`
	SolarSystemID int64         `json:"solar_system_id"`
	Victim       Victim         `json:"victim"`
	Attackers    []Attacker     `json:"attackers"`
	ZKB          map[string]any `json:"zkb,omitempty"`
}

// ResolvedVictim is a Victim with its entity references resolved to names.
type ResolvedVictim struct {
	Victim
	CharacterName   string `json:"character_name,omitempty"`
	CorporationName string `json:"corporation_name,omitempty"`
	AllianceName    string `json:"alliance_name,omitempty"`
	ShipTypeName    string `json:"ship_type_name,omitempty"`
}

// ResolvedAttacker is an Attacker with its entity references resolved.
type ResolvedAttacker struct {
	Attacker
	CharacterName   string `json:"character_name,omitempty"`
	CorporationName string `json:"corporation_name,omitempty"`
	AllianceName    string `json:"alliance_name,omitempty"`
	ShipTypeName    string `json:"ship_type_name,omitempty"`
	WeaponTypeName  string `json:"weapon_type_name,omitempty"`
}

// EnrichedKillmail is a RawKillmail with all entity references resolved to
// names. enriched.KillmailID == raw.KillmailID always; enrichment is
// idempotent, so re-enriching an EnrichedKillmail's underlying raw record
// yields a byte-for-byte-equal result modulo map ordering.
type EnrichedKillmail struct {
	KillmailID      int64              `json:"killmail_id"`
	Time            time.Time          `json:"killmail_time"`
	SolarSystemID   int64              `json:"solar_system_id"`
	SolarSystemName string             `json:"solar_system_name,omitempty"`
	Victim          ResolvedVictim     `json:"victim"`
	Attackers       []ResolvedAttacker `json:"attackers"`
	TotalValue      float64            `json:"total_value,omitempty"`
	ZKB             map[string]any     `json:"zkb,omitempty"`
}

// Event is the unit stored in the event log: a sequence-numbered, enriched
// killmail tagged with the system it occurred in and its insertion time.
type Event struct {
	Seq         uint64           `json:"seq"`
	SystemID    int64            `json:"system_id"`
	Killmail    EnrichedKillmail `json:"killmail"`
	InsertedAt  time.Time        `json:"inserted_at"`
}

// Subscription records one subscriber's interest in a set of solar systems,
// reachable either through an attached channel session or a webhook URL.
type Subscription struct {
	SubID        string    `json:"sub_id"`
	SubscriberID string    `json:"subscriber_id"`
	SystemIDs    []int64   `json:"system_ids"`
	CallbackURL  string    `json:"callback_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasSystem reports whether systemID is among the subscription's interests.
func (s Subscription) HasSystem(systemID int64) bool {
	for _, id := range s.SystemIDs {
		if id == systemID {
			return true
		}
	}
	return false
}
