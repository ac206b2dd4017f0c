package models

import (
	"fmt"

	"github.com/couchlike/couchlike.go/pkg/constants"
)

// EngineType names one backend variant.
type EngineType string

const (
	// EngineUnknown is the type of a connection that has not been resolved yet.
	EngineUnknown     EngineType = ""
	EngineCouchDB     EngineType = "couchDB"
	EngineLocal       EngineType = "pouchDB"
	EngineSyncGateway EngineType = "couchbaseSyncGateway"
)

// ParseEngineType accepts the configuration spellings of each engine type.
func ParseEngineType(s string) (EngineType, error) {
	switch s {
	case "":
		return EngineUnknown, nil
	case "couchDB", "couchdb":
		return EngineCouchDB, nil
	case "pouchDB", "pouchdb", "local":
		return EngineLocal, nil
	case "couchbaseSyncGateway", "syncgateway", "gateway":
		return EngineSyncGateway, nil
	}
	return EngineUnknown, fmt.Errorf("%w: unknown engine type %q", constants.ErrConfiguration, s)
}

func (t EngineType) String() string {
	if t == EngineUnknown {
		return "unknown"
	}
	return string(t)
}

// Capability is the optional feature set of an engine.
type Capability struct {
	Changes         bool `json:"changes" yaml:"changes"`
	Views           bool `json:"views" yaml:"views"`
	ViewIncludeDocs bool `json:"viewIncludeDocs" yaml:"viewIncludeDocs"`
}

var (
	// DefaultCapability is in effect until an engine type is resolved.
	DefaultCapability = Capability{}

	CouchDBCapability = Capability{Changes: true, Views: true, ViewIncludeDocs: true}
	LocalCapability   = Capability{Changes: true, Views: true, ViewIncludeDocs: true}
	// SyncGatewayCapability has no include_docs on views: the gateway's view
	// engine cannot embed bodies reliably, so rows are materialised by id.
	SyncGatewayCapability = Capability{Changes: true, Views: true, ViewIncludeDocs: false}
)

// CapabilityFor returns the fixed capability of an engine type.
func CapabilityFor(t EngineType) Capability {
	switch t {
	case EngineCouchDB:
		return CouchDBCapability
	case EngineLocal:
		return LocalCapability
	case EngineSyncGateway:
		return SyncGatewayCapability
	}
	return DefaultCapability
}
