package session

import "sessioncore/pkg/persist"

type (
	EntityType   = persist.EntityType
	EntityKey    = persist.EntityKey
	EntityStatus = persist.EntityStatus
	VersionStamp = persist.VersionStamp
	Record       = persist.Record
	Reference    = persist.Reference
	KeyRef       = persist.KeyRef
	Schema       = persist.Schema
	SchemaSet    = persist.SchemaSet
	Executor     = persist.Executor
)

const (
	StatusManaged  = persist.StatusManaged
	StatusRemoved  = persist.StatusRemoved
	StatusDetached = persist.StatusDetached
)

const (
	ToOne  = persist.ToOne
	ToMany = persist.ToMany
)
