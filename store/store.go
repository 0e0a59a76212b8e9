// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package store implements the point-value store: the server engine over
// a storage back-end, the session protocol surface, and the client proxy.
package store

import (
	"github.com/google/uuid"

	"github.com/pointvault/pointvault/point"
)

// Security roles gating store operations. A role with no mapping in the
// realm is unrestricted.
const (
	RoleQuery  = "query"
	RoleUpdate = "update"
	RolePurge  = "purge"
)

// Capabilities describes what a store supports. Clients fetch it once
// right after connecting and decide locally which operations to attempt.
type Capabilities struct {
	Count         bool `json:"count,omitempty"`
	Purge         bool `json:"purge,omitempty"`
	Pull          bool `json:"pull,omitempty"`
	Subscribe     bool `json:"subscribe,omitempty"`
	Deliver       bool `json:"deliver,omitempty"`
	ResponseLimit int  `json:"response_limit,omitempty"`
}

// Protocol operation names.
const (
	opCapabilities = "capabilities"
	opSelect       = "select"
	opUpdate       = "update"
	opPull         = "pull"
	opPurge        = "purge"
	opSubscribe     = "subscribe"
	opUnsubscribe   = "unsubscribe"
	opDeliver       = "deliver"
	opGetSubscribed = "getSubscribedValues"
	opBindPoints    = "bindPoints"
)

type selectParams struct {
	// Queries may hold nil slots; the aligned response slot is nil too.
	Queries []*point.Query `json:"queries"`
}

type selectResult struct {
	// Responses align with the request queries: slot i answers query i.
	Responses []*point.StoreValues `json:"responses"`
}

type updateParams struct {
	Values []point.Value `json:"values"`
}

type updateResult struct {
	// Faults align with the request values: a nil slot means the value
	// was accepted.
	Faults []*point.Fault `json:"faults"`
}

type pullParams struct {
	// Query scopes the pull and must carry the pull flag; its row limit
	// caps one answer.
	Query         *point.Query `json:"query"`
	TimeoutMillis int64        `json:"timeout_millis"`
}

type purgeParams struct {
	PointUUIDs []uuid.UUID        `json:"point_uuids"`
	Interval   point.TimeInterval `json:"interval"`
}

type purgeResult struct {
	Purged int `json:"purged"`
}

type bindPointsParams struct {
	Names []string `json:"names"`
}

type bindPointsResult struct {
	// Bound aligns with the request names: the zero UUID marks a name
	// the server could not resolve.
	Bound []uuid.UUID `json:"bound"`
}

type subscribeParams struct {
	PointUUIDs []uuid.UUID `json:"point_uuids"`
}

type deliverParams struct {
	Limit         int   `json:"limit,omitempty"`
	TimeoutMillis int64 `json:"timeout_millis"`
}
