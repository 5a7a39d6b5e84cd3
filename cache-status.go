package gqlcache

import "fmt"

// CacheStatusName is used as the cache identifier in Cache-Status values.
const CacheStatusName = "gqlcache"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The fetch policy did not allow answering from the cache.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The operation's semantics require it to be forwarded (mutations).
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The cache could not answer any of the selected fields.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"

	// The cache could answer some, but not all, of the selected fields.
	CacheStatusFwdPartial CacheStatusFwdReason = "partial"
)

// CacheStatus describes how an operation was handled,
// in the format of the RFC 9211 Cache-Status header field.
type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
	// Whether the network result was written to the cache.
	Stored bool
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) IsHit() bool {
	return cs.status == CacheStatusHit
}

func (cs CacheStatus) Status() CacheStatusStatus {
	return cs.status
}

func (cs CacheStatus) FwdReason() CacheStatusFwdReason {
	return cs.fwdReason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", CacheStatusName, cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
