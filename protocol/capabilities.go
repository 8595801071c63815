package protocol

import (
	"sort"
	"strings"
)

// Agent is the agent string advertised by this implementation.
const Agent = "go.git-serve/1.0"

// Capability names understood by this implementation.
const (
	CapMultiAck                 = "multi_ack"
	CapMultiAckDetailed         = "multi_ack_detailed"
	CapSideBand64k              = "side-band-64k"
	CapOfsDelta                 = "ofs-delta"
	CapNoProgress               = "no-progress"
	CapAgent                    = "agent"
	CapSymref                   = "symref"
	CapReportStatus             = "report-status"
	CapDeleteRefs               = "delete-refs"
	CapAtomic                   = "atomic"
	CapPushOptions              = "push-options"
	CapAllowTipSHA1InWant       = "allow-tip-sha1-in-want"
	CapAllowReachableSHA1InWant = "allow-reachable-sha1-in-want"
)

// A CapList represents a set of Git protocol capabilities.  The value
// is empty for plain flag capabilities and holds the part after "="
// for valued ones such as agent and symref.
type CapList map[string]string

// ParseCapList parses a whitespace-separated list of capabilities.
func ParseCapList(s string) CapList {
	c := make(CapList)
	for _, tok := range strings.Fields(s) {
		name, value, _ := strings.Cut(tok, "=")
		c[name] = value
	}
	return c
}

// Has returns true if the named capability is in c.
func (c CapList) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Add inserts the named capability with the given value ("" for flag
// capabilities).
func (c CapList) Add(name, value string) {
	c[name] = value
}

// String returns the capabilities in c joined by spaces, in sorted
// order so that the advertisement is deterministic.
func (c CapList) String() string {
	caps := make([]string, 0, len(c))
	for name, value := range c {
		if value != "" {
			name += "=" + value
		}
		caps = append(caps, name)
	}
	sort.Strings(caps)
	return strings.Join(caps, " ")
}

// Intersect returns the capabilities of c whose names the server set
// also carries, keeping the client's values.  Capabilities the server
// does not recognize are dropped rather than rejected; the negotiated
// set is the intersection of the two.
func (c CapList) Intersect(server CapList) CapList {
	common := make(CapList)
	for name, value := range c {
		if server.Has(name) {
			common[name] = value
		}
	}
	return common
}

// uploadPackCapabilities returns the capability set the server
// advertises for the fetch side.
func uploadPackCapabilities() CapList {
	return CapList{
		CapMultiAck:         "",
		CapMultiAckDetailed: "",
		CapSideBand64k:      "",
		CapOfsDelta:         "",
		CapNoProgress:       "",
		CapAgent:            Agent,
	}
}

// receivePackCapabilities returns the capability set the server
// advertises for the push side.
func receivePackCapabilities() CapList {
	return CapList{
		CapReportStatus: "",
		CapDeleteRefs:   "",
		CapAtomic:       "",
		CapPushOptions:  "",
		CapSideBand64k:  "",
		CapOfsDelta:     "",
		CapAgent:        Agent,
	}
}

// serverCapabilities returns the advertised capability set for the
// given service.
func serverCapabilities(service Service) CapList {
	if service == ReceivePackService {
		return receivePackCapabilities()
	}
	return uploadPackCapabilities()
}
