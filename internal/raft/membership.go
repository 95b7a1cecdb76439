package raft

import "encoding/json"

// Configuration is the set of voting members in force. Joint-consensus
// membership changes (spec §4.7) are modeled as a single log entry whose
// Command is the JSON encoding of a Configuration with both Old and New
// populated during the transition, and New alone once C_new is committed.
type Configuration struct {
	Old []string `json:"old,omitempty"`
	New []string
}

// Joint reports whether this is a C_old,new transitional configuration.
func (c Configuration) Joint() bool { return len(c.Old) > 0 }

// Voters returns every member that must be counted for quorum: in a joint
// configuration that is the union of Old and New. HasMajority separately
// requires a majority of each of Old and New.
func (c Configuration) Voters() []string {
	if !c.Joint() {
		return c.New
	}
	seen := make(map[string]bool, len(c.Old)+len(c.New))
	var out []string
	for _, m := range c.Old {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	for _, m := range c.New {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// HasMajority reports whether votes (a set of member IDs) forms a quorum
// of Old and of New independently when joint, or of New alone otherwise —
// the joint-consensus safety property that a log entry commits only when
// it would commit under both the old and the new configuration.
func (c Configuration) HasMajority(votes map[string]bool) bool {
	majorityOf := func(members []string) bool {
		if len(members) == 0 {
			return true
		}
		count := 0
		for _, m := range members {
			if votes[m] {
				count++
			}
		}
		return count*2 > len(members)
	}
	if c.Joint() && !majorityOf(c.Old) {
		return false
	}
	return majorityOf(c.New)
}

// EncodeConfiguration serializes a Configuration for storage as a log
// entry's Command.
func EncodeConfiguration(c Configuration) ([]byte, error) { return json.Marshal(c) }

// DecodeConfiguration parses a Configuration log entry's Command.
func DecodeConfiguration(b []byte) (Configuration, error) {
	var c Configuration
	err := json.Unmarshal(b, &c)
	return c, err
}
