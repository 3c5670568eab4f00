package types

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/vmihailenco/msgpack/v4"
)

const rootSetSigningDomain = "zt-rootset-v1"

// RootMember is one trust-anchor node of a RootSet.
type RootMember struct {
	Identity  *Identity  `msgpack:"i"`
	Endpoints []Endpoint `msgpack:"e,omitempty"`
	Signature []byte     `msgpack:"s,omitempty"`
	Priority  uint8      `msgpack:"p"`
}

// RootSet is a named, revisioned collection of root members. Every member signs the set.
type RootSet struct {
	Name     string       `msgpack:"n"`
	URL      string       `msgpack:"u,omitempty"`
	Revision uint64       `msgpack:"r"`
	Members  []RootMember `msgpack:"m"`
}

func NewRootSet(name, url string, revision uint64) *RootSet {
	return &RootSet{Name: name, URL: url, Revision: revision}
}

// AddMember adds or replaces the member with the given identity. Any change to the set
// invalidates existing signatures, so all of them are cleared.
func (rs *RootSet) AddMember(id *Identity, endpoints []Endpoint, priority uint8) {
	m := RootMember{
		Identity:  id.PublicOnly(),
		Endpoints: append([]Endpoint(nil), endpoints...),
		Priority:  priority,
	}
	replaced := false
	for idx := range rs.Members {
		if rs.Members[idx].Identity.Equal(id) {
			rs.Members[idx] = m
			replaced = true
		}
	}
	if !replaced {
		rs.Members = append(rs.Members, m)
	}
	sort.Slice(rs.Members, func(i, j int) bool {
		return rs.Members[i].Identity.Compare(rs.Members[j].Identity) < 0
	})
	for idx := range rs.Members {
		rs.Members[idx].Signature = nil
	}
}

// SigningBytes returns the canonical encoding covered by member signatures.
func (rs *RootSet) SigningBytes() []byte {
	members := make([]RootMember, len(rs.Members))
	copy(members, rs.Members)
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Identity.Compare(members[j].Identity) < 0
	})
	out := []byte(rootSetSigningDomain)
	out = wireAppendBytes(out, []byte(rs.Name))
	out = wireAppendBytes(out, []byte(rs.URL))
	out = wireAppendUvarint(out, rs.Revision)
	out = wireAppendUvarint(out, uint64(len(members)))
	for _, m := range members {
		out = m.Identity.AppendBinary(out, false)
		out = wireAppendUvarint(out, uint64(len(m.Endpoints)))
		for _, ep := range m.Endpoints {
			out = ep.AppendBinary(out)
		}
		out = append(out, m.Priority)
	}
	return out
}

// Sign adds the signature of secret, which must be one of the members.
func (rs *RootSet) Sign(secret *Identity) error {
	msg := rs.SigningBytes()
	for idx := range rs.Members {
		if rs.Members[idx].Identity.Equal(secret) {
			sig, err := secret.Sign(msg)
			if err != nil {
				return err
			}
			rs.Members[idx].Signature = sig
			return nil
		}
	}
	return fmt.Errorf("%s is not a member of root set %q", secret.Address(), rs.Name)
}

// Verify checks that the set is well formed and that every member has a valid signature.
func (rs *RootSet) Verify() error {
	if rs.Name == "" {
		return errors.New("root set has no name")
	}
	if len(rs.Members) == 0 {
		return fmt.Errorf("root set %q has no members", rs.Name)
	}
	for _, m := range rs.Members {
		if m.Identity == nil {
			return fmt.Errorf("root set %q: member without identity", rs.Name)
		}
	}
	msg := rs.SigningBytes()
	var result *multierror.Error
	seen := make(map[Fingerprint]struct{}, len(rs.Members))
	for _, m := range rs.Members {
		fp := m.Identity.Fingerprint()
		if _, isIn := seen[fp]; isIn {
			result = multierror.Append(result, fmt.Errorf("root set %q: duplicate member %s", rs.Name, m.Identity.Address()))
			continue
		}
		seen[fp] = struct{}{}
		if err := m.Identity.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("root set %q: member %s: %w", rs.Name, m.Identity.Address(), err))
			continue
		}
		if !m.Identity.Verify(msg, m.Signature) {
			result = multierror.Append(result, fmt.Errorf("root set %q: member %s: %w", rs.Name, m.Identity.Address(), ErrBadSignature))
		}
	}
	return result.ErrorOrNil()
}

// ShouldReplace returns true if rs is a legitimate successor of previous: the same name, a
// strictly higher revision, and strictly more than half of previous's members carried over.
func (rs *RootSet) ShouldReplace(previous *RootSet) bool {
	if rs.Name != previous.Name || rs.Revision <= previous.Revision {
		return false
	}
	mine := make(map[Fingerprint]struct{}, len(rs.Members))
	for _, m := range rs.Members {
		mine[m.Identity.Fingerprint()] = struct{}{}
	}
	var kept int
	for _, m := range previous.Members {
		if _, isIn := mine[m.Identity.Fingerprint()]; isIn {
			kept++
		}
	}
	return kept*2 > len(previous.Members)
}

// Contains returns true if id is one of the set's members.
func (rs *RootSet) Contains(id *Identity) bool {
	for _, m := range rs.Members {
		if m.Identity.Equal(id) {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with rs.
func (rs *RootSet) Clone() *RootSet {
	c := *rs
	c.Members = make([]RootMember, len(rs.Members))
	for idx, m := range rs.Members {
		c.Members[idx] = RootMember{
			Identity:  m.Identity.PublicOnly(),
			Endpoints: append([]Endpoint(nil), m.Endpoints...),
			Signature: append([]byte(nil), m.Signature...),
			Priority:  m.Priority,
		}
	}
	return &c
}

func (rs *RootSet) Marshal() ([]byte, error) {
	data, err := msgpack.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("could not encode msgpack: %w", err)
	}
	return data, nil
}

func UnmarshalRootSet(b []byte) (*RootSet, error) {
	rs := new(RootSet)
	if err := msgpack.Unmarshal(b, rs); err != nil {
		return nil, fmt.Errorf("%w: could not decode root set: %v", ErrDecode, err)
	}
	return rs, nil
}
