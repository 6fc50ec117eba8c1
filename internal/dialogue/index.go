package dialogue

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dialogbridge/b2bua/internal/store"
)

// Index is the lookup layer over the dialogue asset store: GetByTriple is
// the strict RFC 3261 match followed by relaxed fallbacks, GetByReplaces
// parses a Replaces header value, and GetRelaxed implements the owner-scoped
// heuristics described below.
type Index struct {
	store *store.Store[*Dialogue]
}

func NewIndex(s *store.Store[*Dialogue]) *Index {
	return &Index{store: s}
}

// GetByTriple is the strict match, then three relaxed fallbacks in order:
// local-tag alone, remote-tag alone, and Call-ID alone (abandoned on
// ambiguity), including resolved open
// question (a): ambiguity always yields (nil, false), never a "first
// match".
func (idx *Index) GetByTriple(callID, localTag, remoteTag string) (*Dialogue, bool) {
	if d, ok := idx.store.Get(func(d *Dialogue) bool {
		return d.CallID == callID && d.LocalTag == localTag && d.RemoteTag == remoteTag
	}); ok {
		return d, true
	}

	if d, ok := singleMatch(idx.store, func(d *Dialogue) bool {
		return d.LocalTag == localTag
	}); ok {
		return d, true
	}

	if d, ok := singleMatch(idx.store, func(d *Dialogue) bool {
		return d.RemoteTag == remoteTag
	}); ok {
		return d, true
	}

	return singleMatch(idx.store, func(d *Dialogue) bool {
		return d.CallID == callID
	})
}

func singleMatch(s *store.Store[*Dialogue], pred store.Predicate[*Dialogue]) (*Dialogue, bool) {
	matches := s.List(pred, 2)
	if len(matches) != 1 {
		return nil, false
	}
	return matches[0], true
}

// ReplacesParams is the parsed form of a Replaces header value:
// "<call-id>;to-tag=<tag>;from-tag=<tag>" per RFC 3891 §6.1.
type ReplacesParams struct {
	CallID  string
	ToTag   string
	FromTag string
}

// ParseReplaces parses a raw Replaces header value. The call-id component
// is percent-decoded per RFC 3891; the tag parameters are matched
// case-insensitively by name but returned verbatim.
func ParseReplaces(raw string) (ReplacesParams, error) {
	parts := strings.Split(raw, ";")
	if len(parts) == 0 || parts[0] == "" {
		return ReplacesParams{}, fmt.Errorf("dialogue: empty Replaces header")
	}
	callID, err := url.QueryUnescape(parts[0])
	if err != nil {
		return ReplacesParams{}, fmt.Errorf("dialogue: invalid Replaces call-id: %w", err)
	}
	rp := ReplacesParams{CallID: callID}
	for _, p := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "to-tag":
			rp.ToTag = kv[1]
		case "from-tag":
			rp.FromTag = kv[1]
		}
	}
	if rp.ToTag == "" || rp.FromTag == "" {
		return ReplacesParams{}, fmt.Errorf("dialogue: Replaces missing to-tag/from-tag")
	}
	return rp, nil
}

// GetByReplaces resolves a Replaces header to the dialogue it names.
func (idx *Index) GetByReplaces(raw string) (*Dialogue, bool) {
	rp, err := ParseReplaces(raw)
	if err != nil {
		return nil, false
	}
	return idx.GetByTriple(rp.CallID, rp.ToTag, rp.FromTag)
}

// GetRelaxed implements the owner-scoped heuristic: treat
// identifier as a Call-ID first (strict get_by_triple-style lookup scoped
// to owner); on miss, scan the owner's dialogues for the sole one whose
// local user field contains identifier as a substring. Ambiguity (more
// than one match) returns none.
func (idx *Index) GetRelaxed(owner, identifier string) (*Dialogue, bool) {
	if d, ok := singleMatch(idx.store, func(d *Dialogue) bool {
		return d.Owner() == owner && d.CallID == identifier
	}); ok {
		return d, true
	}

	return singleMatch(idx.store, func(d *Dialogue) bool {
		if d.Owner() != owner {
			return false
		}
		uf := d.LocalUserField()
		return strings.Contains(uf.URI, identifier) || strings.Contains(uf.DisplayName, identifier)
	})
}

// GetOpposite returns the peer dialogue bridged to d via its BridgeID, or
// (nil, false) if d is not currently bridged or its peer has already been
// removed from the index.
func (idx *Index) GetOpposite(d *Dialogue) (*Dialogue, bool) {
	bridgeID := d.BridgeID()
	if bridgeID == "" {
		return nil, false
	}
	return idx.store.Get(func(other *Dialogue) bool {
		return other.ID != d.ID && other.BridgeID() == bridgeID
	})
}

// Add registers d in the index under its own ID.
func (idx *Index) Add(d *Dialogue) {
	idx.store.Add(d.ID, d)
}

// Remove deletes the dialogue with the given ID from the index.
func (idx *Index) Remove(id string) {
	idx.store.Delete(id)
}

// Get returns the dialogue with the given ID.
func (idx *Index) Get(id string) (*Dialogue, bool) {
	return idx.store.GetByID(id)
}

// List returns all dialogues matching pred (unbounded).
func (idx *Index) List(pred store.Predicate[*Dialogue]) []*Dialogue {
	return idx.store.List(pred, 0)
}
