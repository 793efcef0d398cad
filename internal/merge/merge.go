// Package merge implements the conflict resolver: pure, total field-level
// merge functions applied when a change arrives with a stale base version.
// Every rule is commutative so the outcome does not depend on which device
// reconnected first.
package merge

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"woodshed-sync-server/internal/domain"
)

// Side is one of the two competing states of an entity: the payload and
// the time it was produced.
type Side struct {
	Payload json.RawMessage
	At      time.Time
}

// FieldRule merges two values of one payload field. Both values are parsed
// JSON (string, float64, []any, map[string]any, bool, nil).
type FieldRule func(a, b fieldSide) any

type fieldSide struct {
	value any
	at    time.Time
}

// Resolver holds the per-entity-type field rules. Entity types without an
// entry are not auto-mergeable; their conflicts go back to the client.
type Resolver struct {
	rules map[domain.EntityType]map[string]FieldRule
}

// NewResolver registers the field rules for the synced entity types:
// free text keeps the longer string, tag sets union, statuses keep the
// value further along their progression, counters keep the maximum.
func NewResolver() *Resolver {
	r := &Resolver{
		rules: make(map[domain.EntityType]map[string]FieldRule),
	}

	r.Register(domain.EntityTypeLogbook, map[string]FieldRule{
		"notes":   LongerString,
		"tags":    UnionStrings,
		"minutes": MaxNumber,
	})

	r.Register(domain.EntityTypeRepertoire, map[string]FieldRule{
		"notes":          LongerString,
		"tags":           UnionStrings,
		"status":         Progression("learning", "polishing", "performance_ready"),
		"timesPracticed": MaxNumber,
	})

	r.Register(domain.EntityTypeGoal, map[string]FieldRule{
		"description": LongerString,
		"notes":       LongerString,
		"tags":        UnionStrings,
		"status":      Progression("active", "completed"),
		"progress":    MaxNumber,
	})

	return r
}

func (r *Resolver) Register(entityType domain.EntityType, rules map[string]FieldRule) {
	r.rules[entityType] = rules
}

// CanMerge reports whether entityType has registered field rules.
func (r *Resolver) CanMerge(entityType domain.EntityType) bool {
	_, ok := r.rules[entityType]
	return ok
}

// Merge combines the two sides field by field. Fields without a registered
// rule fall back to latest-producer-wins with a deterministic tiebreak.
// Fails only when a payload is not a JSON object, in which case the
// coordinator surfaces the conflict instead.
func (r *Resolver) Merge(entityType domain.EntityType, local, server Side) (json.RawMessage, error) {
	rules, ok := r.rules[entityType]
	if !ok {
		return nil, fmt.Errorf("no merge rules for entity type %q", entityType)
	}

	localObj, err := parseObject(local.Payload)
	if err != nil {
		return nil, fmt.Errorf("local payload: %w", err)
	}
	serverObj, err := parseObject(server.Payload)
	if err != nil {
		return nil, fmt.Errorf("server payload: %w", err)
	}

	merged := make(map[string]any, len(localObj)+len(serverObj))

	for field := range localObj {
		merged[field] = mergeField(rules, field,
			fieldSide{value: localObj[field], at: local.At},
			fieldSide{value: serverObj[field], at: server.At},
		)
	}
	for field, value := range serverObj {
		if _, seen := localObj[field]; seen {
			continue
		}
		merged[field] = mergeField(rules, field,
			fieldSide{value: nil, at: local.At},
			fieldSide{value: value, at: server.At},
		)
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged payload: %w", err)
	}
	return out, nil
}

// SuggestResolution is the default suggestion when no merge rule applies:
// last write wins by timestamp, server wins ties.
func SuggestResolution(local, server Side) domain.Resolution {
	if local.At.After(server.At) {
		return domain.ResolutionAcceptLocal
	}
	return domain.ResolutionAcceptServer
}

func mergeField(rules map[string]FieldRule, field string, a, b fieldSide) any {
	// A field present on one side only keeps that side's value.
	if a.value == nil {
		return b.value
	}
	if b.value == nil {
		return a.value
	}

	if rule, ok := rules[field]; ok {
		return rule(a, b)
	}
	return latestWins(a, b)
}

func parseObject(payload json.RawMessage) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	return obj, nil
}

// LongerString keeps the longer of two strings, the lexicographically
// greater on equal length. Non-strings fall back to latest-wins.
func LongerString(a, b fieldSide) any {
	as, aok := a.value.(string)
	bs, bok := b.value.(string)
	if !aok || !bok {
		return latestWins(a, b)
	}
	if len(as) != len(bs) {
		if len(as) > len(bs) {
			return as
		}
		return bs
	}
	if as > bs {
		return as
	}
	return bs
}

// UnionStrings unions two string arrays, output sorted for determinism.
func UnionStrings(a, b fieldSide) any {
	as, aok := toStrings(a.value)
	bs, bok := toStrings(b.value)
	if !aok || !bok {
		return latestWins(a, b)
	}

	set := make(map[string]struct{}, len(as)+len(bs))
	for _, s := range as {
		set[s] = struct{}{}
	}
	for _, s := range bs {
		set[s] = struct{}{}
	}

	union := make([]string, 0, len(set))
	for s := range set {
		union = append(union, s)
	}
	sort.Strings(union)
	return union
}

// MaxNumber keeps the larger of two numbers.
func MaxNumber(a, b fieldSide) any {
	an, aok := a.value.(float64)
	bn, bok := b.value.(float64)
	if !aok || !bok {
		return latestWins(a, b)
	}
	if an > bn {
		return an
	}
	return bn
}

// Progression keeps the status value further along the given order. Values
// outside the order rank below every known one; a rank tie between two
// distinct unknown values falls back to latest-wins.
func Progression(order ...string) FieldRule {
	rank := make(map[string]int, len(order))
	for i, s := range order {
		rank[s] = i
	}

	return func(a, b fieldSide) any {
		as, aok := a.value.(string)
		bs, bok := b.value.(string)
		if !aok || !bok {
			return latestWins(a, b)
		}

		ar, aKnown := rank[as]
		br, bKnown := rank[bs]
		if !aKnown {
			ar = -1
		}
		if !bKnown {
			br = -1
		}

		switch {
		case ar > br:
			return as
		case br > ar:
			return bs
		case as == bs:
			return as
		default:
			return latestWins(a, b)
		}
	}
}

// latestWins picks the value produced later; on equal timestamps the
// greater JSON encoding wins so both arrival orders agree.
func latestWins(a, b fieldSide) any {
	if a.at.After(b.at) {
		return a.value
	}
	if b.at.After(a.at) {
		return b.value
	}

	aj, _ := json.Marshal(a.value)
	bj, _ := json.Marshal(b.value)
	if string(aj) > string(bj) {
		return a.value
	}
	return b.value
}

func toStrings(v any) ([]string, bool) {
	switch vs := v.(type) {
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case []string:
		return vs, true
	}
	return nil, false
}
