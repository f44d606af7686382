// Copyright (c) 2026 Ilya Maximets <i.maximets@ovn.org>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

// table is the set of waiting (PAIR_REQUESTED) peers, indexed by key so
// that lookup doesn't degrade to the original implementation's linear
// scan (see design note in original_source/lib/broker.c: client_lookup,
// "Might be slow. TODO: Optimize with hashes or hash maps."). Externally
// observable behavior is unchanged from a linear scan: first match wins,
// deterministic for a given insertion history.
type table struct {
	byKey map[string][]*Peer
}

func newTable() *table {
	return &table{byKey: make(map[string][]*Peer)}
}

// lookup returns the first waiting peer with a complementary mode for a
// prospective GET_PAIR from the given key, or nil if none. Callers must
// call lookup before insert, so a peer never matches itself.
func (t *table) lookup(p *Peer) *Peer {
	for _, candidate := range t.byKey[string(p.key)] {
		if candidate.matches(p) {
			return candidate
		}
	}
	return nil
}

// insert adds p, now PAIR_REQUESTED, to the waiting set.
func (t *table) insert(p *Peer) {
	k := string(p.key)
	t.byKey[k] = append(t.byKey[k], p)
}

// remove drops p from the waiting set. It is a no-op if p isn't present
// (e.g. it never reached PAIR_REQUESTED, or was already removed on match).
func (t *table) remove(p *Peer) {
	k := string(p.key)
	list := t.byKey[k]
	for i, candidate := range list {
		if candidate == p {
			list[i] = list[len(list)-1]
			list = list[:len(list)-1]
			break
		}
	}
	if len(list) == 0 {
		delete(t.byKey, k)
	} else {
		t.byKey[k] = list
	}
}
