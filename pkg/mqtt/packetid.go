// Copyright 2023 The emqx-go Authors
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

package mqtt

import "sync"

// PacketIDPool hands out packet identifiers 1..65535 of one connection.
//
// A suspended pool hands out nothing until Restore marks the identifiers
// still held by in-flight messages of a resumed session.
type PacketIDPool struct {
	mu        sync.Mutex
	next      uint16
	inUse     map[uint16]struct{}
	suspended bool
}

// NewPacketIDPool returns an empty pool.
func NewPacketIDPool() *PacketIDPool {
	return &PacketIDPool{
		next:  1,
		inUse: make(map[uint16]struct{}),
	}
}

// Reserve returns up to n identifiers not currently in use and marks them used.
func (p *PacketIDPool) Reserve(n int) []uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.suspended {
		return nil
	}
	free := 65535 - len(p.inUse)
	n = min(n, free)
	if n <= 0 {
		return nil
	}
	ids := make([]uint16, 0, n)
	for len(ids) < n {
		id := p.next
		p.next++
		if p.next == 0 {
			p.next = 1
		}
		if _, used := p.inUse[id]; used {
			continue
		}
		p.inUse[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Suspend stops Reserve from handing out identifiers until Restore.
func (p *PacketIDPool) Suspend() {
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()
}

// Restore marks ids as in use and resumes a suspended pool.
func (p *PacketIDPool) Restore(ids ...uint16) {
	p.mu.Lock()
	for _, id := range ids {
		if id != 0 {
			p.inUse[id] = struct{}{}
		}
	}
	p.suspended = false
	p.mu.Unlock()
}

// Release returns ids to the pool.
func (p *PacketIDPool) Release(ids ...uint16) {
	p.mu.Lock()
	for _, id := range ids {
		delete(p.inUse, id)
	}
	p.mu.Unlock()
}

// InUse returns the number of reserved identifiers.
func (p *PacketIDPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
