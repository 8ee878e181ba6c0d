package afatfs

import "log/slog"

// The cache is a fixed pool of sector-sized slots. Every disk access in the
// driver funnels through it: reads are read-through, writes are write-back
// with an explicit flush. A slot whose sector is still being read in, or a
// cache with no slot to spare, reports in-progress back up the stack, which
// is the only suspension point the state machines ever see.

type cacheSectorState uint8

const (
	cacheSectorEmpty cacheSectorState = iota
	cacheSectorReading
	cacheSectorInSync
	cacheSectorDirty
	cacheSectorWriting
)

type cacheSectorFlags uint8

const (
	// cacheRead requests the sector's current on-disk contents be valid in
	// the returned buffer.
	cacheRead cacheSectorFlags = 1 << iota
	// cacheWrite marks the slot dirty; without cacheRead the caller
	// promises to rewrite the buffer without depending on its contents.
	cacheWrite
	// cacheLock pins the slot against flush and eviction until unlocked.
	cacheLock
	cacheUnlock
	// cacheDiscardable prefers the slot for eviction once clean. Only
	// honoured the first time the slot is populated.
	cacheDiscardable
	// cacheRetain pins the slot resident (flushable, not evictable).
	cacheRetain
)

type cacheSectorDescriptor struct {
	sector      uint32
	lastUse     uint32
	state       cacheSectorState
	locked      bool
	discardable bool
	retainCount uint8
}

func (fsys *FS) cacheSectorMemory(index int) []byte {
	return fsys.cache[index*sectorSize : (index+1)*sectorSize : (index+1)*sectorSize]
}

func (fsys *FS) cacheInitSector(desc *cacheSectorDescriptor, sector uint32) {
	fsys.cacheTimer++
	desc.sector = sector
	desc.lastUse = fsys.cacheTimer
	desc.state = cacheSectorEmpty
	desc.locked = false
	desc.discardable = false
	desc.retainCount = 0
}

// cacheAllocateSector finds or allocates a slot for the given physical
// sector. Preference order for a new slot: an empty slot, a clean
// discardable slot, then the least recently used in-sync slot that is
// neither locked nor retained. Returns -1 when every slot is dirty, locked,
// retained or mid-transfer.
func (fsys *FS) cacheAllocateSector(sector uint32) int {
	emptyIndex := -1
	discardableIndex := -1
	oldestSyncedIndex := -1
	var oldestSyncedAge uint32 = 0xFFFFFFFF

	for i := range fsys.cacheDescriptor {
		desc := &fsys.cacheDescriptor[i]
		if desc.state != cacheSectorEmpty && desc.sector == sector {
			fsys.cacheTimer++
			desc.lastUse = fsys.cacheTimer
			return i
		}
		switch desc.state {
		case cacheSectorEmpty:
			emptyIndex = i
		case cacheSectorInSync:
			if desc.locked || desc.retainCount > 0 {
				break
			}
			if desc.discardable {
				discardableIndex = i
			} else if desc.lastUse < oldestSyncedAge {
				oldestSyncedAge = desc.lastUse
				oldestSyncedIndex = i
			}
		}
	}

	allocateIndex := emptyIndex
	if allocateIndex < 0 {
		allocateIndex = discardableIndex
	}
	if allocateIndex < 0 {
		allocateIndex = oldestSyncedIndex
	}
	if allocateIndex >= 0 {
		fsys.cacheInitSector(&fsys.cacheDescriptor[allocateIndex], sector)
	}
	return allocateIndex
}

// cacheSector is the single entry point for sector access. On OpSuccess the
// returned buffer is valid until the caller next yields control back to the
// poll loop; copy anything that must survive longer.
func (fsys *FS) cacheSector(sector uint32, flags cacheSectorFlags) ([]byte, OpStatus) {
	if flags&cacheWrite != 0 && sector == 0 {
		// The MBR is never a legitimate write target; a request for it
		// means cluster arithmetic has gone badly wrong somewhere.
		fsys.fatalError("cache:write to MBR requested")
		return nil, OpFatal
	}

	index := fsys.cacheAllocateSector(sector)
	if index < 0 {
		// Cache is full of dirty/locked/retained slots; retry after flush
		// has made progress.
		return nil, OpInProgress
	}
	desc := &fsys.cacheDescriptor[index]
	buffer := fsys.cacheSectorMemory(index)

	switch desc.state {
	case cacheSectorReading:
		return nil, OpInProgress

	case cacheSectorEmpty:
		if flags&cacheDiscardable != 0 {
			desc.discardable = true
		}
		if flags&cacheRead != 0 {
			// Transition before issuing: the device may complete the
			// request synchronously, and the completion matches on state.
			desc.state = cacheSectorReading
			if !fsys.dev.ReadBlock(sector, buffer, fsys.deviceOperationComplete) {
				desc.state = cacheSectorEmpty // Device busy, retry later.
			}
			return nil, OpInProgress
		}
		// Caller rewrites the whole sector, no read required.
		desc.state = cacheSectorDirty
		fsys.cacheDirtyCount++

	case cacheSectorWriting, cacheSectorInSync:
		if flags&cacheWrite != 0 {
			// A write while the device holds the buffer leaves the slot
			// dirty so it gets flushed again after this transfer lands.
			desc.state = cacheSectorDirty
			fsys.cacheDirtyCount++
		}

	case cacheSectorDirty:
		// Still dirty.

	default:
		fsys.fatalError("cache:unclassifiable slot state")
		return nil, OpFatal
	}

	if flags&cacheLock != 0 {
		desc.locked = true
	}
	if flags&cacheUnlock != 0 {
		desc.locked = false
	}
	if flags&cacheRetain != 0 {
		desc.retainCount++
	}
	return buffer, OpSuccess
}

// cacheMarkDirty transitions the slot owning the buffer from in-sync to
// dirty. The buffer must be one previously returned by cacheSector.
func (fsys *FS) cacheMarkDirty(buffer []byte) {
	for i := range fsys.cacheDescriptor {
		mem := fsys.cacheSectorMemory(i)
		if &mem[0] != &buffer[0] {
			continue
		}
		desc := &fsys.cacheDescriptor[i]
		if desc.state == cacheSectorInSync {
			desc.state = cacheSectorDirty
			fsys.cacheDirtyCount++
		}
		return
	}
	fsys.fatalError("cache:markDirty on unowned buffer")
}

func (fsys *FS) cacheUnlockIndex(index int16) {
	if index >= 0 {
		fsys.cacheDescriptor[index].locked = false
	}
}

// cacheReleaseRetain drops one retain count on the slot holding sector, if
// it is resident.
func (fsys *FS) cacheReleaseRetain(sector uint32) {
	for i := range fsys.cacheDescriptor {
		desc := &fsys.cacheDescriptor[i]
		if desc.state != cacheSectorEmpty && desc.sector == sector && desc.retainCount > 0 {
			desc.retainCount--
			return
		}
	}
}

// cacheFindIndex returns the slot index holding the buffer, or -1.
func (fsys *FS) cacheFindIndex(buffer []byte) int16 {
	for i := range fsys.cacheDescriptor {
		mem := fsys.cacheSectorMemory(i)
		if &mem[0] == &buffer[0] {
			return int16(i)
		}
	}
	return -1
}

// cacheFlush starts a write on at most one dirty unlocked slot, returning
// true only once no dirty unlocked slots remain.
func (fsys *FS) cacheFlush() bool {
	dirtyRemain := 0
	for i := range fsys.cacheDescriptor {
		desc := &fsys.cacheDescriptor[i]
		if desc.state != cacheSectorDirty || desc.locked {
			continue
		}
		dirtyRemain++
		if dirtyRemain > 1 {
			continue
		}
		// Transition before issuing so a synchronous completion finds the
		// slot in the writing state.
		desc.state = cacheSectorWriting
		fsys.cacheDirtyCount--
		if fsys.dev.WriteBlock(desc.sector, fsys.cacheSectorMemory(i), fsys.deviceOperationComplete) {
			dirtyRemain--
		} else {
			desc.state = cacheSectorDirty
			fsys.cacheDirtyCount++
		}
	}
	return dirtyRemain == 0
}

// deviceOperationComplete is handed to the block device with every request.
// A slot recycled to a different sector since the request was issued fails
// the identity check and the completion is silently dropped.
func (fsys *FS) deviceOperationComplete(op BlockDeviceOp, sector uint32, buffer []byte, err error) {
	for i := range fsys.cacheDescriptor {
		desc := &fsys.cacheDescriptor[i]
		if desc.state == cacheSectorEmpty || desc.sector != sector {
			continue
		}
		mem := fsys.cacheSectorMemory(i)
		if &mem[0] != &buffer[0] {
			continue
		}
		if err != nil {
			fsys.logerror("device:operation failed",
				slog.Uint64("sector", uint64(sector)), slog.Any("err", err))
			fsys.fatalError("device:transfer error")
			return
		}
		switch op {
		case BlockDeviceOpRead:
			if desc.state != cacheSectorReading {
				fsys.fatalError("cache:read completion on non-reading slot")
				return
			}
			desc.state = cacheSectorInSync
		case BlockDeviceOpWrite:
			switch desc.state {
			case cacheSectorWriting:
				desc.state = cacheSectorInSync
			case cacheSectorDirty:
				// Re-dirtied while the write was in flight; a later flush
				// writes it again.
			default:
				fsys.fatalError("cache:write completion on non-writing slot")
				return
			}
		}
		return
	}
	// No descriptor owns this (sector, buffer) pair any more: the slot was
	// recycled before the completion fired. Nothing to do.
}
