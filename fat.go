package afatfs

import "encoding/binary"

// FAT navigation. Every FAT access funnels through the sector cache; only
// FAT 0 is read or written, mirror maintenance is left to repair tools.

// fatPositionForCluster maps a cluster number onto the physical sector of
// FAT 0 that holds its entry and the entry index within that sector.
func (fsys *FS) fatPositionForCluster(cluster uint32) (physicalSector uint32, entryIndex uint32) {
	return fsys.fatStartSector + cluster/fsys.fatEntriesPerSector, cluster % fsys.fatEntriesPerSector
}

func (fsys *FS) fatEntry(buffer []byte, entryIndex uint32) uint32 {
	if fsys.fatType == fatTypeFAT16 {
		return uint32(binary.LittleEndian.Uint16(buffer[entryIndex*2:]))
	}
	return fat32DecodeClusterNumber(binary.LittleEndian.Uint32(buffer[entryIndex*4:]))
}

func (fsys *FS) setFATEntry(buffer []byte, entryIndex, value uint32) {
	if fsys.fatType == fatTypeFAT16 {
		binary.LittleEndian.PutUint16(buffer[entryIndex*2:], uint16(value))
	} else {
		binary.LittleEndian.PutUint32(buffer[entryIndex*4:], value)
	}
}

// fatGetNextCluster reads the FAT entry for cluster. The decoded value is a
// free marker, an end-of-chain marker, or the next cluster of the chain.
func (fsys *FS) fatGetNextCluster(cluster uint32) (next uint32, status OpStatus) {
	fatSector, entryIndex := fsys.fatPositionForCluster(cluster)
	buffer, status := fsys.cacheSector(fatSector, cacheRead)
	if status != OpSuccess {
		return 0, status
	}
	return fsys.fatEntry(buffer, entryIndex), OpSuccess
}

// fatSetNextCluster read-modify-writes the FAT entry for cluster.
func (fsys *FS) fatSetNextCluster(cluster, next uint32) OpStatus {
	fatSector, entryIndex := fsys.fatPositionForCluster(cluster)
	buffer, status := fsys.cacheSector(fatSector, cacheRead|cacheWrite)
	if status != OpSuccess {
		return status
	}
	fsys.setFATEntry(buffer, entryIndex, next)
	return OpSuccess
}

type clusterSearchCondition uint8

const (
	// clusterSearchFree advances one cluster at a time looking for a free
	// FAT entry.
	clusterSearchFree clusterSearchCondition = iota
	// clusterSearchOccupied advances one cluster at a time looking for an
	// allocated FAT entry.
	clusterSearchOccupied
	// clusterSearchFreeAtFATSectorBoundary advances one whole FAT sector's
	// worth of clusters at a time, testing only boundary-aligned entries.
	clusterSearchFreeAtFATSectorBoundary
)

func roundUpTo(value, step uint32) uint32 {
	remainder := value % step
	if remainder != 0 {
		value += step - remainder
	}
	return value
}

// freeFileClusterRange returns the half open cluster range currently owned
// by the freefile, or (0, 0) when it holds no clusters.
func (fsys *FS) freeFileClusterRange() (start, end uint32) {
	start = fsys.freeFile.firstCluster()
	if start == 0 {
		return 0, 0
	}
	return start, start + fsys.freeFile.physicalSize/fsys.clusterSizeBytes()
}

// findClusterWithCondition scans the FAT forward from *cluster for the first
// entry satisfying the condition, leaving the result in *cluster. While the
// freefile owns clusters the scan leaps over its entire range rather than
// grinding through tens of thousands of allocated entries. Returns OpFailure
// when the scan runs off the end of the volume (with *cluster left beyond
// the last valid cluster), otherwise OpSuccess/OpInProgress/OpFatal.
func (fsys *FS) findClusterWithCondition(condition clusterSearchCondition, cluster *uint32) OpStatus {
	step := uint32(1)
	if condition == clusterSearchFreeAtFATSectorBoundary {
		step = fsys.fatEntriesPerSector
		*cluster = roundUpTo(*cluster, step)
	}
	numFATEntries := fsys.numClusters + fatFirstCluster
	freeFileStart, freeFileEnd := fsys.freeFileClusterRange()

	for {
		if *cluster >= freeFileStart && *cluster < freeFileEnd {
			*cluster = freeFileEnd
			if step > 1 {
				*cluster = roundUpTo(*cluster, step)
			}
		}
		if *cluster >= numFATEntries {
			return OpFailure
		}

		fatSector, entryIndex := fsys.fatPositionForCluster(*cluster)
		buffer, status := fsys.cacheSector(fatSector, cacheRead|cacheDiscardable)
		if status != OpSuccess {
			return status
		}
		for entryIndex < fsys.fatEntriesPerSector {
			if *cluster >= numFATEntries {
				return OpFailure
			}
			if *cluster >= freeFileStart && *cluster < freeFileEnd {
				break // Rejoin the outer loop to leap the freefile.
			}
			free := fatIsFreeSpace(fsys.fatEntry(buffer, entryIndex))
			switch condition {
			case clusterSearchFree, clusterSearchFreeAtFATSectorBoundary:
				if free {
					return OpSuccess
				}
			case clusterSearchOccupied:
				if !free {
					return OpSuccess
				}
			}
			entryIndex += step
			*cluster += step
		}
	}
}

type fatPattern uint8

const (
	// fatPatternFree zeroes the entries.
	fatPatternFree fatPattern = iota
	// fatPatternChain links every entry to its successor; the entry for the
	// final cluster of the range points one past the range.
	fatPatternChain
	// fatPatternTerminatedChain links every entry to its successor and
	// writes an end-of-chain marker in the final entry.
	fatPatternTerminatedChain
)

// fatFillWithPattern overwrites the FAT entries for [*startCluster,
// endCluster) with the pattern, one whole FAT sector per step, resuming from
// *startCluster. Ranges produced by the freefile machinery are FAT-sector
// aligned so the sectors are rewritten blind, without a read-modify-write;
// an unaligned head or tail falls back to read-modify-write.
func (fsys *FS) fatFillWithPattern(pattern fatPattern, startCluster *uint32, endCluster uint32) OpStatus {
	eocMark := fat32EOCMark
	if fsys.fatType == fatTypeFAT16 {
		eocMark = fat16EOCMark
	}
	for *startCluster < endCluster {
		fatSector, entryIndex := fsys.fatPositionForCluster(*startCluster)
		flags := cacheWrite | cacheDiscardable
		wholeSector := entryIndex == 0 && endCluster-*startCluster >= fsys.fatEntriesPerSector
		if !wholeSector {
			flags |= cacheRead
		}
		buffer, status := fsys.cacheSector(fatSector, flags)
		if status != OpSuccess {
			return status
		}
		for entryIndex < fsys.fatEntriesPerSector && *startCluster < endCluster {
			var value uint32
			switch pattern {
			case fatPatternFree:
				value = 0
			case fatPatternChain:
				value = *startCluster + 1
			case fatPatternTerminatedChain:
				if *startCluster == endCluster-1 {
					value = eocMark
				} else {
					value = *startCluster + 1
				}
			}
			fsys.setFATEntry(buffer, entryIndex, value)
			entryIndex++
			*startCluster++
		}
	}
	return OpSuccess
}

type freeSpaceSearchPhase uint8

const (
	freeSpaceSearchPhaseFindHole freeSpaceSearchPhase = iota
	freeSpaceSearchPhaseGrowHole
)

// freeSpaceSearch alternates between locating the start of a free region
// whose FAT sector is wholly free, and growing it until the next allocated
// cluster. Hole boundaries stay aligned to FAT sectors so the winning
// region can later be chained by blind whole-sector FAT writes.
type freeSpaceSearch struct {
	candidateStart uint32
	candidateEnd   uint32
	bestGapStart   uint32
	bestGapLength  uint32
	phase          freeSpaceSearchPhase
}

func (fsys *FS) findLargestContiguousFreeBlockBegin() {
	search := &fsys.initState.freeSpaceSearch
	*search = freeSpaceSearch{
		candidateStart: fatFirstCluster,
		phase:          freeSpaceSearchPhaseFindHole,
	}
}

// findLargestContiguousFreeBlockContinue drives the search; OpSuccess means
// it ran to the end of the volume and bestGapStart/bestGapLength hold the
// winner (possibly zero-length).
func (fsys *FS) findLargestContiguousFreeBlockContinue() OpStatus {
	search := &fsys.initState.freeSpaceSearch
	numFATEntries := fsys.numClusters + fatFirstCluster
	for {
		switch search.phase {
		case freeSpaceSearchPhaseFindHole:
			status := fsys.findClusterWithCondition(clusterSearchFreeAtFATSectorBoundary, &search.candidateStart)
			switch status {
			case OpSuccess:
				search.candidateEnd = search.candidateStart
				search.phase = freeSpaceSearchPhaseGrowHole
			case OpFailure:
				return OpSuccess // No further holes; search complete.
			default:
				return status
			}

		case freeSpaceSearchPhaseGrowHole:
			status := fsys.findClusterWithCondition(clusterSearchOccupied, &search.candidateEnd)
			switch status {
			case OpSuccess, OpFailure:
				if status == OpFailure {
					search.candidateEnd = numFATEntries
				}
				if length := search.candidateEnd - search.candidateStart; length > search.bestGapLength {
					search.bestGapStart = search.candidateStart
					search.bestGapLength = length
				}
				if status == OpFailure {
					return OpSuccess // Reached the end of the volume.
				}
				search.candidateStart = roundUpTo(search.candidateEnd, fsys.fatEntriesPerSector)
				search.phase = freeSpaceSearchPhaseFindHole
			default:
				return status
			}
		}
	}
}
