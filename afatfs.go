// Package afatfs implements an asynchronous FAT16/FAT32 driver for
// block-oriented flash media such as SD cards. No call ever blocks: every
// operation either completes immediately from the sector cache or is
// advanced incrementally by [FS.Poll] as the device becomes ready, with the
// caller polling operation status or receiving a completion callback.
//
// To guarantee fragment-free appends for logging workloads the driver
// reserves the largest contiguous region of the volume in a system file
// named FREESPAC.E at mount time and carves whole superclusters off it for
// files opened in contiguous mode.
package afatfs

import (
	"context"
	"log/slog"

	"github.com/soypat/afatfs/internal/mbr"
)

const (
	// afatfsNumCacheSectors is the depth of the sector cache. Eight sectors
	// is enough for a file append (data, two FAT sectors, directory) plus
	// an interleaved read without thrashing.
	afatfsNumCacheSectors = 8
	// afatfsMaxOpenFiles is the size of the file handle pool.
	afatfsMaxOpenFiles = 3
	// afatfsFreefileLeaveClusters is held back from the freefile so that
	// regular (non-contiguous) files retain some space to grow into.
	afatfsFreefileLeaveClusters = 100

	freeFileName = "FREESPAC.E"
)

type fatType uint8

const (
	fatTypeNone fatType = iota
	fatTypeFAT16
	fatTypeFAT32
)

type initPhase uint8

const (
	initPhaseReadMBR initPhase = iota
	initPhaseReadVolumeID
	initPhaseFreefileCreating
	initPhaseFreefileFATSearch
	initPhaseFreefileUpdateFAT
	initPhaseFreefileSaveDirEntry
)

// initState carries the mount driver's resumable position.
type initState struct {
	freeSpaceSearch freeSpaceSearch
	fatFillCursor   uint32
	fatFillEnd      uint32
}

// FS is an asynchronous FAT16/FAT32 filesystem bound to one block device.
// The zero value is usable; call [FS.Init] to begin mounting and [FS.Poll]
// until [FS.State] reports ready. FS is not safe for concurrent use.
type FS struct {
	dev    BlockDevice
	logger *slog.Logger

	state    FilesystemState
	substate initPhase

	cache           [afatfsNumCacheSectors * sectorSize]byte
	cacheDescriptor [afatfsNumCacheSectors]cacheSectorDescriptor
	cacheTimer      uint32
	cacheDirtyCount uint32

	fatType              fatType
	partitionStartSector uint32
	fatStartSector       uint32
	fatSectors           uint32 // Sectors per FAT.
	fatEntriesPerSector  uint32
	numClusters          uint32
	clusterStartSector   uint32
	sectorsPerCluster    uint32
	byteInClusterMask    uint32
	rootDirCluster       uint32 // 0 on FAT16.
	rootDirectorySectors uint32 // 0 on FAT32.

	lastClusterAllocated uint32
	filesystemFull       bool

	currentDirectory File
	openFiles        [afatfsMaxOpenFiles]File
	freeFile         File

	initState initState
}

// SetLogger attaches a logger for driver diagnostics. A nil logger silences
// them. Safe to call at any time, including before Init.
func (fsys *FS) SetLogger(logger *slog.Logger) { fsys.logger = logger }

func (fsys *FS) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if fsys.logger == nil {
		return
	}
	fsys.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (fsys *FS) debug(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelDebug, msg, attrs...)
}
func (fsys *FS) warn(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelWarn, msg, attrs...)
}
func (fsys *FS) logerror(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelError, msg, attrs...)
}

// fatalError moves the filesystem to the fatal state; all further
// operations fail fast.
func (fsys *FS) fatalError(msg string) {
	fsys.logerror("fatal: " + msg)
	fsys.state = FilesystemStateFatal
}

// Init binds the filesystem to dev and begins mounting. Call Poll until
// State reports [FilesystemStateReady] (or fatal). Any previous state on
// fsys is discarded.
func (fsys *FS) Init(dev BlockDevice) {
	logger := fsys.logger
	*fsys = FS{
		dev:    dev,
		logger: logger,
		state:  FilesystemStateInitialization,
	}
	fsys.currentDirectory.lockedCacheIndex = -1
	fsys.freeFile.lockedCacheIndex = -1
	for i := range fsys.openFiles {
		fsys.openFiles[i].lockedCacheIndex = -1
	}
	fsys.Poll()
}

// Poll advances device I/O, background flushing, mounting, and every queued
// file operation by one step. Callers drive all long-running work by
// calling Poll from their main loop.
func (fsys *FS) Poll() {
	if fsys.dev == nil {
		return
	}
	fsys.dev.Poll()

	switch fsys.state {
	case FilesystemStateInitialization:
		fsys.cacheFlush()
		fsys.initContinue()
	case FilesystemStateReady:
		fsys.cacheFlush()
		fsys.fileOperationsPoll()
	}
}

// State returns the filesystem lifecycle state.
func (fsys *FS) State() FilesystemState { return fsys.state }

// Full reports whether an allocation has failed for lack of space. The flag
// is sticky for the life of the mount.
func (fsys *FS) Full() bool { return fsys.filesystemFull }

// Flush attempts to begin writing one dirty cache sector and returns true
// only once no dirty unlocked sectors remain. Keep polling and calling
// Flush until it reports true to reach quiescence.
func (fsys *FS) Flush() bool {
	return fsys.cacheFlush()
}

// ClusterSize returns the cluster size in bytes.
func (fsys *FS) ClusterSize() uint32 { return fsys.clusterSizeBytes() }

// SuperClusterSize returns the number of bytes covered by one FAT sector's
// worth of clusters, the allocation unit of contiguous-mode files.
func (fsys *FS) SuperClusterSize() uint32 {
	return fsys.fatEntriesPerSector * fsys.clusterSizeBytes()
}

// ContiguousFreeSpace returns the bytes remaining in the freefile, i.e. the
// largest append a contiguous-mode file is guaranteed to complete without
// fragmentation.
func (fsys *FS) ContiguousFreeSpace() uint32 {
	return fsys.freeFile.logicalSize
}

func (fsys *FS) clusterSizeBytes() uint32 {
	return fsys.sectorsPerCluster * sectorSize
}

// clusterToPhysicalSector returns the first physical sector of a cluster.
func (fsys *FS) clusterToPhysicalSector(cluster uint32) uint32 {
	return fsys.clusterStartSector + (cluster-fatFirstCluster)*fsys.sectorsPerCluster
}

// rootDirStartSector is the first sector of the FAT16 fixed root directory.
func (fsys *FS) rootDirStartSector() uint32 {
	return fsys.clusterStartSector - fsys.rootDirectorySectors
}

// Destroy tears the filesystem down. With dirty=false it first closes open
// files and drains the cache, returning false until that completes (keep
// polling); with dirty=true all state is abandoned immediately, simulating
// power loss. After Destroy returns true the FS may be Init'ed again.
func (fsys *FS) Destroy(dirty bool) bool {
	if !dirty && fsys.state == FilesystemStateReady {
		openCount := 0
		for i := range fsys.openFiles {
			file := &fsys.openFiles[i]
			if file.ftype == fileTypeNone {
				continue
			}
			openCount++
			if !file.operationBusy() {
				file.Close(nil)
			}
		}
		fsys.Poll()
		if openCount > 0 || !fsys.cacheFlush() {
			return false
		}
		for i := range fsys.cacheDescriptor {
			if fsys.cacheDescriptor[i].state == cacheSectorWriting {
				return false
			}
		}
	}
	logger := fsys.logger
	*fsys = FS{logger: logger}
	return true
}

// initContinue drives the mount driver; each sub-step may park on the cache
// and is re-entered by Poll.
func (fsys *FS) initContinue() {
	switch fsys.substate {
	case initPhaseReadMBR:
		buffer, status := fsys.cacheSector(0, cacheRead|cacheDiscardable)
		if status != OpSuccess {
			return
		}
		if !fsys.parseMBR(buffer) {
			fsys.fatalError("init:no FAT partition in MBR")
			return
		}
		fsys.substate = initPhaseReadVolumeID
		fsys.initContinue()

	case initPhaseReadVolumeID:
		buffer, status := fsys.cacheSector(fsys.partitionStartSector, cacheRead|cacheDiscardable)
		if status != OpSuccess {
			return
		}
		if !fsys.parseVolumeID(buffer) {
			fsys.fatalError("init:unsupported volume ID")
			return
		}
		fsys.substate = initPhaseFreefileCreating
		fsys.createFile(&fsys.freeFile, freeFileName, attrSystem,
			fileModeCreate|fileModeRetainDirectory, fsys.freeFileCreated)

	case initPhaseFreefileCreating:
		// The create may park waiting on the directory being extended.
		fsys.fileOperationContinue(&fsys.currentDirectory)
		fsys.fileOperationContinue(&fsys.freeFile)

	case initPhaseFreefileFATSearch:
		status := fsys.findLargestContiguousFreeBlockContinue()
		switch status {
		case OpSuccess:
			fsys.chooseFreefileRegion()
		case OpInProgress:
		default:
			fsys.fatalError("init:freefile search failed")
		}

	case initPhaseFreefileUpdateFAT:
		status := fsys.fatFillWithPattern(fatPatternTerminatedChain,
			&fsys.initState.fatFillCursor, fsys.initState.fatFillEnd)
		switch status {
		case OpSuccess:
			fsys.substate = initPhaseFreefileSaveDirEntry
			fsys.initContinue()
		case OpInProgress:
		default:
			fsys.fatalError("init:freefile FAT write failed")
		}

	case initPhaseFreefileSaveDirEntry:
		status := fsys.saveDirectoryEntry(&fsys.freeFile, saveDirectoryNormal)
		switch status {
		case OpSuccess:
			fsys.debug("mount complete",
				slog.Uint64("contiguousFreeSpace", uint64(fsys.freeFile.logicalSize)))
			fsys.state = FilesystemStateReady
		case OpInProgress:
		default:
			fsys.fatalError("init:freefile directory save failed")
		}
	}
}

// freeFileCreated continues mounting once the freefile open/create
// completes. An existing freefile with content is trusted as-is; a fresh
// one triggers the whole-volume free space search.
func (fsys *FS) freeFileCreated(file *File) {
	if file == nil {
		fsys.fatalError("init:freefile create failed")
		return
	}
	if fsys.freeFile.logicalSize == 0 {
		fsys.findLargestContiguousFreeBlockBegin()
		fsys.substate = initPhaseFreefileFATSearch
		return
	}
	fsys.state = FilesystemStateReady
}

// chooseFreefileRegion converts the completed free space search into the
// freefile's allocation: hold back a tail margin, truncate to whole
// superclusters, and queue the FAT chain write.
func (fsys *FS) chooseFreefileRegion() {
	search := &fsys.initState.freeSpaceSearch
	clusters := search.bestGapLength
	if clusters > afatfsFreefileLeaveClusters {
		clusters -= afatfsFreefileLeaveClusters
	} else {
		clusters = 0
	}
	clusters -= clusters % fsys.fatEntriesPerSector
	if clusters == 0 {
		// Volume too fragmented or too small for a freefile; contiguous
		// mode appends will report the filesystem full.
		fsys.warn("init:no freefile region available")
		fsys.state = FilesystemStateReady
		return
	}
	size := clusters * fsys.clusterSizeBytes()
	fsys.freeFile.directoryEntry.setFirstCluster(search.bestGapStart)
	fsys.freeFile.logicalSize = size
	fsys.freeFile.physicalSize = size
	fsys.initState.fatFillCursor = search.bestGapStart
	fsys.initState.fatFillEnd = search.bestGapStart + clusters
	fsys.debug("init:freefile region chosen",
		slog.Uint64("firstCluster", uint64(search.bestGapStart)),
		slog.Uint64("clusters", uint64(clusters)))
	fsys.substate = initPhaseFreefileUpdateFAT
	fsys.initContinue()
}

// parseMBR scans the four partition entries of the master boot record for a
// FAT32-compatible partition and records where it begins.
func (fsys *FS) parseMBR(buffer []byte) bool {
	bs, err := mbr.ToBootSector(buffer)
	if err != nil || bs.BootSignature() != mbr.BootSignature {
		return false
	}
	for i := 0; i < 4; i++ {
		pte := bs.PartitionTable(i)
		switch pte.PartitionType() {
		case mbr.PartitionTypeFAT32CHS, mbr.PartitionTypeFAT32LBA:
			fsys.partitionStartSector = pte.StartLBA()
			return true
		}
	}
	return false
}

// parseVolumeID validates the partition's boot sector and derives the
// volume geometry. FAT12 volumes are rejected.
func (fsys *FS) parseVolumeID(buffer []byte) bool {
	volume := volumeID{data: buffer}
	if volume.BytesPerSector() != sectorSize || volume.NumFATs() != 2 || !volume.SignatureValid() {
		return false
	}
	fsys.sectorsPerCluster = uint32(volume.SectorsPerCluster())
	if fsys.sectorsPerCluster < 1 || fsys.sectorsPerCluster > 128 || !isPowerOfTwo(fsys.sectorsPerCluster) {
		return false
	}
	fsys.byteInClusterMask = fsys.sectorsPerCluster*sectorSize - 1

	fsys.fatSectors = volume.SectorsPerFAT()
	if fsys.fatSectors == 0 {
		return false
	}
	fsys.fatStartSector = fsys.partitionStartSector + uint32(volume.ReservedSectorCount())
	fsys.rootDirectorySectors = uint32(volume.RootEntryCount()) * dirEntrySize / sectorSize
	fsys.clusterStartSector = fsys.fatStartSector + 2*fsys.fatSectors + fsys.rootDirectorySectors

	totalSectors := volume.TotalSectors()
	if totalSectors == 0 || totalSectors < fsys.clusterStartSector-fsys.partitionStartSector {
		return false
	}
	fsys.numClusters = (totalSectors - (fsys.clusterStartSector - fsys.partitionStartSector)) / fsys.sectorsPerCluster

	switch {
	case fsys.numClusters < 4085:
		// FAT12 is never worth supporting on SD media.
		fsys.logerror("init:FAT12 volume rejected")
		return false
	case fsys.numClusters < 65525:
		fsys.fatType = fatTypeFAT16
		fsys.fatEntriesPerSector = fat16EntriesPerSector
		fsys.rootDirCluster = 0
		if fsys.rootDirectorySectors == 0 {
			return false
		}
	default:
		fsys.fatType = fatTypeFAT32
		fsys.fatEntriesPerSector = fat32EntriesPerSector
		fsys.rootDirCluster = volume.RootCluster()
		if fsys.rootDirectorySectors != 0 || fsys.rootDirCluster < fatFirstCluster {
			return false
		}
	}

	fsys.lastClusterAllocated = fatFirstCluster
	fsys.initRootDirectoryHandle(&fsys.currentDirectory)
	return true
}

// fileOperationsPoll advances the queued operation on every handle that has
// one. The working directory can carry a directory-extension operation, so
// it is polled alongside the open file pool.
func (fsys *FS) fileOperationsPoll() {
	fsys.fileOperationContinue(&fsys.currentDirectory)
	fsys.fileOperationContinue(&fsys.freeFile)
	for i := range fsys.openFiles {
		fsys.fileOperationContinue(&fsys.openFiles[i])
	}
}
