package afatfs

import "io"

type fileType uint8

const (
	fileTypeNone fileType = iota
	fileTypeNormal
	fileTypeDirectory
	fileTypeFAT16Root
)

type fileMode uint8

const (
	fileModeRead fileMode = 1 << iota
	fileModeWrite
	fileModeAppend
	fileModeCreate
	// fileModeContiguous draws all new clusters from the freefile in
	// sequence so the chain is implicit until the freefile boundary.
	fileModeContiguous
	// fileModeRetainDirectory pins the sector holding the file's directory
	// entry in the cache for the life of the handle.
	fileModeRetainDirectory
)

// parseFileMode recognises the stdio-style two character mode strings:
// "r", "w", "a", "r+", "w+", "a+", plus "ws"/"as" which add contiguous
// (freefile-backed) allocation and directory sector retention.
func parseFileMode(mode string) (fileMode, error) {
	if len(mode) == 0 || len(mode) > 2 {
		return 0, errInvalidMode
	}
	var flags fileMode
	switch mode[0] {
	case 'r':
		flags = fileModeRead
	case 'w':
		flags = fileModeWrite | fileModeCreate
	case 'a':
		flags = fileModeAppend | fileModeCreate
	default:
		return 0, errInvalidMode
	}
	if len(mode) == 2 {
		switch mode[1] {
		case '+':
			if mode[0] == 'r' {
				flags |= fileModeWrite
			} else {
				flags |= fileModeRead
			}
		case 's':
			if mode[0] == 'r' {
				return 0, errInvalidMode
			}
			flags |= fileModeContiguous | fileModeRetainDirectory
		default:
			return 0, errInvalidMode
		}
	}
	return flags, nil
}

// FileCallback is invoked when an asynchronous file operation completes.
// Open-style operations pass the handle on success and nil on failure.
type FileCallback func(file *File)

// File is one open file or directory. Handles are allocated from a fixed
// pool inside the FS at open and returned to it at close; callers hold
// pointers only between the open callback and close.
type File struct {
	fsys  *FS
	ftype fileType
	mode  fileMode

	cursorOffset uint32
	// cursorCluster is the cluster the cursor lies in, or 0 once the cursor
	// has moved past the last allocated cluster.
	cursorCluster uint32
	// cursorPreviousCluster trails cursorCluster because FAT chains are
	// singly linked and appends must patch the predecessor's entry.
	cursorPreviousCluster uint32

	// lockedCacheIndex is the cache slot this handle holds locked while
	// writing through it, or -1.
	lockedCacheIndex int16

	directoryEntryPos Finder
	directoryEntry    DirEntry

	// logicalSize is the byte count the application has written.
	// physicalSize is the allocated byte count; the on-disk entry carries
	// physicalSize while the file is open so completed sectors survive
	// power loss, and logicalSize is written back at close.
	logicalSize  uint32
	physicalSize uint32

	operation fileOperation
}

type fileOperationKind uint8

const (
	fileOpNone fileOperationKind = iota
	fileOpCreateFile
	fileOpSeek
	fileOpClose
	fileOpTruncate
	fileOpAppendFreeCluster
	fileOpAppendSupercluster
	fileOpExtendSubdirectory
	fileOpInitSubdirectory
)

// fileOperation is the tagged per-file operation state. Exactly one of the
// embedded states is live, selected by kind; a handle carries at most one
// queued operation and requests against a busy file are refused.
type fileOperation struct {
	kind fileOperationKind

	createFile         createFileState
	seek               seekState
	closeFile          closeState
	truncate           truncateState
	appendFreeCluster  appendFreeClusterState
	appendSupercluster appendSuperclusterState
	extendSubdirectory extendSubdirectoryState
	initSubdirectory   initSubdirectoryState
}

func (fp *File) operationBusy() bool { return fp.operation.kind != fileOpNone }

func (fp *File) firstCluster() uint32 { return fp.directoryEntry.FirstCluster() }

// Name returns the file's name decoded from its directory entry.
func (fp *File) Name() string { return fp.directoryEntry.Name() }

// Size returns the logical file size in bytes.
func (fp *File) Size() uint32 { return fp.logicalSize }

// IsDirectory reports whether the handle refers to a directory.
func (fp *File) IsDirectory() bool {
	return fp.ftype == fileTypeDirectory || fp.ftype == fileTypeFAT16Root
}

func (fsys *FS) eocMark() uint32 {
	if fsys.fatType == fatTypeFAT16 {
		return fat16EOCMark
	}
	return fat32EOCMark
}

func (fsys *FS) validClusterNumber(cluster uint32) bool {
	return cluster >= fatFirstCluster && cluster < fsys.numClusters+fatFirstCluster
}

func (fsys *FS) byteIndexInCluster(offset uint32) uint32 {
	return offset & fsys.byteInClusterMask
}

// fileCursorPhysicalSector maps the cursor onto its physical sector. The
// cursor cluster must be valid, except for the FAT16 root directory which
// lives in a fixed sector range and has no clusters.
func (fsys *FS) fileCursorPhysicalSector(file *File) uint32 {
	if file.ftype == fileTypeFAT16Root {
		return fsys.rootDirStartSector() + file.cursorOffset/sectorSize
	}
	return fsys.clusterToPhysicalSector(file.cursorCluster) +
		fsys.byteIndexInCluster(file.cursorOffset)/sectorSize
}

// fileGetNextCluster resolves the cluster that follows currentCluster in
// the file. Contiguous-mode files answer arithmetically without touching
// the FAT; other files read the chain. A result of 0 means the chain ends.
func (fsys *FS) fileGetNextCluster(file *File, currentCluster uint32) (next uint32, status OpStatus) {
	if currentCluster < fatFirstCluster {
		return 0, OpSuccess // Cursor already past the end of the chain.
	}
	if file.mode&fileModeContiguous != 0 {
		endCluster := file.firstCluster() + file.physicalSize/fsys.clusterSizeBytes()
		if currentCluster+1 < endCluster {
			return currentCluster + 1, OpSuccess
		}
		return 0, OpSuccess
	}
	next, status = fsys.fatGetNextCluster(currentCluster)
	if status != OpSuccess {
		return 0, status
	}
	if !fsys.validClusterNumber(next) {
		next = 0 // Free marker, end-of-chain marker, or garbage: chain ends.
	}
	return next, OpSuccess
}

func (fsys *FS) fileUnlockCacheSector(file *File) {
	if file.lockedCacheIndex >= 0 {
		fsys.cacheUnlockIndex(file.lockedCacheIndex)
		file.lockedCacheIndex = -1
	}
}

func (fsys *FS) fileGetCursorSectorForRead(file *File) ([]byte, OpStatus) {
	return fsys.cacheSector(fsys.fileCursorPhysicalSector(file), cacheRead)
}

// fileLockCursorSectorForWrite returns the cursor's sector buffer with the
// slot locked against flush and eviction. When the cursor sits at the end
// of the allocated file it first queues the appropriate append; the caller
// sees in-progress until the allocation lands.
func (fsys *FS) fileLockCursorSectorForWrite(file *File) ([]byte, OpStatus) {
	if file.cursorOffset == file.physicalSize {
		var status OpStatus
		if file.mode&fileModeContiguous != 0 {
			status = fsys.fileAppendSupercluster(file)
		} else {
			status = fsys.fileAppendRegularFreeCluster(file)
		}
		if status != OpSuccess {
			return nil, status
		}
	}

	flags := cacheWrite | cacheLock
	startOfSector := file.cursorOffset &^ (sectorSize - 1)
	if startOfSector < file.logicalSize {
		// The sector holds previously written content, it must be read
		// before being modified. A sector wholly beyond the content so far
		// will be rewritten blind.
		flags |= cacheRead
	}
	buffer, status := fsys.cacheSector(fsys.fileCursorPhysicalSector(file), flags)
	if status == OpSuccess {
		file.lockedCacheIndex = fsys.cacheFindIndex(buffer)
	}
	return buffer, status
}

// fileSeekAtomic advances the cursor forward by offset bytes if it can do
// so without suspending: within the current sector, within the current
// cluster, or across one cluster boundary whose FAT entry is cached.
// Returns false when the caller must retry later; the cursor is unchanged.
func (fsys *FS) fileSeekAtomic(file *File, offset uint32) bool {
	newOffset := file.cursorOffset + offset
	if file.cursorOffset/sectorSize == newOffset/sectorSize {
		file.cursorOffset = newOffset
		return true
	}
	// Leaving the sector invalidates any write-through buffer we hold.
	fsys.fileUnlockCacheSector(file)
	if file.ftype == fileTypeFAT16Root {
		file.cursorOffset = newOffset
		return true
	}
	clusterBytes := fsys.clusterSizeBytes()
	if file.cursorOffset/clusterBytes == newOffset/clusterBytes {
		file.cursorOffset = newOffset
		return true
	}
	// Crossing one cluster boundary forward.
	next, status := fsys.fileGetNextCluster(file, file.cursorCluster)
	if status != OpSuccess {
		return false
	}
	file.cursorPreviousCluster = file.cursorCluster
	file.cursorCluster = next
	file.cursorOffset = newOffset
	return true
}

type seekState struct {
	seekOffset uint32
	callback   FileCallback
}

// queueSeek schedules an asynchronous forward seek from the current cursor.
func (fsys *FS) queueSeek(file *File, offset uint32, callback FileCallback) {
	file.operation.kind = fileOpSeek
	file.operation.seek = seekState{seekOffset: offset, callback: callback}
	fsys.fileOperationContinue(file)
}

func (fsys *FS) fileSeekContinue(file *File) {
	st := &file.operation.seek
	if file.ftype == fileTypeFAT16Root {
		file.cursorOffset += st.seekOffset
		st.seekOffset = 0
	}
	clusterBytes := fsys.clusterSizeBytes()
	for st.seekOffset > 0 && file.cursorCluster != 0 {
		remaining := clusterBytes - fsys.byteIndexInCluster(file.cursorOffset)
		if st.seekOffset < remaining {
			break
		}
		next, status := fsys.fileGetNextCluster(file, file.cursorCluster)
		if status != OpSuccess {
			return // Park; Poll re-enters here.
		}
		file.cursorPreviousCluster = file.cursorCluster
		file.cursorCluster = next
		file.cursorOffset += remaining
		st.seekOffset -= remaining
	}
	file.cursorOffset += st.seekOffset
	st.seekOffset = 0

	callback := st.callback
	file.operation.kind = fileOpNone
	if callback != nil {
		callback(file)
	}
}

// Seek repositions the cursor. Whence is one of io.SeekStart,
// io.SeekCurrent or io.SeekEnd. Seeking beyond the end of the file leaves
// the cursor at the end without allocating. Returns OpSuccess when the
// cursor moved immediately, OpInProgress when the seek was queued (poll
// until the file is no longer busy), or OpFailure when the file is busy or
// the target is invalid.
func (fp *File) Seek(offset int64, whence int) OpStatus {
	fsys := fp.fsys
	if fsys == nil || fp.ftype == fileTypeNone || fp.operationBusy() {
		return OpFailure
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = int64(fp.cursorOffset) + offset
	case io.SeekEnd:
		target = int64(fp.logicalSize) + offset
	default:
		return OpFailure
	}
	if target < 0 {
		return OpFailure
	}
	if target > int64(fp.logicalSize) {
		target = int64(fp.logicalSize)
	}
	// Cluster chains are singly linked: rewind to the head and walk
	// forward, even for short backwards seeks.
	fsys.fileUnlockCacheSector(fp)
	fp.cursorOffset = 0
	fp.cursorCluster = fp.firstCluster()
	fp.cursorPreviousCluster = 0
	fsys.queueSeek(fp, uint32(target), nil)
	if fp.operationBusy() {
		return OpInProgress
	}
	return OpSuccess
}

// Tell reports the cursor's byte offset. ok is false while an operation is
// queued on the file, since the cursor is then in motion.
func (fp *File) Tell() (offset uint32, ok bool) {
	if fp.operationBusy() {
		return 0, false
	}
	return fp.cursorOffset, true
}

// EOF reports whether the cursor is at or beyond the end of the file.
func (fp *File) EOF() bool {
	return fp.cursorOffset >= fp.logicalSize
}

// Write copies bytes from buffer into the file at the cursor, allocating
// clusters as needed, and returns how many bytes were accepted. A short
// count (including zero) is not an error: the cache or device needs to make
// progress first, so poll and call Write again with the remainder. Zero is
// also returned when the volume fills, distinguishable via [FS.Full].
func (fp *File) Write(buffer []byte) int {
	fsys := fp.fsys
	if fsys == nil || fsys.state != FilesystemStateReady || fp.ftype == fileTypeNone {
		return 0
	}
	if fp.mode&(fileModeWrite|fileModeAppend) == 0 || fp.operationBusy() {
		return 0
	}
	written := 0
	for written < len(buffer) {
		offsetInSector := fp.cursorOffset % sectorSize
		chunk := min(len(buffer)-written, int(sectorSize-offsetInSector))

		sectorBuffer, status := fsys.fileLockCursorSectorForWrite(fp)
		if status != OpSuccess {
			break
		}
		copy(sectorBuffer[offsetInSector:], buffer[written:written+chunk])
		written += chunk
		if newPos := fp.cursorOffset + uint32(chunk); newPos > fp.logicalSize {
			fp.logicalSize = newPos
		}
		if !fsys.fileSeekAtomic(fp, uint32(chunk)) {
			// The cursor needs a FAT sector that isn't resident; finish
			// the move asynchronously and report what landed.
			fsys.queueSeek(fp, uint32(chunk), nil)
			break
		}
	}
	return written
}

// Read copies up to len(buffer) bytes from the cursor onwards and returns
// how many were produced. Zero means end of file, a busy file, or that the
// cache must make progress first; use [File.EOF] to tell these apart.
func (fp *File) Read(buffer []byte) int {
	fsys := fp.fsys
	if fsys == nil || fsys.state != FilesystemStateReady || fp.ftype == fileTypeNone {
		return 0
	}
	if fp.mode&fileModeRead == 0 || fp.operationBusy() {
		return 0
	}
	readBytes := 0
	for readBytes < len(buffer) && fp.cursorOffset < fp.logicalSize {
		offsetInSector := fp.cursorOffset % sectorSize
		chunk := min(len(buffer)-readBytes, int(sectorSize-offsetInSector), int(fp.logicalSize-fp.cursorOffset))

		sectorBuffer, status := fsys.fileGetCursorSectorForRead(fp)
		if status != OpSuccess {
			break
		}
		copy(buffer[readBytes:readBytes+chunk], sectorBuffer[offsetInSector:])
		readBytes += chunk
		if !fsys.fileSeekAtomic(fp, uint32(chunk)) {
			fsys.queueSeek(fp, uint32(chunk), nil)
			break
		}
	}
	return readBytes
}

type appendFreeClusterPhase uint8

const (
	appendFreeClusterPhaseFindFreespace appendFreeClusterPhase = iota
	appendFreeClusterPhaseUpdateFAT1
	appendFreeClusterPhaseUpdateFAT2
	appendFreeClusterPhaseUpdateFileDirectory
	appendFreeClusterPhaseComplete
	appendFreeClusterPhaseFailure
)

// appendFreeClusterState extends a file by one cluster found by scanning
// the FAT forward from the last allocation. It is also embedded inside the
// directory-extension and subdirectory-init machines.
type appendFreeClusterState struct {
	phase           appendFreeClusterPhase
	searchCluster   uint32
	previousCluster uint32
}

func (fsys *FS) appendFreeClusterInit(file *File, st *appendFreeClusterState) {
	*st = appendFreeClusterState{
		phase:           appendFreeClusterPhaseFindFreespace,
		searchCluster:   fsys.lastClusterAllocated,
		previousCluster: file.cursorPreviousCluster,
	}
}

func (fsys *FS) appendFreeClusterContinue(file *File, st *appendFreeClusterState) OpStatus {
	for {
		switch st.phase {
		case appendFreeClusterPhaseFindFreespace:
			status := fsys.findClusterWithCondition(clusterSearchFree, &st.searchCluster)
			switch status {
			case OpSuccess:
				fsys.lastClusterAllocated = st.searchCluster + 1
				file.physicalSize += fsys.clusterSizeBytes()
				st.phase = appendFreeClusterPhaseUpdateFAT1
			case OpFailure:
				fsys.filesystemFull = true
				st.phase = appendFreeClusterPhaseFailure
			default:
				return status
			}

		case appendFreeClusterPhaseUpdateFAT1:
			// Terminate the new cluster before linking it so an interrupted
			// append never leaves a dangling chain.
			status := fsys.fatSetNextCluster(st.searchCluster, fsys.eocMark())
			if status != OpSuccess {
				return status
			}
			if file.firstCluster() == 0 {
				st.phase = appendFreeClusterPhaseUpdateFileDirectory
			} else {
				st.phase = appendFreeClusterPhaseUpdateFAT2
			}

		case appendFreeClusterPhaseUpdateFAT2:
			status := fsys.fatSetNextCluster(st.previousCluster, st.searchCluster)
			if status != OpSuccess {
				return status
			}
			st.phase = appendFreeClusterPhaseComplete

		case appendFreeClusterPhaseUpdateFileDirectory:
			file.directoryEntry.setFirstCluster(st.searchCluster)
			status := fsys.saveDirectoryEntry(file, saveDirectoryNormal)
			if status != OpSuccess {
				return status
			}
			st.phase = appendFreeClusterPhaseComplete

		case appendFreeClusterPhaseComplete:
			if file.cursorCluster == 0 {
				file.cursorCluster = st.searchCluster
			}
			return OpSuccess

		case appendFreeClusterPhaseFailure:
			return OpFailure
		}
	}
}

// fileAppendRegularFreeCluster queues (or resumes) a one-cluster append on
// the file. OpSuccess means the cursor may proceed into the new cluster.
func (fsys *FS) fileAppendRegularFreeCluster(file *File) OpStatus {
	if file.operation.kind != fileOpAppendFreeCluster {
		if file.operationBusy() {
			return OpInProgress
		}
		file.operation.kind = fileOpAppendFreeCluster
		fsys.appendFreeClusterInit(file, &file.operation.appendFreeCluster)
	}
	status := fsys.appendFreeClusterContinue(file, &file.operation.appendFreeCluster)
	if status != OpInProgress {
		file.operation.kind = fileOpNone
	}
	return status
}

type appendSuperclusterPhase uint8

const (
	appendSuperclusterPhaseUpdateFAT appendSuperclusterPhase = iota
	appendSuperclusterPhaseUpdateFreefileDirectory
	appendSuperclusterPhaseUpdateFileDirectory
)

// appendSuperclusterState extends a contiguous-mode file by stealing the
// supercluster at the head of the freefile. The donated clusters become
// usable immediately; the FAT chain and directory rewrites trail behind,
// keeping the file busy until they land.
type appendSuperclusterState struct {
	phase               appendSuperclusterPhase
	fatRewriteStart     uint32
	fatRewriteEnd       uint32
	updateFileDirectory bool
}

// fileAppendSupercluster runs the donation synchronously (it is pure
// bookkeeping) and queues the persistence phases. OpSuccess means the
// cursor may proceed; OpFailure means the freefile cannot donate a whole
// supercluster and the volume is reported full.
func (fsys *FS) fileAppendSupercluster(file *File) OpStatus {
	if file.operationBusy() {
		return OpInProgress
	}
	superClusterBytes := fsys.SuperClusterSize()
	if fsys.freeFile.logicalSize < superClusterBytes {
		fsys.filesystemFull = true
		return OpFailure
	}
	clustersPerFATSector := fsys.fatEntriesPerSector
	newRegionStart := fsys.freeFile.firstCluster()

	fsys.freeFile.logicalSize -= superClusterBytes
	fsys.freeFile.physicalSize -= superClusterBytes
	if fsys.freeFile.logicalSize == 0 {
		fsys.freeFile.directoryEntry.setFirstCluster(0)
	} else {
		fsys.freeFile.directoryEntry.setFirstCluster(newRegionStart + clustersPerFATSector)
	}

	file.operation.kind = fileOpAppendSupercluster
	st := &file.operation.appendSupercluster
	*st = appendSuperclusterState{
		phase:           appendSuperclusterPhaseUpdateFAT,
		fatRewriteStart: newRegionStart,
		fatRewriteEnd:   newRegionStart + clustersPerFATSector,
	}
	if file.firstCluster() == 0 {
		file.directoryEntry.setFirstCluster(newRegionStart)
		st.updateFileDirectory = true
	} else {
		// The file's previous terminator lives in the supercluster just
		// before the stolen one; rewrite it into a link as well.
		st.fatRewriteStart -= clustersPerFATSector
	}
	file.physicalSize += superClusterBytes
	if file.cursorCluster == 0 {
		file.cursorCluster = newRegionStart
	}
	fsys.fileOperationContinue(file)
	return OpSuccess
}

func (fsys *FS) appendSuperclusterContinue(file *File) {
	st := &file.operation.appendSupercluster
	for {
		switch st.phase {
		case appendSuperclusterPhaseUpdateFAT:
			status := fsys.fatFillWithPattern(fatPatternTerminatedChain, &st.fatRewriteStart, st.fatRewriteEnd)
			if status != OpSuccess {
				return
			}
			st.phase = appendSuperclusterPhaseUpdateFreefileDirectory

		case appendSuperclusterPhaseUpdateFreefileDirectory:
			status := fsys.saveDirectoryEntry(&fsys.freeFile, saveDirectoryNormal)
			if status != OpSuccess {
				return
			}
			if st.updateFileDirectory {
				st.phase = appendSuperclusterPhaseUpdateFileDirectory
				continue
			}
			file.operation.kind = fileOpNone
			return

		case appendSuperclusterPhaseUpdateFileDirectory:
			status := fsys.saveDirectoryEntry(file, saveDirectoryNormal)
			if status != OpSuccess {
				return
			}
			file.operation.kind = fileOpNone
			return
		}
	}
}

type truncatePhase uint8

const (
	truncatePhaseUpdateDirectory truncatePhase = iota
	truncatePhaseEraseChainContiguous
	truncatePhasePrependToFreefile
	truncatePhaseEraseChainNormal
	truncatePhaseSuccess
)

// truncateState frees a file's entire cluster chain. A contiguous file
// whose allocation ends exactly at the freefile's head hands its clusters
// straight back to the freefile; everything else is freed by walking the
// chain one FAT entry at a time.
type truncateState struct {
	phase          truncatePhase
	startCluster   uint32
	currentCluster uint32
	endCluster     uint32 // Nonzero selects the prepend-to-freefile path.
	deleteFile     bool
	callback       FileCallback
}

func (fsys *FS) fileTruncateQueue(file *File, deleteFile bool, callback FileCallback) {
	file.operation.kind = fileOpTruncate
	st := &file.operation.truncate
	*st = truncateState{
		phase:        truncatePhaseUpdateDirectory,
		startCluster: file.firstCluster(),
		deleteFile:   deleteFile,
		callback:     callback,
	}
	st.currentCluster = st.startCluster
	if file.mode&fileModeContiguous != 0 && st.startCluster != 0 {
		end := st.startCluster + file.physicalSize/fsys.clusterSizeBytes()
		if end == fsys.freeFile.firstCluster() {
			st.endCluster = end
		}
	}
	file.directoryEntry.setFirstCluster(0)
	file.logicalSize = 0
	file.physicalSize = 0
	fsys.fileUnlockCacheSector(file)
	file.cursorOffset = 0
	file.cursorCluster = 0
	file.cursorPreviousCluster = 0
	fsys.fileOperationContinue(file)
}

func (fsys *FS) fileTruncateContinue(file *File) {
	st := &file.operation.truncate
	for {
		switch st.phase {
		case truncatePhaseUpdateDirectory:
			// Detach the chain from the namespace first; a power failure
			// now leaks clusters instead of exposing a half-freed file.
			var status OpStatus
			if st.deleteFile {
				status = fsys.saveDirectoryEntry(file, saveDirectoryDeleted)
			} else {
				status = fsys.saveDirectoryEntry(file, saveDirectoryForClose)
			}
			if status != OpSuccess {
				return
			}
			switch {
			case st.startCluster == 0:
				st.phase = truncatePhaseSuccess
			case st.endCluster != 0:
				st.phase = truncatePhaseEraseChainContiguous
			default:
				st.phase = truncatePhaseEraseChainNormal
			}

		case truncatePhaseEraseChainContiguous:
			status := fsys.fatFillWithPattern(fatPatternChain, &st.currentCluster, st.endCluster)
			if status != OpSuccess {
				return
			}
			// The last rewritten entry now links into the freefile's old
			// head; adopt the region.
			regionBytes := (st.endCluster - st.startCluster) * fsys.clusterSizeBytes()
			fsys.freeFile.directoryEntry.setFirstCluster(st.startCluster)
			fsys.freeFile.logicalSize += regionBytes
			fsys.freeFile.physicalSize += regionBytes
			st.phase = truncatePhasePrependToFreefile

		case truncatePhasePrependToFreefile:
			status := fsys.saveDirectoryEntry(&fsys.freeFile, saveDirectoryNormal)
			if status != OpSuccess {
				return
			}
			st.phase = truncatePhaseSuccess

		case truncatePhaseEraseChainNormal:
			for fsys.validClusterNumber(st.currentCluster) {
				next, status := fsys.fatGetNextCluster(st.currentCluster)
				if status != OpSuccess {
					return
				}
				status = fsys.fatSetNextCluster(st.currentCluster, 0)
				if status != OpSuccess {
					return
				}
				// Rewind the allocation cursor so freed clusters are found
				// again by the forward-only free search.
				if st.currentCluster < fsys.lastClusterAllocated {
					fsys.lastClusterAllocated = st.currentCluster
				}
				st.currentCluster = next
			}
			st.phase = truncatePhaseSuccess

		case truncatePhaseSuccess:
			callback := st.callback
			deleted := st.deleteFile
			file.operation.kind = fileOpNone
			if deleted {
				fsys.fileDiscardHandle(file)
			}
			if callback != nil {
				callback(file)
			}
			return
		}
	}
}

// Unlink marks the file's directory entry deleted and releases its cluster
// chain back to free space (or back to the freefile for a contiguous file
// adjacent to it). The handle is returned to the pool when the callback
// fires. Returns false when the file is busy; retry later.
func (fp *File) Unlink(callback FileCallback) bool {
	fsys := fp.fsys
	if fsys == nil || fp.ftype != fileTypeNormal || fp.operationBusy() {
		return false
	}
	fsys.fileTruncateQueue(fp, true, callback)
	return true
}

type closeState struct {
	callback FileCallback
}

// Close writes the directory entry back with the logical file size,
// releases the handle's cache protections, and returns the handle to the
// pool. Returns false when the file is busy; retry later. The callback may
// be nil.
func (fp *File) Close(callback FileCallback) bool {
	fsys := fp.fsys
	if fsys == nil || fp.ftype == fileTypeNone || fp.operationBusy() {
		return false
	}
	fp.operation.kind = fileOpClose
	fp.operation.closeFile = closeState{callback: callback}
	fsys.fileOperationContinue(fp)
	return true
}

func (fsys *FS) fileCloseContinue(file *File) {
	st := &file.operation.closeFile
	// Directories never update their entry at close; their size field
	// stays zero on disk.
	if file.ftype == fileTypeNormal {
		status := fsys.saveDirectoryEntry(file, saveDirectoryForClose)
		if status == OpInProgress {
			return
		}
	}
	callback := st.callback
	file.operation.kind = fileOpNone
	fsys.fileDiscardHandle(file)
	if callback != nil {
		callback(file)
	}
}

// fileDiscardHandle drops the handle's cache protections and returns it to
// the pool.
func (fsys *FS) fileDiscardHandle(file *File) {
	fsys.fileUnlockCacheSector(file)
	if file.mode&fileModeRetainDirectory != 0 && file.directoryEntryPos.entryIndex >= 0 {
		fsys.cacheReleaseRetain(fsys.finderPhysicalSector(&file.directoryEntryPos))
	}
	file.ftype = fileTypeNone
	file.mode = 0
	file.operation.kind = fileOpNone
}

// fileLoadDirectoryEntry adopts an on-disk entry into the handle. The
// 32 bytes are copied out of the cache immediately; pointers into cache
// sectors do not survive the next cache call.
func (fsys *FS) fileLoadDirectoryEntry(file *File, entry []byte) {
	copy(file.directoryEntry.data[:], entry[:dirEntrySize])
	file.logicalSize = file.directoryEntry.Size()
	file.physicalSize = roundUpTo(file.logicalSize, fsys.clusterSizeBytes())
	if file.directoryEntry.Attributes().IsDirectory() {
		file.ftype = fileTypeDirectory
	}
}

type saveDirectoryReason uint8

const (
	// saveDirectoryNormal persists the entry with the allocated (physical)
	// size so that completed sectors remain reachable after power loss.
	saveDirectoryNormal saveDirectoryReason = iota
	// saveDirectoryForClose persists the entry with the logical size.
	saveDirectoryForClose
	// saveDirectoryDeleted marks the entry as deleted.
	saveDirectoryDeleted
)

// saveDirectoryEntry writes the handle's 32-byte entry copy back to its
// on-disk position through the cache.
func (fsys *FS) saveDirectoryEntry(file *File, reason saveDirectoryReason) OpStatus {
	if file.directoryEntryPos.entryIndex < 0 {
		return OpSuccess // Root directories have no entry of their own.
	}
	sector := fsys.finderPhysicalSector(&file.directoryEntryPos)
	buffer, status := fsys.cacheSector(sector, cacheRead|cacheWrite)
	if status != OpSuccess {
		return status
	}
	switch reason {
	case saveDirectoryNormal:
		if file.ftype != fileTypeDirectory {
			file.directoryEntry.setSize(file.physicalSize)
		}
	case saveDirectoryForClose:
		if file.ftype != fileTypeDirectory {
			file.directoryEntry.setSize(file.logicalSize)
		}
	case saveDirectoryDeleted:
		file.directoryEntry.markDeleted()
	}
	offset := uint32(file.directoryEntryPos.entryIndex) * dirEntrySize
	copy(buffer[offset:offset+dirEntrySize], file.directoryEntry.data[:])
	return OpSuccess
}

// fileOperationContinue advances the file's queued operation by one step.
func (fsys *FS) fileOperationContinue(file *File) {
	if fsys.state == FilesystemStateFatal {
		return
	}
	switch file.operation.kind {
	case fileOpNone:
	case fileOpCreateFile:
		fsys.createFileContinue(file)
	case fileOpSeek:
		fsys.fileSeekContinue(file)
	case fileOpClose:
		fsys.fileCloseContinue(file)
	case fileOpTruncate:
		fsys.fileTruncateContinue(file)
	case fileOpAppendFreeCluster:
		status := fsys.appendFreeClusterContinue(file, &file.operation.appendFreeCluster)
		if status != OpInProgress {
			file.operation.kind = fileOpNone
		}
	case fileOpAppendSupercluster:
		fsys.appendSuperclusterContinue(file)
	case fileOpExtendSubdirectory:
		fsys.extendSubdirectoryContinue(file)
	case fileOpInitSubdirectory:
		fsys.initSubdirectoryContinue(file)
	}
}
