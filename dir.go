package afatfs

// Finder is a cursor over the entries of one directory, advanced by
// [FS.FindNext]. The zero value is not ready for use; initialise it with
// [FS.FindFirst]. It doubles as the record of where an open file's own
// directory entry lives on disk.
type Finder struct {
	cluster         uint32 // 0 inside the FAT16 fixed root directory.
	sectorInCluster uint16
	entryIndex      int16 // -1 before the first advance.
	finished        bool
}

// finderPhysicalSector maps a finder position onto its physical sector.
func (fsys *FS) finderPhysicalSector(finder *Finder) uint32 {
	if finder.cluster == 0 {
		return fsys.rootDirStartSector() + uint32(finder.sectorInCluster)
	}
	return fsys.clusterToPhysicalSector(finder.cluster) + uint32(finder.sectorInCluster)
}

// initRootDirectoryHandle points the handle at the volume's root directory.
func (fsys *FS) initRootDirectoryHandle(file *File) {
	*file = File{fsys: fsys, lockedCacheIndex: -1}
	file.mode = fileModeRead | fileModeWrite
	file.directoryEntry.setAttributes(attrDirectory)
	file.directoryEntryPos.entryIndex = -1
	if fsys.fatType == fatTypeFAT16 {
		file.ftype = fileTypeFAT16Root
	} else {
		file.ftype = fileTypeDirectory
		file.directoryEntry.setFirstCluster(fsys.rootDirCluster)
		file.cursorCluster = fsys.rootDirCluster
	}
}

// dirRewind resets the directory cursor and the finder so the next advance
// yields the first entry.
func (fsys *FS) dirRewind(directory *File, finder *Finder) {
	fsys.fileUnlockCacheSector(directory)
	directory.cursorOffset = 0
	directory.cursorCluster = directory.firstCluster()
	directory.cursorPreviousCluster = 0
	*finder = Finder{entryIndex: -1}
}

// FindFirst begins iterating the open directory. The same finder is then
// passed to FindNext until it reports the end.
func (fsys *FS) FindFirst(directory *File, finder *Finder) {
	fsys.dirRewind(directory, finder)
}

// findNext steps the finder to the next raw 32-byte entry, seeking the
// directory one sector at a time and following its cluster chain. A nil
// entry with OpSuccess signals the end of the allocated directory; the
// returned slice points into the cache and is only valid until the next
// cache call.
func (fsys *FS) findNext(directory *File, finder *Finder) ([]byte, OpStatus) {
	if finder.finished {
		return nil, OpSuccess
	}
	if finder.entryIndex == dirEntriesPerSector-1 {
		if !fsys.fileSeekAtomic(directory, sectorSize) {
			return nil, OpInProgress
		}
		finder.entryIndex = -1
	}
	if directory.ftype == fileTypeFAT16Root {
		if directory.cursorOffset >= fsys.rootDirectorySectors*sectorSize {
			finder.finished = true
			return nil, OpSuccess
		}
	} else if directory.cursorCluster == 0 {
		finder.finished = true
		return nil, OpSuccess
	}
	buffer, status := fsys.fileGetCursorSectorForRead(directory)
	if status != OpSuccess {
		return nil, status
	}
	finder.entryIndex++
	finder.cluster = directory.cursorCluster
	if directory.ftype == fileTypeFAT16Root {
		finder.sectorInCluster = uint16(directory.cursorOffset / sectorSize)
	} else {
		finder.sectorInCluster = uint16(fsys.byteIndexInCluster(directory.cursorOffset) / sectorSize)
	}
	offset := uint32(finder.entryIndex) * dirEntrySize
	return buffer[offset : offset+dirEntrySize], OpSuccess
}

// FindNext copies the next directory entry into entry. On OpSuccess, an
// entry reporting IsTerminator signals the end of the directory (every
// allocated entry, including deleted ones, is surfaced before that; callers
// filter). OpInProgress asks the caller to poll and retry.
func (fsys *FS) FindNext(directory *File, finder *Finder, entry *DirEntry) OpStatus {
	raw, status := fsys.findNext(directory, finder)
	if status != OpSuccess {
		return status
	}
	if raw == nil {
		entry.data = [dirEntrySize]byte{}
		return OpSuccess
	}
	copy(entry.data[:], raw)
	return OpSuccess
}

// allocateDirectoryEntry finds a reusable (deleted or never written) entry
// slot, extending the directory by one zeroed cluster when its chain is
// exhausted. The winning sector is marked dirty before the slice is handed
// back.
func (fsys *FS) allocateDirectoryEntry(directory *File, finder *Finder) ([]byte, OpStatus) {
	if directory.operationBusy() {
		return nil, OpInProgress // Extension still running.
	}
	for {
		entry, status := fsys.findNext(directory, finder)
		if status != OpSuccess {
			return nil, status
		}
		if entry == nil {
			if directory.ftype == fileTypeFAT16Root {
				// The FAT16 root has a fixed entry count and cannot grow.
				return nil, OpFailure
			}
			if fsys.filesystemFull {
				return nil, OpFailure
			}
			finder.entryIndex = -1
			finder.finished = false
			fsys.extendSubdirectory(directory)
			return nil, OpInProgress
		}
		if entry[0] == 0x00 || entry[0] == fatDeletedFileMarker {
			fsys.cacheSector(fsys.finderPhysicalSector(finder), cacheWrite)
			return entry, OpSuccess
		}
	}
}

type extendSubdirectoryPhase uint8

const (
	extendSubdirectoryPhaseAddFreeCluster extendSubdirectoryPhase = iota
	extendSubdirectoryPhaseWriteSectors
)

// extendSubdirectoryState appends one cluster to a directory's chain and
// zeroes it so it reads as all-terminator entries.
type extendSubdirectoryState struct {
	phase             extendSubdirectoryPhase
	sectorIndex       uint32
	appendFreeCluster appendFreeClusterState
}

func (fsys *FS) extendSubdirectory(directory *File) {
	directory.operation.kind = fileOpExtendSubdirectory
	st := &directory.operation.extendSubdirectory
	*st = extendSubdirectoryState{phase: extendSubdirectoryPhaseAddFreeCluster}
	fsys.appendFreeClusterInit(directory, &st.appendFreeCluster)
	fsys.fileOperationContinue(directory)
}

func (fsys *FS) extendSubdirectoryContinue(directory *File) {
	st := &directory.operation.extendSubdirectory
	for {
		switch st.phase {
		case extendSubdirectoryPhaseAddFreeCluster:
			status := fsys.appendFreeClusterContinue(directory, &st.appendFreeCluster)
			if status == OpInProgress {
				return
			}
			if status != OpSuccess {
				// Volume full; the pending allocation observes the sticky
				// full flag when it retries.
				directory.operation.kind = fileOpNone
				return
			}
			st.sectorIndex = 0
			st.phase = extendSubdirectoryPhaseWriteSectors

		case extendSubdirectoryPhaseWriteSectors:
			newCluster := st.appendFreeCluster.searchCluster
			for st.sectorIndex < fsys.sectorsPerCluster {
				sector := fsys.clusterToPhysicalSector(newCluster) + st.sectorIndex
				buffer, status := fsys.cacheSector(sector, cacheWrite)
				if status != OpSuccess {
					return
				}
				clear(buffer)
				st.sectorIndex++
			}
			directory.operation.kind = fileOpNone
			return
		}
	}
}

type initSubdirectoryPhase uint8

const (
	initSubdirectoryPhaseAddFreeCluster initSubdirectoryPhase = iota
	initSubdirectoryPhaseWriteSectors
)

// initSubdirectoryState gives a freshly created directory its first
// cluster, zeroes it, and writes the "." and ".." entries into the first
// sector.
type initSubdirectoryState struct {
	phase                  initSubdirectoryPhase
	parentDirectoryCluster uint32
	sectorIndex            uint32
	appendFreeCluster      appendFreeClusterState
	callback               FileCallback
}

func (fsys *FS) initSubdirectoryQueue(file *File, callback FileCallback) {
	file.operation.kind = fileOpInitSubdirectory
	st := &file.operation.initSubdirectory
	*st = initSubdirectoryState{callback: callback}
	if fsys.currentDirectory.ftype != fileTypeFAT16Root &&
		fsys.currentDirectory.firstCluster() != fsys.rootDirCluster {
		st.parentDirectoryCluster = fsys.currentDirectory.firstCluster()
	}
	// A ".." entry pointing at the root stores cluster 0 on both FAT types.
	fsys.appendFreeClusterInit(file, &st.appendFreeCluster)
	fsys.fileOperationContinue(file)
}

func dotEntryName(dots int) (name [fatFilenameLen]byte) {
	for i := range name {
		name[i] = ' '
	}
	for i := 0; i < dots; i++ {
		name[i] = '.'
	}
	return name
}

func (fsys *FS) initSubdirectoryContinue(file *File) {
	st := &file.operation.initSubdirectory
	for {
		switch st.phase {
		case initSubdirectoryPhaseAddFreeCluster:
			status := fsys.appendFreeClusterContinue(file, &st.appendFreeCluster)
			if status == OpInProgress {
				return
			}
			if status != OpSuccess {
				callback := st.callback
				file.operation.kind = fileOpNone
				fsys.fileDiscardHandle(file)
				if callback != nil {
					callback(nil)
				}
				return
			}
			st.sectorIndex = 0
			st.phase = initSubdirectoryPhaseWriteSectors

		case initSubdirectoryPhaseWriteSectors:
			for st.sectorIndex < fsys.sectorsPerCluster {
				sector := fsys.clusterToPhysicalSector(file.firstCluster()) + st.sectorIndex
				buffer, status := fsys.cacheSector(sector, cacheWrite)
				if status != OpSuccess {
					return
				}
				clear(buffer)
				if st.sectorIndex == 0 {
					var dot, dotdot DirEntry
					dot.setName(dotEntryName(1))
					dot.setAttributes(attrDirectory)
					dot.setFirstCluster(file.firstCluster())
					dotdot.setName(dotEntryName(2))
					dotdot.setAttributes(attrDirectory)
					dotdot.setFirstCluster(st.parentDirectoryCluster)
					copy(buffer[0:], dot.data[:])
					copy(buffer[dirEntrySize:], dotdot.data[:])
				}
				st.sectorIndex++
			}
			file.cursorOffset = 0
			file.cursorCluster = file.firstCluster()
			file.cursorPreviousCluster = 0
			callback := st.callback
			file.operation.kind = fileOpNone
			if callback != nil {
				callback(file)
			}
			return
		}
	}
}

// Mkdir creates a subdirectory in the working directory. The callback
// receives the open directory handle (close it, or pass it to Chdir first)
// or nil on failure.
func (fsys *FS) Mkdir(name string, callback FileCallback) error {
	if fsys.state != FilesystemStateReady {
		return errNotReady
	}
	file := fsys.allocateFileHandle()
	if file == nil {
		return errTooManyOpenFiles
	}
	fsys.createFile(file, name, attrDirectory, fileModeCreate, callback)
	return nil
}

// Chdir changes the working directory to the given open directory handle,
// or back to the root when directory is nil. The handle's state is copied;
// the caller may close its handle afterwards. Returns false when either
// directory is mid-operation; retry later.
func (fsys *FS) Chdir(directory *File) bool {
	if fsys.currentDirectory.operationBusy() {
		return false
	}
	if directory == nil {
		fsys.initRootDirectoryHandle(&fsys.currentDirectory)
		return true
	}
	if !directory.IsDirectory() || directory.operationBusy() {
		return false
	}
	clone := *directory
	clone.operation = fileOperation{}
	clone.lockedCacheIndex = -1
	// The retain on the directory entry sector stays with the caller's
	// handle and is released by its close.
	clone.mode &^= fileModeRetainDirectory
	clone.cursorOffset = 0
	clone.cursorCluster = clone.firstCluster()
	clone.cursorPreviousCluster = 0
	fsys.currentDirectory = clone
	return true
}
