package afatfs

import "bytes"

type createFilePhase uint8

const (
	createFilePhaseInitial createFilePhase = iota
	createFilePhaseFindFile
	createFilePhaseCreateNewFile
	createFilePhaseSuccess
	createFilePhaseFailure
)

// createFileState scans the working directory for the requested name and,
// in create mode, claims a directory entry when the scan comes up empty.
type createFileState struct {
	phase    createFilePhase
	callback FileCallback
}

func (fsys *FS) allocateFileHandle() *File {
	for i := range fsys.openFiles {
		if fsys.openFiles[i].ftype == fileTypeNone && !fsys.openFiles[i].operationBusy() {
			return &fsys.openFiles[i]
		}
	}
	return nil
}

// Open opens or creates the named file in the working directory, never
// blocking: the callback fires with the handle once the operation
// completes, or with nil on failure (not found without create mode,
// directory full, volume full). The special name "." opens the working
// directory itself, for enumeration with FindFirst/FindNext.
//
// Modes: "r", "w", "a", "r+", "w+", "a+", and "ws"/"as" for contiguous
// freefile-backed appends. "w" truncates an existing file; "a" seeks to its
// end.
func (fsys *FS) Open(name, mode string, callback FileCallback) error {
	if fsys.state != FilesystemStateReady {
		return errNotReady
	}
	flags, err := parseFileMode(mode)
	if err != nil {
		return err
	}
	file := fsys.allocateFileHandle()
	if file == nil {
		return errTooManyOpenFiles
	}
	if name == "." {
		clone := fsys.currentDirectory
		clone.operation = fileOperation{}
		clone.lockedCacheIndex = -1
		clone.mode = flags &^ (fileModeContiguous | fileModeRetainDirectory)
		clone.cursorOffset = 0
		clone.cursorCluster = clone.firstCluster()
		clone.cursorPreviousCluster = 0
		*file = clone
		if callback != nil {
			callback(file)
		}
		return nil
	}
	fsys.createFile(file, name, attrArchive, flags, callback)
	return nil
}

// createFile queues the open/create state machine on the handle. The
// machine scans the working directory; the directory handle itself does the
// sector stepping while the file's own directoryEntryPos acts as finder.
func (fsys *FS) createFile(file *File, name string, attr byte, flags fileMode, callback FileCallback) {
	*file = File{fsys: fsys, lockedCacheIndex: -1}
	file.mode = flags
	if attr&attrDirectory != 0 {
		file.ftype = fileTypeDirectory
	} else {
		file.ftype = fileTypeNormal
	}
	file.directoryEntry.setName(fatConvertFilenameToFATStyle(name))
	file.directoryEntry.setAttributes(attr)
	file.operation.kind = fileOpCreateFile
	file.operation.createFile = createFileState{
		phase:    createFilePhaseInitial,
		callback: callback,
	}
	fsys.fileOperationContinue(file)
}

func (fsys *FS) createFileContinue(file *File) {
	st := &file.operation.createFile
	directory := &fsys.currentDirectory
	for {
		switch st.phase {
		case createFilePhaseInitial:
			fsys.dirRewind(directory, &file.directoryEntryPos)
			st.phase = createFilePhaseFindFile

		case createFilePhaseFindFile:
			for {
				entry, status := fsys.findNext(directory, &file.directoryEntryPos)
				if status == OpInProgress {
					return
				}
				if status != OpSuccess {
					st.phase = createFilePhaseFailure
					break
				}
				if entry == nil {
					if file.mode&fileModeCreate != 0 {
						// Rescan from the top so deleted slots get reused.
						fsys.dirRewind(directory, &file.directoryEntryPos)
						st.phase = createFilePhaseCreateNewFile
					} else {
						st.phase = createFilePhaseFailure
					}
					break
				}
				attr := EntryAttributes(entry[dirEntryAttrOff])
				if entry[0] == 0x00 || entry[0] == fatDeletedFileMarker || attr.IsLFN() || attr.IsVolumeLabel() {
					continue
				}
				if bytes.Equal(entry[:fatFilenameLen], file.directoryEntry.rawName()) {
					fsys.fileLoadDirectoryEntry(file, entry)
					st.phase = createFilePhaseSuccess
					break
				}
			}

		case createFilePhaseCreateNewFile:
			entry, status := fsys.allocateDirectoryEntry(directory, &file.directoryEntryPos)
			if status == OpInProgress {
				return
			}
			if status != OpSuccess {
				st.phase = createFilePhaseFailure
				continue
			}
			// The allocator already marked the sector dirty; stamp our
			// entry into the claimed slot.
			copy(entry, file.directoryEntry.data[:])
			st.phase = createFilePhaseSuccess

		case createFilePhaseSuccess:
			if file.mode&fileModeRetainDirectory != 0 {
				entrySector := fsys.finderPhysicalSector(&file.directoryEntryPos)
				if _, status := fsys.cacheSector(entrySector, cacheRead|cacheRetain); status != OpSuccess {
					return // Not applied yet, safe to retry.
				}
				// Nothing after this point parks, so the retain is applied
				// exactly once.
			}
			file.cursorOffset = 0
			file.cursorCluster = file.firstCluster()
			file.cursorPreviousCluster = 0
			if file.mode&fileModeAppend != 0 && file.logicalSize > 0 {
				// An appended file's existing chain has no contiguity
				// guarantee, so it cannot draw from the freefile.
				file.mode &^= fileModeContiguous
			}
			callback := st.callback
			switch {
			case file.ftype == fileTypeDirectory && file.firstCluster() == 0:
				fsys.initSubdirectoryQueue(file, callback)
			case file.mode&fileModeWrite != 0 && file.mode&fileModeAppend == 0 && file.logicalSize > 0:
				fsys.fileTruncateQueue(file, false, callback)
			case file.mode&fileModeAppend != 0 && file.logicalSize > 0:
				file.operation.kind = fileOpNone
				fsys.queueSeek(file, file.logicalSize, callback)
			default:
				file.operation.kind = fileOpNone
				if callback != nil {
					callback(file)
				}
			}
			return

		case createFilePhaseFailure:
			callback := st.callback
			file.operation.kind = fileOpNone
			// The retain is only taken in the success phase; keep the
			// discard from releasing one that was never applied.
			file.mode &^= fileModeRetainDirectory
			fsys.fileDiscardHandle(file)
			if callback != nil {
				callback(nil)
			}
			return
		}
	}
}
