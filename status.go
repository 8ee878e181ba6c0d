package afatfs

import "strconv"

// OpStatus is the result of polling an asynchronous filesystem operation.
type OpStatus uint8

const (
	// OpInProgress means the operation could not be completed yet: the cache
	// missed, the device was busy, or a state machine is mid-flight. Retry
	// after calling [FS.Poll].
	OpInProgress OpStatus = iota
	// OpSuccess means the requested invariant now holds.
	OpSuccess
	// OpFailure is a non-fatal error: file busy, name not found, directory
	// or volume full.
	OpFailure
	// OpFatal means the filesystem is no longer usable and every further
	// call will fail fast.
	OpFatal
)

func (s OpStatus) String() string {
	switch s {
	case OpInProgress:
		return "in progress"
	case OpSuccess:
		return "success"
	case OpFailure:
		return "failure"
	case OpFatal:
		return "fatal"
	}
	return "opstatus(" + strconv.Itoa(int(s)) + ")"
}

// FilesystemState is the lifecycle state of the volume.
type FilesystemState uint8

const (
	FilesystemStateUnknown FilesystemState = iota
	FilesystemStateFatal
	FilesystemStateInitialization
	FilesystemStateReady
)

func (s FilesystemState) String() string {
	switch s {
	case FilesystemStateUnknown:
		return "unknown"
	case FilesystemStateFatal:
		return "fatal"
	case FilesystemStateInitialization:
		return "initialization"
	case FilesystemStateReady:
		return "ready"
	}
	return "fsstate(" + strconv.Itoa(int(s)) + ")"
}

// fsError is an integer error code in the manner of C stdio-style drivers.
type fsError int

const (
	errNone fsError = iota
	errNotReady
	errInvalidMode
	errTooManyOpenFiles
	errFileBusy
	errNotFound
	errUnsupported
)

func (e fsError) Error() string {
	switch e {
	case errNotReady:
		return "afatfs: filesystem not ready"
	case errInvalidMode:
		return "afatfs: invalid file mode string"
	case errTooManyOpenFiles:
		return "afatfs: all file handles in use"
	case errFileBusy:
		return "afatfs: file has an operation queued"
	case errNotFound:
		return "afatfs: no such file"
	case errUnsupported:
		return "afatfs: unsupported operation"
	}
	return "afatfs: error " + strconv.Itoa(int(e))
}
