package afatfs

import (
	"errors"
	"testing"
)

// simCard is an in-memory SD card with the asynchronous single-operation
// semantics of a real SPI card: one request in flight, completions fire a
// configurable number of poll ticks after acceptance.
type simCard struct {
	data       []byte
	readDelay  int
	writeDelay int

	busy      bool
	op        BlockDeviceOp
	sector    uint32
	buffer    []byte
	done      BlockCompletion
	countdown int

	reads, writes int
}

func newSimCard(sizeBytes int) *simCard {
	return &simCard{
		data:       make([]byte, sizeBytes),
		readDelay:  1,
		writeDelay: 2,
	}
}

func (s *simCard) accept(op BlockDeviceOp, sector uint32, buffer []byte, done BlockCompletion, delay int) bool {
	if s.busy {
		return false
	}
	s.busy = true
	s.op = op
	s.sector = sector
	s.buffer = buffer
	s.done = done
	s.countdown = delay
	if delay <= 0 {
		s.Poll()
	}
	return true
}

func (s *simCard) ReadBlock(sector uint32, buffer []byte, done BlockCompletion) bool {
	return s.accept(BlockDeviceOpRead, sector, buffer, done, s.readDelay)
}

func (s *simCard) WriteBlock(sector uint32, buffer []byte, done BlockCompletion) bool {
	return s.accept(BlockDeviceOpWrite, sector, buffer, done, s.writeDelay)
}

func (s *simCard) Poll() {
	if !s.busy {
		return
	}
	s.countdown--
	if s.countdown > 0 {
		return
	}
	op, sector, buffer, done := s.op, s.sector, s.buffer, s.done
	s.busy = false
	var err error
	offset := int64(sector) * sectorSize
	if offset+sectorSize > int64(len(s.data)) {
		err = errors.New("sector beyond medium")
	} else if op == BlockDeviceOpRead {
		copy(buffer, s.data[offset:offset+sectorSize])
		s.reads++
	} else {
		copy(s.data[offset:offset+sectorSize], buffer)
		s.writes++
	}
	done(op, sector, buffer, err)
}

const (
	testVolumeFAT16Bytes = 16 << 20 // 512-byte clusters
	testVolumeFAT32Bytes = 64 << 20 // 512-byte clusters
)

func makeTestVolume(t *testing.T, ftype Format) *simCard {
	t.Helper()
	size := testVolumeFAT16Bytes
	if ftype == FormatFAT32 {
		size = testVolumeFAT32Bytes
	}
	sim := newSimCard(size)
	var formatter Formatter
	if err := formatter.Format(sim, uint32(size/sectorSize), FormatConfig{Type: ftype}); err != nil {
		t.Fatalf("format: %v", err)
	}
	return sim
}

func mountTestFS(t *testing.T, sim *simCard) *FS {
	t.Helper()
	fsys := &FS{}
	fsys.Init(sim)
	pollUntil(t, fsys, func() bool { return fsys.state == FilesystemStateReady }, "mount")
	return fsys
}

func makeTestFS(t *testing.T, ftype Format) (*FS, *simCard) {
	t.Helper()
	sim := makeTestVolume(t, ftype)
	return mountTestFS(t, sim), sim
}

// pollUntil pumps the filesystem until the condition holds, failing the
// test if it stops making progress or goes fatal.
func pollUntil(t *testing.T, fsys *FS, cond func() bool, what string) {
	t.Helper()
	for spin := 0; !cond(); spin++ {
		fsys.Poll()
		if fsys.state == FilesystemStateFatal {
			t.Fatalf("%s: filesystem went fatal", what)
		}
		if spin > 50_000_000 {
			t.Fatalf("%s: no progress after %d polls", what, spin)
		}
	}
}

func openSync(t *testing.T, fsys *FS, name, mode string) *File {
	t.Helper()
	var result *File
	fired := false
	err := fsys.Open(name, mode, func(file *File) {
		result = file
		fired = true
	})
	if err != nil {
		t.Fatalf("open %q %q: %v", name, mode, err)
	}
	pollUntil(t, fsys, func() bool { return fired }, "open "+name)
	return result
}

func closeSync(t *testing.T, fsys *FS, file *File) {
	t.Helper()
	done := false
	for !file.Close(func(*File) { done = true }) {
		fsys.Poll()
	}
	pollUntil(t, fsys, func() bool { return done }, "close")
}

func unlinkSync(t *testing.T, fsys *FS, file *File) {
	t.Helper()
	done := false
	for !file.Unlink(func(*File) { done = true }) {
		fsys.Poll()
	}
	pollUntil(t, fsys, func() bool { return done }, "unlink")
}

func mkdirSync(t *testing.T, fsys *FS, name string) *File {
	t.Helper()
	var result *File
	fired := false
	if err := fsys.Mkdir(name, func(file *File) {
		result = file
		fired = true
	}); err != nil {
		t.Fatalf("mkdir %q: %v", name, err)
	}
	pollUntil(t, fsys, func() bool { return fired }, "mkdir "+name)
	return result
}

// writeSync pushes the whole buffer, polling between partial writes. Fails
// the test if the volume fills.
func writeSync(t *testing.T, fsys *FS, file *File, data []byte) {
	t.Helper()
	for len(data) > 0 {
		n := file.Write(data)
		if n == 0 {
			if fsys.Full() {
				t.Fatal("volume filled unexpectedly")
			}
			fsys.Poll()
			continue
		}
		data = data[n:]
	}
}

// readSync fills the buffer from the file, returning early only at EOF.
func readSync(t *testing.T, fsys *FS, file *File, buf []byte) int {
	t.Helper()
	total := 0
	for total < len(buf) && !file.EOF() {
		n := file.Read(buf[total:])
		if n == 0 {
			fsys.Poll()
			continue
		}
		total += n
	}
	return total
}

func flushSync(t *testing.T, fsys *FS, sim *simCard) {
	t.Helper()
	pollUntil(t, fsys, fsys.Flush, "flush")
	// Drain the last in-flight device write.
	for i := 0; i < 16; i++ {
		fsys.Poll()
	}
	if sim != nil && sim.busy {
		t.Fatal("device still busy after flush drain")
	}
}

func testPattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)*31 + seed
	}
	return data
}
