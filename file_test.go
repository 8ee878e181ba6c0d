package afatfs

import (
	"bytes"
	"fmt"
	"io"
	"testing"
)

func TestWriteReadRoundtrip(t *testing.T) {
	for _, tc := range []struct {
		name      string
		ftype     Format
		openMode  string
		dataBytes int
	}{
		{"FAT16-regular", FormatFAT16, "w", 3*sectorSize + 100},
		{"FAT16-contiguous", FormatFAT16, "as", 3*sectorSize + 100},
		{"FAT32-regular", FormatFAT32, "w", 5 * sectorSize},
		{"FAT32-contiguous", FormatFAT32, "as", 5 * sectorSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fsys, _ := makeTestFS(t, tc.ftype)
			data := testPattern(tc.dataBytes, 3)

			file := openSync(t, fsys, "round.trp", tc.openMode)
			if file == nil {
				t.Fatal("create failed")
			}
			if pos, ok := file.Tell(); !ok || pos != 0 {
				t.Fatalf("fresh file cursor = %d ok=%v", pos, ok)
			}
			writeSync(t, fsys, file, data)
			if pos, ok := file.Tell(); !ok || pos != uint32(len(data)) {
				t.Fatalf("cursor after write = %d ok=%v, want %d", pos, ok, len(data))
			}
			if file.Size() != uint32(len(data)) {
				t.Fatalf("logical size = %d", file.Size())
			}
			closeSync(t, fsys, file)

			reopened := openSync(t, fsys, "round.trp", "r")
			if reopened == nil {
				t.Fatal("reopen failed")
			}
			if reopened.Size() != uint32(len(data)) {
				t.Fatalf("size after close/reopen = %d, want %d", reopened.Size(), len(data))
			}
			got := make([]byte, len(data)+64)
			n := readSync(t, fsys, reopened, got)
			if n != len(data) {
				t.Fatalf("read %d bytes, want %d", n, len(data))
			}
			if !bytes.Equal(got[:n], data) {
				t.Fatal("data mismatch after roundtrip")
			}
			if !reopened.EOF() {
				t.Fatal("EOF not reported at end")
			}
			closeSync(t, fsys, reopened)
		})
	}
}

func TestContiguousFileOccupiesAdjacentClusters(t *testing.T) {
	fsys, _ := makeTestFS(t, FormatFAT16)

	file := openSync(t, fsys, "solid.bin", "as")
	if file == nil {
		t.Fatal("create failed")
	}
	data := testPattern(int(fsys.ClusterSize())*3+17, 9)
	writeSync(t, fsys, file, data)
	// Let the trailing FAT and directory updates of the supercluster
	// donation land before inspecting the chain.
	pollUntil(t, fsys, func() bool { return !file.operationBusy() }, "append drain")

	first := file.firstCluster()
	clusters := file.physicalSize / fsys.ClusterSize()
	if first%fsys.fatEntriesPerSector != 0 {
		t.Errorf("contiguous file starts at %d, not FAT-sector aligned", first)
	}
	freeStart, freeEnd := fsys.freeFileClusterRange()
	for i := uint32(0); i < clusters; i++ {
		c := first + i
		if c >= freeStart && c < freeEnd {
			t.Fatalf("cluster %d of the file still belongs to the freefile", c)
		}
		var next uint32
		pollUntil(t, fsys, func() bool {
			n, status := fsys.fatGetNextCluster(c)
			next = n
			return status == OpSuccess
		}, "fat read")
		if i < clusters-1 {
			if next != c+1 {
				t.Fatalf("FAT[%d] = %d, want %d", c, next, c+1)
			}
		} else if !fsys.fatIsEndOfChainMarker(next) {
			t.Fatalf("FAT[%d] = %#x, want end-of-chain", c, next)
		}
	}
	closeSync(t, fsys, file)
}

func TestAppendModeSeeksToEnd(t *testing.T) {
	fsys, _ := makeTestFS(t, FormatFAT16)

	file := openSync(t, fsys, "append.log", "w")
	head := []byte("first segment\n")
	writeSync(t, fsys, file, head)
	closeSync(t, fsys, file)

	file = openSync(t, fsys, "append.log", "a")
	if file == nil {
		t.Fatal("append open failed")
	}
	if pos, ok := file.Tell(); !ok || pos != uint32(len(head)) {
		t.Fatalf("append cursor = %d ok=%v, want %d", pos, ok, len(head))
	}
	tail := []byte("second segment\n")
	writeSync(t, fsys, file, tail)
	closeSync(t, fsys, file)

	file = openSync(t, fsys, "append.log", "r")
	got := make([]byte, len(head)+len(tail))
	readSync(t, fsys, file, got)
	if !bytes.Equal(got, append(append([]byte{}, head...), tail...)) {
		t.Fatalf("appended content mismatch: %q", got)
	}
	closeSync(t, fsys, file)
}

func TestWriteModeTruncates(t *testing.T) {
	fsys, _ := makeTestFS(t, FormatFAT16)

	file := openSync(t, fsys, "trunc.dat", "w")
	writeSync(t, fsys, file, testPattern(4*sectorSize, 1))
	closeSync(t, fsys, file)

	file = openSync(t, fsys, "trunc.dat", "w")
	if file == nil {
		t.Fatal("reopen for write failed")
	}
	if file.Size() != 0 {
		t.Fatalf("size after truncating open = %d", file.Size())
	}
	short := []byte("short")
	writeSync(t, fsys, file, short)
	closeSync(t, fsys, file)

	file = openSync(t, fsys, "trunc.dat", "r")
	if file.Size() != uint32(len(short)) {
		t.Fatalf("size = %d, want %d", file.Size(), len(short))
	}
	closeSync(t, fsys, file)
}

func TestSeek(t *testing.T) {
	fsys, _ := makeTestFS(t, FormatFAT16)
	data := testPattern(int(fsys.ClusterSize())*2 + 333, 5)

	file := openSync(t, fsys, "seek.dat", "w+")
	writeSync(t, fsys, file, data)

	seekSync := func(offset int64, whence int) {
		t.Helper()
		status := file.Seek(offset, whence)
		if status == OpFailure {
			t.Fatalf("seek(%d,%d) refused", offset, whence)
		}
		pollUntil(t, fsys, func() bool { return !file.operationBusy() }, "seek")
	}

	checkByte := func(wantIndex int) {
		t.Helper()
		var b [1]byte
		if n := readSync(t, fsys, file, b[:]); n != 1 {
			t.Fatalf("read at %d failed", wantIndex)
		}
		if b[0] != data[wantIndex] {
			t.Fatalf("byte at %d = %d, want %d", wantIndex, b[0], data[wantIndex])
		}
	}

	seekSync(100, io.SeekStart)
	checkByte(100)
	// A backwards seek reduces to a rewalk from the head.
	seekSync(10, io.SeekStart)
	checkByte(10)
	seekSync(int64(fsys.ClusterSize())+7, io.SeekStart)
	checkByte(int(fsys.ClusterSize()) + 7)
	seekSync(-1, io.SeekCurrent)
	checkByte(int(fsys.ClusterSize()) + 7)
	seekSync(-10, io.SeekEnd)
	checkByte(len(data) - 10)
	// Past EOF clamps to the end without allocating.
	seekSync(int64(len(data))+5000, io.SeekStart)
	if pos, ok := file.Tell(); !ok || pos != uint32(len(data)) {
		t.Fatalf("seek past EOF left cursor at %d", pos)
	}
	if !file.EOF() {
		t.Fatal("EOF not reported after seek to end")
	}
	closeSync(t, fsys, file)
}

// TestDeleteReclaimsSpace creates and deletes many more bytes than the
// volume holds, in contiguous and regular modes. If unlink leaked clusters
// the volume would fill.
func TestDeleteReclaimsSpace(t *testing.T) {
	fsys, _ := makeTestFS(t, FormatFAT16)
	const fileBytes = 100 * 1024
	const iterations = 200 // 200 x 100kB is more than the 16MB volume holds.

	for _, mode := range []string{"w+", "as", "a"} {
		data := testPattern(fileBytes, 21)
		for i := 0; i < iterations; i++ {
			file := openSync(t, fsys, "test.txt", mode)
			if file == nil {
				t.Fatalf("create %d (mode %q) failed", i, mode)
			}
			if mode != "w+" {
				writeSync(t, fsys, file, data)
			}
			unlinkSync(t, fsys, file)
			if fsys.Full() {
				t.Fatalf("volume reported full at iteration %d (mode %q)", i, mode)
			}
		}
	}
}

// TestDeleteRetainsOtherFiles deletes the middle one of three files and
// verifies its neighbours survive byte for byte.
func TestDeleteRetainsOtherFiles(t *testing.T) {
	for _, mode := range []string{"a", "as"} {
		t.Run(mode, func(t *testing.T) {
			fsys, _ := makeTestFS(t, FormatFAT16)
			size := int(fsys.ClusterSize())*2 + 128

			content := map[string][]byte{}
			for i, name := range []string{"test-a.txt", "test-b.txt", "test-c.txt"} {
				data := testPattern(size, byte(100+i))
				file := openSync(t, fsys, name, mode)
				if file == nil {
					t.Fatalf("create %s failed", name)
				}
				writeSync(t, fsys, file, data)
				closeSync(t, fsys, file)
				content[name] = data
			}

			victim := openSync(t, fsys, "test-b.txt", "r")
			if victim == nil {
				t.Fatal("open for unlink failed")
			}
			unlinkSync(t, fsys, victim)

			for _, name := range []string{"test-a.txt", "test-c.txt"} {
				file := openSync(t, fsys, name, "r")
				if file == nil {
					t.Fatalf("%s lost after deleting sibling", name)
				}
				got := make([]byte, size)
				if n := readSync(t, fsys, file, got); n != size {
					t.Fatalf("%s: read %d bytes, want %d", name, n, size)
				}
				if !bytes.Equal(got, content[name]) {
					t.Fatalf("%s: content changed after deleting sibling", name)
				}
				closeSync(t, fsys, file)
			}

			if gone := openSync(t, fsys, "test-b.txt", "r"); gone != nil {
				t.Fatal("deleted file still openable")
			}
		})
	}
}

// TestPowerLossRecovery checks the optimistic directory-entry policy: after
// a flush, completed sectors of a file that was never closed survive a
// remount.
func TestPowerLossRecovery(t *testing.T) {
	fsys, sim := makeTestFS(t, FormatFAT16)

	written := testPattern(sectorSize+64, 77)
	file := openSync(t, fsys, "test.txt", "as")
	if file == nil {
		t.Fatal("create failed")
	}
	writeSync(t, fsys, file, written)
	flushSync(t, fsys, sim)

	// Power loss: no close, no graceful destroy.
	if !fsys.Destroy(true) {
		t.Fatal("dirty destroy refused")
	}

	fsys2 := mountTestFS(t, sim)
	reopened := openSync(t, fsys2, "test.txt", "r")
	if reopened == nil {
		t.Fatal("file not found after remount")
	}
	if status := reopened.Seek(0, io.SeekEnd); status == OpFailure {
		t.Fatal("seek to end refused")
	}
	pollUntil(t, fsys2, func() bool { return !reopened.operationBusy() }, "seek")
	pos, ok := reopened.Tell()
	completed := uint32(len(written)) / sectorSize * sectorSize
	if !ok || pos < completed {
		t.Fatalf("recovered size %d < completed bytes %d", pos, completed)
	}

	reopened.Seek(0, io.SeekStart)
	pollUntil(t, fsys2, func() bool { return !reopened.operationBusy() }, "rewind")
	got := make([]byte, completed)
	if n := readSync(t, fsys2, reopened, got); uint32(n) != completed {
		t.Fatalf("read back %d bytes, want %d", n, completed)
	}
	if !bytes.Equal(got, written[:completed]) {
		t.Fatal("completed sectors corrupted by power loss")
	}
}

// TestVolumeFillAndReadback writes log files in contiguous mode until the
// volume reports full, then reads every file back and counts lines.
func TestVolumeFillAndReadback(t *testing.T) {
	if testing.Short() {
		t.Skip("fills a whole volume")
	}
	fsys, _ := makeTestFS(t, FormatFAT16)

	const maxFiles = 200
	const linesPerFile = 256
	linesWritten := make([]int, 0, maxFiles)

fill:
	for fileIdx := 0; fileIdx < maxFiles; fileIdx++ {
		name := fmt.Sprintf("LOG%05d.TXT", fileIdx)
		file := openSync(t, fsys, name, "as")
		if file == nil {
			if fsys.Full() {
				break fill
			}
			t.Fatalf("create %s failed with space remaining", name)
		}
		lines := 0
		for line := 0; line < linesPerFile; line++ {
			entry := []byte(fmt.Sprintf("Log %05d entry %6d/%6d\n", fileIdx, line, linesPerFile))
			wrote := 0
			for wrote < len(entry) {
				n := file.Write(entry[wrote:])
				if n == 0 {
					if fsys.Full() {
						break
					}
					fsys.Poll()
					continue
				}
				wrote += n
			}
			if wrote < len(entry) {
				// Out of space mid-line; the completed lines still count.
				closeSync(t, fsys, file)
				linesWritten = append(linesWritten, lines)
				break fill
			}
			lines++
		}
		closeSync(t, fsys, file)
		linesWritten = append(linesWritten, lines)
	}
	if !fsys.Full() {
		t.Fatal("volume never filled")
	}

	buf := make([]byte, 4096)
	for fileIdx, want := range linesWritten {
		name := fmt.Sprintf("LOG%05d.TXT", fileIdx)
		file := openSync(t, fsys, name, "r")
		if file == nil {
			t.Fatalf("%s unreadable after fill", name)
		}
		gotLines := 0
		for !file.EOF() {
			n := file.Read(buf)
			if n == 0 {
				fsys.Poll()
				continue
			}
			gotLines += bytes.Count(buf[:n], []byte("\n"))
		}
		if gotLines < want {
			t.Fatalf("%s: read %d lines, wrote %d", name, gotLines, want)
		}
		closeSync(t, fsys, file)
	}
}

func TestBusyFileRejectsSecondOperation(t *testing.T) {
	fsys, _ := makeTestFS(t, FormatFAT16)
	file := openSync(t, fsys, "busy.txt", "w")
	writeSync(t, fsys, file, testPattern(sectorSize, 1))

	// Queue a close but do not let it finish; further requests must be
	// refused with a retry-later result.
	if !file.Close(nil) {
		t.Fatal("close refused on idle file")
	}
	if file.operationBusy() {
		if file.Close(nil) {
			t.Fatal("second close accepted on busy file")
		}
		if file.Unlink(nil) {
			t.Fatal("unlink accepted on busy file")
		}
		if status := file.Seek(0, io.SeekStart); status != OpFailure {
			t.Fatal("seek accepted on busy file")
		}
	}
	pollUntil(t, fsys, func() bool { return !file.operationBusy() }, "close drain")
}
