package afatfs

import (
	"bytes"
	"testing"
)

// FuzzFileOps drives the filesystem like a little virtual machine. Each
// 64-bit word is one operation, least significant bits first:
//
//   - OP:       first 4 bits select the operation.
//   - WHO:      next 4 bits select the target file.
//   - DATASIZE: top 16 bits size reads/writes.
//
// A shadow map of written bytes checks every read.
func FuzzFileOps(f *testing.F) {
	const (
		opCreateFile uint64 = iota
		opOpenRead
		opWriteFile
		opReadFile
		opSeekStart
		opCloseFile
		opUnlinkFile

		whoOff      = 4
		datasizeOff = 48
	)
	f.Add(opCreateFile, opWriteFile|(1000<<datasizeOff), opCloseFile,
		opOpenRead, opReadFile|(1000<<datasizeOff), opCloseFile)
	f.Add(opCreateFile, opWriteFile|(600<<datasizeOff), opSeekStart,
		opReadFile|(600<<datasizeOff), opUnlinkFile, opCreateFile)

	writeData := testPattern(1<<16, 1)
	readData := make([]byte, 1<<16)

	f.Fuzz(func(t *testing.T, fsop0, fsop1, fsop2, fsop3, fsop4, fsop5 uint64) {
		sim := newSimCard(4 << 20)
		var formatter Formatter
		if err := formatter.Format(sim, uint32(len(sim.data)/sectorSize), FormatConfig{Type: FormatFAT16}); err != nil {
			t.Skip("volume too small for this configuration")
		}
		fsys := mountTestFS(t, sim)

		type shadow struct {
			open    *File
			written []byte
			ptr     int
		}
		files := map[byte]*shadow{}
		totalWritten := 0

		for _, fsop := range [...]uint64{fsop0, fsop1, fsop2, fsop3, fsop4, fsop5} {
			op := fsop & 0xF
			who := byte(fsop>>whoOff) & 0xF
			datasize := int(uint16(fsop >> datasizeOff))
			name := string([]byte{'a' + who%8}) + ".bin"
			sh := files[who%8]

			switch op {
			case opCreateFile:
				if sh != nil && sh.open != nil {
					break
				}
				file := openSync(t, fsys, name, "w+")
				if file == nil {
					break
				}
				files[who%8] = &shadow{open: file}

			case opOpenRead:
				if sh == nil || sh.open != nil {
					break
				}
				sh.open = openSync(t, fsys, name, "r")
				sh.ptr = 0

			case opWriteFile:
				if sh == nil || sh.open == nil || sh.open.mode&(fileModeWrite|fileModeAppend) == 0 {
					break
				}
				// Regular files draw from the slim non-freefile pool; stay
				// comfortably clear of filling it.
				datasize %= 4096
				if totalWritten+datasize > 64<<10 {
					break
				}
				chunk := writeData[:datasize]
				writeSync(t, fsys, sh.open, chunk)
				// The VM only writes at the end of the file.
				sh.written = append(sh.written, chunk...)
				sh.ptr = len(sh.written)
				totalWritten += datasize

			case opReadFile:
				if sh == nil || sh.open == nil || sh.open.mode&fileModeRead == 0 {
					break
				}
				n := readSync(t, fsys, sh.open, readData[:datasize])
				want := len(sh.written) - sh.ptr
				if want > datasize {
					want = datasize
				}
				if want < 0 {
					want = 0
				}
				if n != want {
					t.Fatalf("read %d bytes at %d, want %d", n, sh.ptr, want)
				}
				if !bytes.Equal(readData[:n], sh.written[sh.ptr:sh.ptr+n]) {
					t.Fatal("read data does not match shadow")
				}
				sh.ptr += n

			case opSeekStart:
				if sh == nil || sh.open == nil {
					break
				}
				if sh.open.Seek(0, 0) == OpFailure {
					break
				}
				pollUntil(t, fsys, func() bool { return !sh.open.operationBusy() }, "fuzz seek")
				sh.ptr = 0

			case opCloseFile:
				if sh == nil || sh.open == nil {
					break
				}
				closeSync(t, fsys, sh.open)
				sh.open = nil

			case opUnlinkFile:
				if sh == nil || sh.open == nil {
					break
				}
				unlinkSync(t, fsys, sh.open)
				sh.open = nil
				sh.written = nil
				delete(files, who%8)
			}
		}
		pollUntil(t, fsys, fsys.Flush, "final flush")
	})
}
