package afatfs

import (
	"testing"
)

func TestMountGeometry(t *testing.T) {
	for _, tc := range []struct {
		name  string
		ftype Format
	}{
		{"FAT16", FormatFAT16},
		{"FAT32", FormatFAT32},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fsys, _ := makeTestFS(t, tc.ftype)
			if fsys.State() != FilesystemStateReady {
				t.Fatalf("state = %v", fsys.State())
			}
			wantFatType := fatTypeFAT16
			if tc.ftype == FormatFAT32 {
				wantFatType = fatTypeFAT32
			}
			if fsys.fatType != wantFatType {
				t.Fatalf("classified as %d", fsys.fatType)
			}
			if fsys.ClusterSize() != fsys.sectorsPerCluster*sectorSize {
				t.Fatal("cluster size inconsistent")
			}
			wantSuper := fsys.fatEntriesPerSector * fsys.ClusterSize()
			if fsys.SuperClusterSize() != wantSuper {
				t.Fatalf("supercluster size = %d, want %d", fsys.SuperClusterSize(), wantSuper)
			}
			free := fsys.ContiguousFreeSpace()
			if free == 0 {
				t.Fatal("no freefile region reserved")
			}
			if free%fsys.SuperClusterSize() != 0 {
				t.Fatalf("freefile size %d is not a whole number of superclusters", free)
			}
			if fsys.Full() {
				t.Fatal("fresh volume reports full")
			}
		})
	}
}

func TestMountCreatesFreefileEntry(t *testing.T) {
	fsys, _ := makeTestFS(t, FormatFAT16)

	root := openSync(t, fsys, ".", "r")
	if root == nil {
		t.Fatal("opening root failed")
	}
	defer closeSync(t, fsys, root)

	var finder Finder
	var entry DirEntry
	fsys.FindFirst(root, &finder)
	for {
		status := fsys.FindNext(root, &finder, &entry)
		if status == OpInProgress {
			fsys.Poll()
			continue
		}
		if status != OpSuccess {
			t.Fatalf("findNext: %v", status)
		}
		if entry.IsTerminator() {
			t.Fatal("freefile entry not found in root directory")
		}
		if entry.Name() == freeFileName {
			if !entry.Attributes().IsSystem() {
				t.Error("freefile lacks the system attribute")
			}
			if entry.Size() != fsys.ContiguousFreeSpace() {
				t.Errorf("freefile entry size %d != contiguous free %d",
					entry.Size(), fsys.ContiguousFreeSpace())
			}
			// The freefile must start on a FAT sector boundary so whole
			// superclusters can be chained blind.
			if entry.FirstCluster()%fsys.fatEntriesPerSector != 0 {
				t.Errorf("freefile first cluster %d not FAT-sector aligned", entry.FirstCluster())
			}
			return
		}
	}
}

func TestRemountTrustsExistingFreefile(t *testing.T) {
	fsys, sim := makeTestFS(t, FormatFAT16)
	free := fsys.ContiguousFreeSpace()
	firstCluster := fsys.freeFile.firstCluster()

	flushSync(t, fsys, sim)
	pollUntil(t, fsys, func() bool { return fsys.Destroy(false) }, "destroy")

	fsys2 := mountTestFS(t, sim)
	if fsys2.ContiguousFreeSpace() != free {
		t.Fatalf("remount freefile size %d, want %d", fsys2.ContiguousFreeSpace(), free)
	}
	if fsys2.freeFile.firstCluster() != firstCluster {
		t.Fatal("remount moved the freefile")
	}
}

func TestMountRejectsBlankMedium(t *testing.T) {
	sim := newSimCard(1 << 20)
	fsys := &FS{}
	fsys.Init(sim)
	for spin := 0; fsys.State() != FilesystemStateFatal; spin++ {
		fsys.Poll()
		if spin > 100_000 {
			t.Fatal("blank medium did not fail the mount")
		}
	}
}

func TestDestroyGraceful(t *testing.T) {
	fsys, sim := makeTestFS(t, FormatFAT16)
	file := openSync(t, fsys, "some.txt", "w")
	if file == nil {
		t.Fatal("create failed")
	}
	writeSync(t, fsys, file, testPattern(3*sectorSize, 7))
	// Destroy without closing: the teardown must close the file and drain
	// the cache itself.
	pollUntil(t, fsys, func() bool { return fsys.Destroy(false) }, "destroy")
	if fsys.State() != FilesystemStateUnknown {
		t.Fatalf("state after destroy = %v", fsys.State())
	}

	fsys2 := mountTestFS(t, sim)
	reopened := openSync(t, fsys2, "some.txt", "r")
	if reopened == nil {
		t.Fatal("file lost by destroy")
	}
	if reopened.Size() != 3*sectorSize {
		t.Fatalf("size after destroy/remount = %d", reopened.Size())
	}
}
