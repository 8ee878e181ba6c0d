package afatfs

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/afatfs/internal/mbr"
)

// Format selects the FAT flavour produced by the Formatter.
type Format uint8

const (
	_FormatUnknown Format = iota
	FormatFAT16
	FormatFAT32
)

// FormatConfig controls volume creation.
type FormatConfig struct {
	Label string
	// SectorsPerCluster forces the cluster size in sectors (power of two,
	// 1..128). Zero selects the smallest size valid for the volume.
	SectorsPerCluster uint32
	// Type selects FAT16 or FAT32. Zero value defaults to FAT32.
	Type Format
}

// Formatter images a fresh MBR-partitioned FAT16 or FAT32 volume onto a
// block device. Unlike the driver proper it blocks, driving the device's
// poll loop internally; it exists for provisioning and tests, not for use
// from flight-loop style callers.
type Formatter struct {
	window [sectorSize]byte
	dev    BlockDevice
	// done/err capture the synchronous completion of the last request.
	done bool
	err  error
}

const formatPartitionStart = 63

// Format writes an empty filesystem covering totalSectors sectors of the
// device, including the MBR partition table.
func (f *Formatter) Format(dev BlockDevice, totalSectors uint32, cfg FormatConfig) error {
	if cfg.Type == 0 {
		cfg.Type = FormatFAT32
	}
	if dev == nil || totalSectors < 1024 {
		return errors.New("invalid Format argument")
	}
	if cfg.Label == "" {
		cfg.Label = "AFATFS"
	}
	f.dev = dev

	partSectors := totalSectors - formatPartitionStart
	spc := cfg.SectorsPerCluster
	if spc == 0 {
		spc = chooseSectorsPerCluster(cfg.Type, partSectors)
		if spc == 0 {
			return errors.New("volume unsizeable for requested FAT type")
		}
	}
	if !isPowerOfTwo(spc) || spc > 128 {
		return errors.New("invalid sectors per cluster")
	}

	var reserved, rootEntries uint32
	var fatEntrySize uint32
	if cfg.Type == FormatFAT16 {
		reserved, rootEntries, fatEntrySize = 1, 512, 2
	} else {
		reserved, rootEntries, fatEntrySize = 32, 0, 4
	}
	rootSectors := rootEntries * dirEntrySize / sectorSize

	// The FAT size depends on the cluster count which depends on the FAT
	// size; a few fixpoint rounds settle it.
	var fatSz uint32 = 1
	var clusters uint32
	for i := 0; i < 8; i++ {
		dataSectors := partSectors - reserved - 2*fatSz - rootSectors
		clusters = dataSectors / spc
		newFatSz := (clusters + 2) * fatEntrySize
		newFatSz = (newFatSz + sectorSize - 1) / sectorSize
		if newFatSz == fatSz {
			break
		}
		fatSz = newFatSz
	}
	if cfg.Type == FormatFAT16 && (clusters < 4085 || clusters > 65524) {
		return errors.New("cluster count out of FAT16 range")
	}
	if cfg.Type == FormatFAT32 && clusters < 65525 {
		return errors.New("cluster count below FAT32 minimum")
	}

	// Master boot record.
	clear(f.window[:])
	bs, _ := mbr.ToBootSector(f.window[:])
	partType := mbr.PartitionTypeFAT32LBA
	if cfg.Type == FormatFAT16 {
		// Our mount accepts 0x0B/0x0C only, matching the cards this driver
		// targets, so FAT16 images carry the CHS-style FAT32 type too.
		partType = mbr.PartitionTypeFAT32CHS
	}
	bs.SetPartitionTable(0, mbr.MakePTE(0, partType, formatPartitionStart, partSectors))
	bs.SetBootSignature()
	if err := f.writeSector(0); err != nil {
		return err
	}

	// Volume ID / BPB.
	clear(f.window[:])
	f.window[0], f.window[1], f.window[2] = 0xEB, 0x3C, 0x90
	copy(f.window[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(f.window[bpbBytsPerSec:], sectorSize)
	f.window[bpbSecPerClus] = byte(spc)
	binary.LittleEndian.PutUint16(f.window[bpbRsvdSecCnt:], uint16(reserved))
	f.window[bpbNumFATs] = 2
	binary.LittleEndian.PutUint16(f.window[bpbRootEntCnt:], uint16(rootEntries))
	f.window[bpbMedia] = 0xF8
	binary.LittleEndian.PutUint32(f.window[bpbHiddSec:], formatPartitionStart)
	binary.LittleEndian.PutUint32(f.window[bpbTotSec32:], partSectors)
	if cfg.Type == FormatFAT16 {
		binary.LittleEndian.PutUint16(f.window[bpbFATSz16:], uint16(fatSz))
		f.window[38] = 0x29 // extended boot signature validates the label
		setLabel(f.window[43:54], cfg.Label)
		copy(f.window[54:62], "FAT16   ")
	} else {
		binary.LittleEndian.PutUint32(f.window[bpbFATSz32:], fatSz)
		binary.LittleEndian.PutUint32(f.window[bpbRootClus32:], 2)
		binary.LittleEndian.PutUint16(f.window[bpbFSInfo32:], 1)
		binary.LittleEndian.PutUint16(f.window[bpbFSVer32:], 0) // filesystem version 0.0
		setLabel(f.window[bsVolLab32:bsVolLab32+11], cfg.Label)
		copy(f.window[bsFilSysType32:bsFilSysType32+8], "FAT32   ")
	}
	f.window[bsSignatureOff] = bootSignature1
	f.window[bsSignatureOff+1] = bootSignature2
	if err := f.writeSector(formatPartitionStart); err != nil {
		return err
	}
	if cfg.Type == FormatFAT32 {
		// FSInfo sector with unset free-count hints.
		clear(f.window[:])
		binary.LittleEndian.PutUint32(f.window[0:], 0x41615252)
		binary.LittleEndian.PutUint32(f.window[0x1E4:], 0x61417272)
		binary.LittleEndian.PutUint32(f.window[0x1E8:], 0xFFFFFFFF)
		binary.LittleEndian.PutUint32(f.window[0x1EC:], 0xFFFFFFFF)
		binary.LittleEndian.PutUint32(f.window[0x1FC:], 0xAA550000)
		if err := f.writeSector(formatPartitionStart + 1); err != nil {
			return err
		}
	}

	// Both FATs: reserved head entries, zero elsewhere.
	fatStart := formatPartitionStart + reserved
	clear(f.window[:])
	if cfg.Type == FormatFAT16 {
		binary.LittleEndian.PutUint16(f.window[0:], 0xFFF8)
		binary.LittleEndian.PutUint16(f.window[2:], 0xFFFF)
	} else {
		binary.LittleEndian.PutUint32(f.window[0:], 0x0FFFFFF8)
		binary.LittleEndian.PutUint32(f.window[4:], 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(f.window[8:], fat32EOCMark) // root directory chain
	}
	for fat := uint32(0); fat < 2; fat++ {
		if err := f.writeSector(fatStart + fat*fatSz); err != nil {
			return err
		}
	}
	clear(f.window[:])
	for fat := uint32(0); fat < 2; fat++ {
		for s := uint32(1); s < fatSz; s++ {
			if err := f.writeSector(fatStart + fat*fatSz + s); err != nil {
				return err
			}
		}
	}

	// Root directory: fixed sectors on FAT16, cluster 2 on FAT32.
	rootStart := fatStart + 2*fatSz
	rootLen := rootSectors
	if cfg.Type == FormatFAT32 {
		rootLen = spc
	}
	for s := uint32(0); s < rootLen; s++ {
		if err := f.writeSector(rootStart + s); err != nil {
			return err
		}
	}
	return nil
}

func setLabel(dst []byte, label string) {
	n := copy(dst, label)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

func chooseSectorsPerCluster(ftype Format, partSectors uint32) uint32 {
	for spc := uint32(1); spc <= 128; spc *= 2 {
		clusters := partSectors / spc
		if ftype == FormatFAT16 && clusters <= 65524 {
			if clusters < 4085 {
				return 0
			}
			return spc
		}
		if ftype == FormatFAT32 && clusters <= 0x0FFFFFF4 {
			// Smallest cluster keeps FAT32 volumes above the minimum
			// cluster count on the small media this driver targets.
			if clusters < 65525 {
				return 0
			}
			return spc
		}
	}
	return 0
}

// writeSector synchronously writes the formatter window to the sector,
// pumping the device until the completion fires.
func (f *Formatter) writeSector(sector uint32) error {
	f.done = false
	f.err = nil
	for spin := 0; ; spin++ {
		if f.dev.WriteBlock(sector, f.window[:], f.writeComplete) {
			break
		}
		f.dev.Poll()
		if spin > 1_000_000 {
			return errors.New("device refused write")
		}
	}
	for spin := 0; !f.done; spin++ {
		f.dev.Poll()
		if spin > 1_000_000 {
			return errors.New("device write never completed")
		}
	}
	return f.err
}

func (f *Formatter) writeComplete(op BlockDeviceOp, sector uint32, buffer []byte, err error) {
	f.done = true
	f.err = err
}
