package main

import (
	"os"

	"github.com/soypat/afatfs"
)

// imageDevice adapts an image file to the asynchronous block device
// contract. Completions fire synchronously inside the request, which the
// contract permits.
type imageDevice struct {
	f *os.File
}

func openImage(path string) (*imageDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &imageDevice{f: f}, nil
}

func (d *imageDevice) Close() error { return d.f.Close() }

func (d *imageDevice) Sectors() (uint32, error) {
	info, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint32(info.Size() / 512), nil
}

func (d *imageDevice) ReadBlock(sector uint32, buffer []byte, done afatfs.BlockCompletion) bool {
	_, err := d.f.ReadAt(buffer, int64(sector)*512)
	done(afatfs.BlockDeviceOpRead, sector, buffer, err)
	return true
}

func (d *imageDevice) WriteBlock(sector uint32, buffer []byte, done afatfs.BlockCompletion) bool {
	_, err := d.f.WriteAt(buffer, int64(sector)*512)
	done(afatfs.BlockDeviceOpWrite, sector, buffer, err)
	return true
}

func (d *imageDevice) Poll() {}
