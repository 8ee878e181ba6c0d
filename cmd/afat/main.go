// afat is a harness for poking at FAT16/FAT32 images through the
// asynchronous driver: create filesystems, list and read directories, and
// push files in, all against a plain image file.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/soypat/afatfs"
)

var errTimeout = errors.New("filesystem made no progress")

// pollUntil pumps the filesystem until cond reports done.
func pollUntil(fs *afatfs.FS, cond func() bool) error {
	for spin := 0; !cond(); spin++ {
		fs.Poll()
		if fs.State() == afatfs.FilesystemStateFatal {
			return errors.New("filesystem entered fatal state")
		}
		if spin > 10_000_000 {
			return errTimeout
		}
	}
	return nil
}

func mountImage(path string) (*afatfs.FS, *imageDevice, error) {
	dev, err := openImage(path)
	if err != nil {
		return nil, nil, err
	}
	fs := &afatfs.FS{}
	fs.Init(dev)
	err = pollUntil(fs, func() bool { return fs.State() == afatfs.FilesystemStateReady })
	if err != nil {
		dev.Close()
		return nil, nil, fmt.Errorf("mount %s: %w", path, err)
	}
	return fs, dev, nil
}

// openPath opens name relative to the root, descending directories for
// every slash-separated element.
func openPath(fs *afatfs.FS, path, mode string) (*afatfs.File, error) {
	if !fs.Chdir(nil) {
		return nil, errors.New("chdir to root refused")
	}
	elems := strings.Split(strings.Trim(path, "/"), "/")
	for i, elem := range elems {
		last := i == len(elems)-1
		useMode := "r"
		if last {
			useMode = mode
		}
		var result *afatfs.File
		fired := false
		err := fs.Open(elem, useMode, func(file *afatfs.File) {
			result = file
			fired = true
		})
		if err != nil {
			return nil, err
		}
		if err := pollUntil(fs, func() bool { return fired }); err != nil {
			return nil, err
		}
		if result == nil {
			return nil, fmt.Errorf("%s: not found", elem)
		}
		if last {
			return result, nil
		}
		if !result.IsDirectory() {
			return nil, fmt.Errorf("%s: not a directory", elem)
		}
		fs.Chdir(result)
		if !result.Close(nil) {
			return nil, errors.New("close refused")
		}
	}
	return nil, errors.New("empty path")
}

func closeFile(fs *afatfs.FS, file *afatfs.File) error {
	done := false
	for !file.Close(func(*afatfs.File) { done = true }) {
		fs.Poll()
	}
	return pollUntil(fs, func() bool { return done })
}

func main() {
	root := &cobra.Command{
		Use:           "afat",
		Short:         "inspect and modify FAT16/FAT32 images via the async driver",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	var mkfsFAT16 bool
	var mkfsSizeMB uint32
	mkfs := &cobra.Command{
		Use:   "mkfs <image>",
		Short: "create an image file with a fresh filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			totalSectors := mkfsSizeMB * 2048
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := f.Truncate(int64(totalSectors) * 512); err != nil {
				f.Close()
				return err
			}
			f.Close()
			dev, err := openImage(args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			cfg := afatfs.FormatConfig{Type: afatfs.FormatFAT32}
			if mkfsFAT16 {
				cfg.Type = afatfs.FormatFAT16
			}
			var formatter afatfs.Formatter
			return formatter.Format(dev, totalSectors, cfg)
		},
	}
	mkfs.Flags().BoolVar(&mkfsFAT16, "fat16", false, "format FAT16 instead of FAT32")
	mkfs.Flags().Uint32Var(&mkfsSizeMB, "size", 100, "volume size in MiB")

	info := &cobra.Command{
		Use:   "info <image>",
		Short: "print volume geometry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, dev, err := mountImage(args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			fmt.Printf("state:               %v\n", fs.State())
			fmt.Printf("cluster size:        %d\n", fs.ClusterSize())
			fmt.Printf("supercluster size:   %d\n", fs.SuperClusterSize())
			fmt.Printf("contiguous free:     %d\n", fs.ContiguousFreeSpace())
			return nil
		},
	}

	ls := &cobra.Command{
		Use:   "ls <image> [dir]",
		Short: "list a directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, dev, err := mountImage(args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			target := "."
			if len(args) == 2 {
				target = args[1]
			}
			var dir *afatfs.File
			if target == "." || target == "/" {
				fs.Chdir(nil)
				dir, err = openPathDot(fs)
			} else {
				dir, err = openPath(fs, target, "r")
			}
			if err != nil {
				return err
			}
			var finder afatfs.Finder
			var entry afatfs.DirEntry
			fs.FindFirst(dir, &finder)
			for {
				status := fs.FindNext(dir, &finder, &entry)
				if status == afatfs.OpInProgress {
					fs.Poll()
					continue
				}
				if status != afatfs.OpSuccess {
					return fmt.Errorf("directory walk: %v", status)
				}
				if entry.IsTerminator() {
					break
				}
				if entry.IsDeleted() || entry.Attributes().IsLFN() || entry.Attributes().IsVolumeLabel() {
					continue
				}
				kind := " "
				if entry.IsDirectory() {
					kind = "d"
				}
				fmt.Printf("%s %10d  %s\n", kind, entry.Size(), entry.Name())
			}
			return closeFile(fs, dir)
		},
	}

	cat := &cobra.Command{
		Use:   "cat <image> <path>",
		Short: "write a file's contents to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, dev, err := mountImage(args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			file, err := openPath(fs, args[1], "r")
			if err != nil {
				return err
			}
			buf := make([]byte, 4096)
			for !file.EOF() {
				n := file.Read(buf)
				if n == 0 {
					fs.Poll()
					continue
				}
				if _, err := os.Stdout.Write(buf[:n]); err != nil {
					return err
				}
			}
			return closeFile(fs, file)
		},
	}

	var putContiguous bool
	put := &cobra.Command{
		Use:   "put <image> <path>",
		Short: "create a file from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, dev, err := mountImage(args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			mode := "w"
			if putContiguous {
				mode = "ws"
			}
			file, err := openPath(fs, args[1], mode)
			if err != nil {
				return err
			}
			for len(data) > 0 {
				n := file.Write(data)
				if n == 0 {
					if fs.Full() {
						return errors.New("volume full")
					}
					fs.Poll()
					continue
				}
				data = data[n:]
			}
			if err := closeFile(fs, file); err != nil {
				return err
			}
			return pollUntil(fs, fs.Flush)
		},
	}
	put.Flags().BoolVar(&putContiguous, "contiguous", false, "allocate from the freefile")

	rm := &cobra.Command{
		Use:   "rm <image> <path>",
		Short: "delete a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, dev, err := mountImage(args[0])
			if err != nil {
				return err
			}
			defer dev.Close()
			file, err := openPath(fs, args[1], "r")
			if err != nil {
				return err
			}
			done := false
			for !file.Unlink(func(*afatfs.File) { done = true }) {
				fs.Poll()
			}
			if err := pollUntil(fs, func() bool { return done }); err != nil {
				return err
			}
			return pollUntil(fs, fs.Flush)
		},
	}

	root.AddCommand(mkfs, info, ls, cat, put, rm)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openPathDot opens the working directory itself.
func openPathDot(fs *afatfs.FS) (*afatfs.File, error) {
	var result *afatfs.File
	fired := false
	err := fs.Open(".", "r", func(file *afatfs.File) {
		result = file
		fired = true
	})
	if err != nil {
		return nil, err
	}
	if err := pollUntil(fs, func() bool { return fired }); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("open failed")
	}
	return result, nil
}
