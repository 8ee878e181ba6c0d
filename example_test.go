package afatfs

import "fmt"

func ExampleFS() {
	// The device could be an SD card driver or anything implementing the
	// asynchronous BlockDevice interface; here it is an in-memory card
	// with a freshly formatted FAT16 volume.
	sim := newSimCard(16 << 20)
	var formatter Formatter
	if err := formatter.Format(sim, uint32(len(sim.data)/512), FormatConfig{Type: FormatFAT16}); err != nil {
		panic(err)
	}

	var fs FS
	fs.Init(sim)
	for fs.State() != FilesystemStateReady {
		fs.Poll()
	}

	// Open never blocks; the callback fires once the create completes.
	var file *File
	fs.Open("hello.txt", "w", func(f *File) { file = f })
	for file == nil {
		fs.Poll()
	}

	message := []byte("Hello, World!")
	for len(message) > 0 {
		n := file.Write(message)
		message = message[n:]
		fs.Poll()
	}
	closed := false
	for !file.Close(func(*File) { closed = true }) {
		fs.Poll()
	}
	for !closed {
		fs.Poll()
	}

	// Read it back.
	var reopened *File
	fs.Open("hello.txt", "r", func(f *File) { reopened = f })
	for reopened == nil {
		fs.Poll()
	}
	buf := make([]byte, 64)
	total := 0
	for !reopened.EOF() {
		n := reopened.Read(buf[total:])
		total += n
		fs.Poll()
	}
	fmt.Println(string(buf[:total]))
	// Output:
	// Hello, World!
}
