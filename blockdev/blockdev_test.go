package blockdev_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/KinderRiven/comanche/blockdev"
)

func TestAsyncWriteReadBack(t *testing.T) {
	device, err := blockdev.OpenFileDevice(filepath.Join(t.TempDir(), "vol"), 64)

	if err != nil {
		t.Fatalf("open device: %s", err.Error())
	}

	defer device.Close()

	buf := make([]byte, 2*blockdev.FileBlockSize)

	for i := range buf {
		buf[i] = byte(i % 251)
	}

	queue := make(chan blockdev.Completion, 1)

	if err := device.AsyncWrite(buf, 4, queue, 42); err != nil {
		t.Fatalf("async write: %s", err.Error())
	}

	var completion blockdev.Completion

	select {
	case completion = <-queue:
	case <-time.After(5 * time.Second):
		t.Fatal("write completion never arrived")
	}

	if completion.Tag != 42 || completion.Err != nil {
		t.Fatalf("completion = %+v", completion)
	}

	got := make([]byte, len(buf))

	if err := device.Read(got, 4); err != nil {
		t.Fatalf("read: %s", err.Error())
	}

	if diff := cmp.Diff(buf, got); diff != "" {
		t.Errorf("block contents (-want +got):\n%s", diff)
	}
}

func TestBoundsAndAlignment(t *testing.T) {
	device, err := blockdev.OpenFileDevice(filepath.Join(t.TempDir(), "vol"), 8)

	if err != nil {
		t.Fatalf("open device: %s", err.Error())
	}

	defer device.Close()

	queue := make(chan blockdev.Completion, 1)

	if err := device.AsyncWrite(make([]byte, 100), 0, queue, 0); err != blockdev.ErrBadBuffer {
		t.Errorf("ragged buffer: got %v, want ErrBadBuffer", err)
	}

	if err := device.AsyncWrite(make([]byte, blockdev.FileBlockSize), 8, queue, 0); err != blockdev.ErrOutOfRange {
		t.Errorf("past-end write: got %v, want ErrOutOfRange", err)
	}

	info := device.GetVolumeInfo()

	if info.BlockCount != 8 || info.BlockSize != blockdev.FileBlockSize {
		t.Errorf("volume info = %+v", info)
	}

	if info.DeviceID == "" || info.VolumeName != "vol" {
		t.Errorf("volume identity = %+v", info)
	}
}

func TestCheckCompletionNonBlocking(t *testing.T) {
	queue := make(chan blockdev.Completion, 1)

	if _, ok := blockdev.CheckCompletion(queue); ok {
		t.Error("empty queue reported a completion")
	}

	queue <- blockdev.Completion{Tag: 7}

	completion, ok := blockdev.CheckCompletion(queue)

	if !ok || completion.Tag != 7 {
		t.Errorf("completion = (%+v, %v)", completion, ok)
	}
}
