package blockdev

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/KinderRiven/comanche/utils/uuid"
)

const (
	// FileBlockSize is the logical block size of file-backed devices
	FileBlockSize = 4096

	fileMaxDMALen = 128 * FileBlockSize
)

var _ Device = (*FileDevice)(nil)

// FileDevice is a block volume over an ordinary file. It stands in for
// an NVMe namespace in tests and on hosts without one.
type FileDevice struct {
	f          *os.File
	blockCount uint64
	deviceID   string
	volumeName string
}

// OpenFileDevice creates or opens a file-backed volume of blockCount
// blocks.
func OpenFileDevice(path string, blockCount uint64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)

	if err != nil {
		return nil, errors.Wrapf(err, "could not open block volume %s", path)
	}

	if err := f.Truncate(int64(blockCount * FileBlockSize)); err != nil {
		f.Close()

		return nil, errors.Wrapf(err, "could not size block volume %s", path)
	}

	return &FileDevice{
		f:          f,
		blockCount: blockCount,
		deviceID:   uuid.MustUUID(),
		volumeName: filepath.Base(path),
	}, nil
}

func (d *FileDevice) check(buf []byte, lba uint64) error {
	if len(buf) == 0 || len(buf)%FileBlockSize != 0 {
		return ErrBadBuffer
	}

	if lba+uint64(len(buf))/FileBlockSize > d.blockCount {
		return ErrOutOfRange
	}

	return nil
}

// AsyncWrite completes through queue once the bytes are written and
// synced.
func (d *FileDevice) AsyncWrite(buf []byte, lba uint64, queue chan<- Completion, tag uint64) error {
	if err := d.check(buf, lba); err != nil {
		return err
	}

	go func() {
		_, err := d.f.WriteAt(buf, int64(lba*FileBlockSize))

		if err == nil {
			err = d.f.Sync()
		}

		queue <- Completion{Tag: tag, Err: err}
	}()

	return nil
}

func (d *FileDevice) Read(buf []byte, lba uint64) error {
	if err := d.check(buf, lba); err != nil {
		return err
	}

	_, err := d.f.ReadAt(buf, int64(lba*FileBlockSize))

	return errors.Wrap(err, "block read failed")
}

func (d *FileDevice) GetVolumeInfo() VolumeInfo {
	return VolumeInfo{
		BlockCount: d.blockCount,
		BlockSize:  FileBlockSize,
		MaxDMALen:  fileMaxDMALen,
		DeviceID:   d.deviceID,
		VolumeName: d.volumeName,
	}
}

func (d *FileDevice) Close() error {
	return d.f.Close()
}
