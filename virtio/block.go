package virtio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/qtail/virtd/virtio/virtq"
)

// Block is a virtio block device with pluggable storage.
type Block struct {

	// ReadOnly forces the device to be read-only.
	ReadOnly bool

	// Storage is the backing storage for the device. Storage may also
	// implement the io.WriterAt interface to enable writes.
	Storage BlockStorage

	writerAt io.WriterAt
}

// BlockStorage is the basic interface to a block device's backing storage. It is
// read-only: To enable writes, storage types should also implement io.WriterAt.
type BlockStorage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTPStorage is read-only block storage backed by an HTTP URL.
// The server must support HEAD requests and GET requests with a Range header.
type HTTPStorage struct {
	URL string
}

// blkConfig has the same fields as struct virtio_blk_config.
type blkConfig struct {
	Capacity uint64 // expressed in 512-byte sectors
	SizeMax  uint32
	SegMax   uint32

	Geometry struct {
		Cylinders uint16
		Heads     uint8
		Sectors   uint8
	}

	BlkSize uint32

	Topology struct {
		PhysicalBlockExp uint8
		AlignmentOffset  uint8
		MinIOSize        uint16
		OptIOSize        uint32
	}

	Writeback uint8
	_         byte
	NumQueues uint16
}

// features

const (
	blkFRO    = 1 << 4 // device is read-only
	blkFFlush = 1 << 8 // cache flush command support
)

// op type

const (
	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4
	blkTGetID = 8
)

// op status

const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

const blkSectorSize = 512

func (dev *Block) GetType() DeviceID {
	return BlockDeviceID
}

func (dev *Block) GetFeatures() (features uint64) {
	if _, ok := dev.Storage.(io.WriterAt); dev.ReadOnly || !ok {
		return blkFRO
	}

	return
}

func (dev *Block) Ready(negotiatedFeatures uint64) error {
	if !dev.ReadOnly {
		dev.writerAt, _ = dev.Storage.(io.WriterAt)
	}

	return nil
}

func (dev *Block) Handle(ctx context.Context, queueNum int, q *virtq.Queue) error {
	if queueNum != 0 {
		return fmt.Errorf("block: unexpected queue %d", queueNum)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		c, err := q.Pop()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		n, status := dev.request(c)

		// the status byte is the last, device-writable segment
		last := c.Len() - 1
		if last >= 0 && c.IsWO(last) && len(c.Data(last)) == 1 {
			c.Data(last)[0] = status
			n++
		}

		if err := c.Release(n); err != nil {
			return err
		}
	}
}

// request executes one block request chain: a 16-byte read-only header, the
// data segments, and a 1-byte write-only status. It returns the number of
// bytes written to device-writable data segments and the request status.
func (dev *Block) request(c *virtq.Chain) (n int, status uint8) {
	if c.Len() < 2 || !c.IsRO(0) || len(c.Data(0)) < 16 {
		slog.Warn("block request header is malformed", "segments", c.Len())
		return 0, blkSUnsupp
	}

	var (
		hdr    = c.Data(0)
		optype = binary.LittleEndian.Uint32(hdr)
		sector = binary.LittleEndian.Uint64(hdr[8:])
	)

	off := int64(sector) * blkSectorSize

	switch optype {
	case blkTIn:
		for i := 1; i < c.Len()-1; i++ {
			if !c.IsWO(i) {
				return n, blkSUnsupp
			}

			nn, err := dev.Storage.ReadAt(c.Data(i), off)
			n += nn
			if err != nil {
				slog.Error("block read failed", "sector", sector, "err", err)
				return n, blkSIOErr
			}

			off += int64(nn)
		}

		return n, blkSOK

	case blkTOut:
		if dev.writerAt == nil {
			return 0, blkSUnsupp
		}

		for i := 1; i < c.Len()-1; i++ {
			if !c.IsRO(i) {
				return 0, blkSUnsupp
			}

			nn, err := dev.writerAt.WriteAt(c.Data(i), off)
			if err != nil {
				slog.Error("block write failed", "sector", sector, "err", err)
				return 0, blkSIOErr
			}

			off += int64(nn)
		}

		return 0, blkSOK

	case blkTFlush:
		return 0, blkSOK

	case blkTGetID:
		if c.Len() < 3 || !c.IsWO(1) {
			return 0, blkSUnsupp
		}

		return copy(c.Data(1), "virtd-block"), blkSOK

	default:
		return 0, blkSUnsupp
	}
}

func (dev *Block) ReadConfig(p []byte, off int) error {
	cfg, err := dev.getConfig()
	if err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cfg); err != nil {
		return err
	}

	raw := buf.Bytes()
	if off >= len(raw) {
		return fmt.Errorf("block: config read at %d is out of range", off)
	}

	copy(p, raw[off:])

	return nil
}

func (dev *Block) getConfig() (*blkConfig, error) {
	sz, err := dev.Storage.Size()
	if err != nil {
		return nil, err
	}

	if sz%blkSectorSize != 0 {
		return nil, fmt.Errorf("block: storage size %d is not sector-aligned", sz)
	}

	cfg := blkConfig{
		Capacity:  uint64(sz / blkSectorSize),
		NumQueues: 1,
	}

	return &cfg, nil
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off >= int64(len(ms.Bytes)) {
		return 0, io.EOF
	}

	return copy(p, ms.Bytes[off:]), nil
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	if off >= int64(len(ms.Bytes)) {
		return 0, io.ErrShortWrite
	}

	return copy(ms.Bytes[off:], p), nil
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}

// ReadAt gets the backing URL with a Range header generated from off and len(p).
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (n int, err error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("block device http request failed: GET %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusPartialContent)
	}

	n, err = io.ReadFull(res.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}

	return
}

// Size sends a HEAD request to the backing URL and parses the Content-Length response header.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := http.Head(hs.URL)
	if err != nil {
		return 0, err
	}

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("block device http request failed: HEAD %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusOK)
	}

	cl := res.Header.Get("content-length")
	return strconv.ParseInt(cl, 10, 64)
}
