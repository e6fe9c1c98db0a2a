package framecodec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// QFV is a minimal frame container:
//
//	magic   "QFV1"
//	width   uint32
//	height  uint32
//	fps     float64 (IEEE 754 bits)
//	frames  repeated { length uint32, payload [length]byte }
//
// All integers are big-endian.
const (
	qfvName      = "qfv"
	qfvMagic     = "QFV1"
	qfvHeaderLen = 4 + 4 + 4 + 8

	// MaxFrameSize bounds a single frame payload
	MaxFrameSize = 256 << 20
)

func init() {
	_ = Register(qfvName, []string{"qfv"}, OpenQFV)
}

type qfvDecoder struct {
	rc     io.ReadCloser
	r      *bufio.Reader
	info   Info
	index  int64
	offset int64
}

// OpenQFV reads the container header from rc
func OpenQFV(rc io.ReadCloser) (Decoder, error) {
	r := bufio.NewReader(rc)
	var header [qfvHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("qfv: short header: %w", err)
	}
	if string(header[:4]) != qfvMagic {
		return nil, fmt.Errorf("qfv: bad magic %q", header[:4])
	}
	info := Info{
		Width:  int(binary.BigEndian.Uint32(header[4:8])),
		Height: int(binary.BigEndian.Uint32(header[8:12])),
		FPS:    math.Float64frombits(binary.BigEndian.Uint64(header[12:20])),
	}
	return &qfvDecoder{rc: rc, r: r, info: info, offset: qfvHeaderLen}, nil
}

func (d *qfvDecoder) Info() Info { return d.info }

func (d *qfvDecoder) Next() (Frame, error) {
	start := d.offset
	var lenBuf [4]byte
	n, err := io.ReadFull(d.r, lenBuf[:])
	d.offset += int64(n)
	if err == io.EOF {
		return Frame{}, io.EOF
	}
	if err != nil {
		return Frame{}, d.corrupt(start, fmt.Errorf("truncated frame length: %w", err))
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		// the stream cannot be resynchronized past a bad length
		d.drain()
		return Frame{}, d.corrupt(start, fmt.Errorf("frame length %d exceeds %d", size, MaxFrameSize))
	}

	data := make([]byte, size)
	n, err = io.ReadFull(d.r, data)
	d.offset += int64(n)
	if err != nil {
		return Frame{}, d.corrupt(start, fmt.Errorf("truncated frame payload: %w", err))
	}

	f := Frame{Index: d.index, Offset: start, PTS: d.pts(d.index), Data: data}
	d.index++
	return f, nil
}

func (d *qfvDecoder) pts(index int64) time.Duration {
	if d.info.FPS <= 0 {
		return 0
	}
	return time.Duration(float64(index) / d.info.FPS * float64(time.Second))
}

func (d *qfvDecoder) corrupt(offset int64, err error) error {
	e := &CorruptFrameError{Index: d.index, Offset: offset, Err: err}
	d.index++
	return e
}

func (d *qfvDecoder) drain() {
	n, _ := io.Copy(io.Discard, d.r)
	d.offset += n
}

func (d *qfvDecoder) Close() error {
	return d.rc.Close()
}

// QFVWriter encodes frames into the qfv container
type QFVWriter struct {
	w      *bufio.Writer
	closed bool
}

// NewQFVWriter writes the container header to w
func NewQFVWriter(w io.Writer, info Info) (*QFVWriter, error) {
	if info.Width < 0 || info.Height < 0 || int64(info.Width) > math.MaxUint32 || int64(info.Height) > math.MaxUint32 {
		return nil, errors.New("qfv: invalid frame dimensions")
	}
	bw := bufio.NewWriter(w)
	var header [qfvHeaderLen]byte
	copy(header[:4], qfvMagic)
	binary.BigEndian.PutUint32(header[4:8], uint32(info.Width))
	binary.BigEndian.PutUint32(header[8:12], uint32(info.Height))
	binary.BigEndian.PutUint64(header[12:20], math.Float64bits(info.FPS))
	if _, err := bw.Write(header[:]); err != nil {
		return nil, err
	}
	return &QFVWriter{w: bw}, nil
}

// WriteFrame appends one frame payload
func (q *QFVWriter) WriteFrame(data []byte) error {
	if q.closed {
		return errors.New("qfv: writer closed")
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("qfv: frame of %d bytes exceeds %d", len(data), MaxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := q.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := q.w.Write(data)
	return err
}

// Close flushes buffered frames. It does not close the underlying writer.
func (q *QFVWriter) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true
	return q.w.Flush()
}
