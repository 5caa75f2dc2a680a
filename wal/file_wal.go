package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blockberries/overlord/types"
)

const (
	// WAL file settings
	walFilePerm       = 0600
	walDirPerm        = 0700
	maxMsgSize        = 10 * 1024 * 1024 // 10MB max message size
	defaultBufSize    = 64 * 1024        // 64KB buffer
	defaultMaxSegSize = 64 * 1024 * 1024 // 64MB default segment size

	segmentPattern = "wal-%05d"
)

// Option configures a FileWAL
type Option func(*FileWAL)

// WithMaxSegmentSize sets the size at which the WAL rotates to a new segment
func WithMaxSegmentSize(n int64) Option {
	return func(w *FileWAL) {
		if n > 0 {
			w.maxSegSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(w *FileWAL) {
		w.log = log.With().Str("component", "wal").Logger()
	}
}

// FileWAL is a segmented, file-based WAL. Each record is framed as
// [4 bytes length][CBOR message][4 bytes CRC32], big endian.
type FileWAL struct {
	mu  sync.Mutex
	dir string
	log zerolog.Logger

	file *os.File
	buf  *bufio.Writer

	started      bool
	minIndex     int
	segmentIndex int   // Current segment index
	segmentSize  int64 // Current segment size in bytes
	maxSegSize   int64 // Maximum segment size before rotation

	// height -> segment holding its EndHeight marker
	heightIndex map[types.Height]int
}

// NewFileWAL creates a new file-based WAL in dir
func NewFileWAL(dir string, opts ...Option) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &FileWAL{
		dir:        dir,
		log:        zerolog.Nop(),
		maxSegSize: defaultMaxSegSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start opens the newest segment for appending. A torn record at the end of
// that segment, left by a crash mid-write, is truncated away.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	w.heightIndex = make(map[types.Height]int)

	segments := findSegments(w.dir)
	if len(segments) > 0 {
		w.minIndex = segments[0]
		w.segmentIndex = segments[len(segments)-1]
	}

	for _, idx := range segments {
		valid, err := w.indexSegment(idx)
		if err != nil {
			return fmt.Errorf("failed to build WAL index: %w", err)
		}
		if idx == w.segmentIndex {
			if err := w.truncateSegment(idx, valid); err != nil {
				return err
			}
		}
	}

	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}

	w.started = true
	return nil
}

// indexSegment records the EndHeight markers of a segment and returns the
// byte length of its valid prefix.
func (w *FileWAL) indexSegment(idx int) (int64, error) {
	file, err := os.Open(w.segmentPath(idx))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	var valid int64
	for {
		msg, n, err := dec.Decode()
		if err == io.EOF {
			return valid, nil
		}
		if err != nil {
			w.log.Warn().Err(err).Int("segment", idx).Int64("offset", valid).Msg("corrupted WAL record")
			return valid, nil
		}
		valid += int64(n)
		if msg.Type == MsgTypeEndHeight {
			w.heightIndex[msg.Height] = idx
		}
	}
}

func (w *FileWAL) truncateSegment(idx int, size int64) error {
	path := w.segmentPath(idx)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() == size {
		return nil
	}
	w.log.Warn().Int("segment", idx).Int64("from", info.Size()).Int64("to", size).Msg("truncating torn WAL tail")
	return os.Truncate(path, size)
}

// segmentPath returns the file path for a segment index
func (w *FileWAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf(segmentPattern, index))
}

// openSegment opens a segment file for appending
func (w *FileWAL) openSegment(index int) error {
	file, err := os.OpenFile(w.segmentPath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.segmentSize = info.Size()
	return nil
}

// Stop flushes and closes the current segment
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.started = false

	if err := w.flushAndSync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Write writes a message to the WAL (buffered)
func (w *FileWAL) Write(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(msg)
}

// WriteSync writes a message and syncs to disk
func (w *FileWAL) WriteSync(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.write(msg); err != nil {
		return err
	}
	return w.flushAndSync()
}

func (w *FileWAL) write(msg *Message) error {
	if !w.started {
		return ErrWALClosed
	}

	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	n, err := encode(w.buf, msg)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)

	if msg.Type == MsgTypeEndHeight {
		w.heightIndex[msg.Height] = w.segmentIndex
	}
	return nil
}

// rotate closes the current segment and opens the next one
func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.segmentIndex++
	return w.openSegment(w.segmentIndex)
}

// FlushAndSync flushes the buffer and syncs to disk.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	return w.flushAndSync()
}

func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// SearchForEndHeight returns a reader positioned right after the EndHeight
// marker for height. The reader continues through all later segments.
func (w *FileWAL) SearchForEndHeight(height types.Height) (Reader, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, false, ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return nil, false, err
	}

	start := w.minIndex
	if idx, ok := w.heightIndex[height]; ok {
		start = idx
	}

	var segments []int
	for idx := start; idx <= w.segmentIndex; idx++ {
		segments = append(segments, idx)
	}
	r := &multiSegmentReader{dir: w.dir, segments: segments, current: -1}

	for {
		msg, err := r.Read()
		if err == io.EOF {
			r.Close()
			return nil, false, nil
		}
		if err != nil {
			r.Close()
			return nil, false, err
		}
		if msg.Type == MsgTypeEndHeight && msg.Height == height {
			return r, true, nil
		}
	}
}

// Checkpoint deletes WAL segments that only contain heights <= checkpointHeight.
// The current segment is never deleted.
func (w *FileWAL) Checkpoint(checkpointHeight types.Height) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	deleted := 0
	for idx := w.minIndex; idx < w.segmentIndex; idx++ {
		ok, err := w.canDeleteSegment(idx, checkpointHeight)
		if err != nil || !ok {
			break
		}
		if err := os.Remove(w.segmentPath(idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", idx, err)
		}
		for h, segIdx := range w.heightIndex {
			if segIdx == idx {
				delete(w.heightIndex, h)
			}
		}
		deleted++
	}
	w.minIndex += deleted
	return nil
}

func (w *FileWAL) canDeleteSegment(segmentIndex int, checkpointHeight types.Height) (bool, error) {
	file, err := os.Open(w.segmentPath(segmentIndex))
	if err != nil {
		return false, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	for {
		msg, _, err := dec.Decode()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if msg.Height > checkpointHeight {
			return false, nil
		}
	}
}

// SegmentCount returns the number of segments
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentIndex - w.minIndex + 1
}

// Ensure FileWAL implements WAL
var _ WAL = (*FileWAL)(nil)

func encode(wr io.Writer, msg *Message) (int, error) {
	data, err := types.Marshal(msg)
	if err != nil {
		return 0, err
	}
	if len(data) > maxMsgSize {
		return 0, fmt.Errorf("WAL message too large: %d bytes", len(data))
	}

	frame := make([]byte, 4+len(data)+4)
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)
	binary.BigEndian.PutUint32(frame[4+len(data):], crc32.ChecksumIEEE(data))

	return wr.Write(frame)
}

// decoder decodes framed messages
type decoder struct {
	r   io.Reader
	hdr [4]byte
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: r}
}

// Decode returns the next message and the number of bytes it occupied.
// A frame cut short by EOF is reported as corruption, not io.EOF.
func (d *decoder) Decode() (*Message, int, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("%w: truncated length", ErrWALCorrupted)
		}
		return nil, 0, err
	}

	length := binary.BigEndian.Uint32(d.hdr[:])
	if length > maxMsgSize {
		return nil, 0, fmt.Errorf("%w: length %d", ErrWALCorrupted, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, 0, fmt.Errorf("%w: truncated record", ErrWALCorrupted)
	}
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: truncated checksum", ErrWALCorrupted)
	}
	expected := binary.BigEndian.Uint32(d.hdr[:])
	if actual := crc32.ChecksumIEEE(data); expected != actual {
		return nil, 0, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrWALCorrupted, expected, actual)
	}

	msg := &Message{}
	if err := types.Unmarshal(data, msg); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	return msg, 4 + int(length) + 4, nil
}

// OpenWALForReading opens a WAL directory for reading from the oldest segment.
func OpenWALForReading(dir string) (Reader, error) {
	segments := findSegments(dir)
	if len(segments) == 0 {
		return nil, ErrWALNotFound
	}
	return &multiSegmentReader{dir: dir, segments: segments, current: -1}, nil
}

// findSegments returns the sorted segment indices present in dir
func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), segmentPattern, &idx); n == 1 {
			segments = append(segments, idx)
		}
	}
	sort.Ints(segments)
	return segments
}

// multiSegmentReader reads through consecutive segments
type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	file     *os.File
	dec      *decoder
}

func (r *multiSegmentReader) Read() (*Message, error) {
	for {
		if r.file == nil {
			r.current++
			if r.current >= len(r.segments) {
				return nil, io.EOF
			}
			file, err := os.Open(filepath.Join(r.dir, fmt.Sprintf(segmentPattern, r.segments[r.current])))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, err
			}
			r.file = file
			r.dec = newDecoder(bufio.NewReader(file))
		}

		msg, _, err := r.dec.Decode()
		if err == io.EOF {
			r.file.Close()
			r.file = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

var _ Reader = (*multiSegmentReader)(nil)
