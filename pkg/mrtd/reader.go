package mrtd

import (
	"log/slog"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// FILE READING (ICAO 9303-10, 3.9 and ISO 7816-4):
//
//  1. SELECT EF by file identifier, P1=02 P2=0C.
//  2. READ BINARY from offset 0 in blocks. The first block's TLV header
//     gives the file length, so later blocks ask for exactly what is left.
//  3. Without a usable header the loop stops on a short block, on 6282 (end
//     of file reached) or on 6B00 (offset beyond the file).
//
// Offsets above 7FFF cannot be written in P1-P2: those blocks use INS B1 with
// the offset in DO'54' and the answer wrapped in DO'53'.

// DefaultBlockSize is the READ BINARY length used when none is configured.
// 0xDF plain bytes still fit a short response once secure messaging is added.
const DefaultBlockSize = 0xDF

// offsetDOOverhead is the largest DO'53' header around a B1 answer.
const offsetDOOverhead = 4

// RawFile is the undecoded content of one chip file.
type RawFile struct {
	ID   lds.FileID
	Data []byte
}

// FileReader reads elementary files through a secure messaging channel.
// Files are cached for the life of the reader, which is one read batch.
type FileReader struct {
	Channel *sm.Channel

	// BlockSize is the READ BINARY length. Zero means DefaultBlockSize. It is
	// capped by what the link can return once wrapped.
	BlockSize int

	Logger *slog.Logger

	cls   iso7816.Class
	cache map[lds.FileID]RawFile
}

// NewFileReader creates a reader over ch with the default block size.
func NewFileReader(ch *sm.Channel) *FileReader {
	cls, _ := iso7816.NewClass(0x00)
	return &FileReader{
		Channel: ch,
		Logger:  slog.Default(),
		cls:     cls,
		cache:   make(map[lds.FileID]RawFile),
	}
}

func (r *FileReader) blockSize() int {
	n := r.BlockSize
	if n <= 0 {
		n = DefaultBlockSize
	}
	return min(n, r.Channel.MaxResponseData()-offsetDOOverhead)
}

// ReadFile selects id and reads it to the end. A file already read by this
// reader is returned without any exchange with the chip.
//
// A missing or protected file gives a *FileError. Secure messaging and
// transport errors are returned unchanged: the session is over after them.
func (r *FileReader) ReadFile(id lds.FileID) (RawFile, error) {
	if f, ok := r.cache[id]; ok {
		r.debug("file from cache", "file", id)
		return f, nil
	}

	resp, err := r.Channel.Transmit(iso7816.SelectEF(r.cls, uint16(id)))
	if err != nil {
		return RawFile{}, err
	}
	if err := statusError(id, resp.Status); err != nil {
		return RawFile{}, err
	}

	data, err := r.readSelected(id)
	if err != nil {
		return RawFile{}, err
	}

	f := RawFile{ID: id, Data: data}
	r.cache[id] = f
	r.debug("file read", "file", id, "len", len(data))
	return f, nil
}

func (r *FileReader) readSelected(id lds.FileID) ([]byte, error) {
	block := r.blockSize()
	total := -1
	var data []byte

	for total < 0 || len(data) < total {
		want := block
		if total >= 0 {
			want = min(block, total-len(data))
		}

		chunk, sw, err := r.readChunk(id, len(data), want)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)

		if total < 0 {
			if _, length, header, err := tlv.ReadHeader(data); err == nil {
				total = header + length
			}
		}

		switch sw {
		case iso7816.SW_NO_ERROR:
			// Once the length is known a short block is simply continued.
			if len(chunk) == 0 || (total < 0 && len(chunk) < want) {
				return r.finish(id, data, total)
			}
		case iso7816.SW_WARN_EOF_REACHED, iso7816.SW_ERR_WRONG_P1P2:
			if len(data) == 0 {
				return nil, &FileError{ID: id, SW: sw, Err: ErrUnexpectedStatus}
			}
			return r.finish(id, data, total)
		default:
			return nil, statusError(id, sw)
		}
	}
	return r.finish(id, data, total)
}

func (r *FileReader) finish(id lds.FileID, data []byte, total int) ([]byte, error) {
	if total < 0 {
		return data, nil
	}
	if len(data) < total {
		return nil, &FileError{ID: id, Err: ErrTruncatedFile}
	}
	return data[:total], nil
}

// readChunk issues one READ BINARY for n bytes at offset.
func (r *FileReader) readChunk(id lds.FileID, offset, n int) ([]byte, iso7816.StatusWord, error) {
	offsetDO := offset > iso7816.MaxReadBinaryOffset
	ne := n
	if offsetDO {
		ne += offsetDOOverhead
	}

	cmd, err := iso7816.ReadBinary(r.cls, offset, ne)
	if err != nil {
		return nil, 0, &FileError{ID: id, Err: err}
	}
	resp, err := r.Channel.Transmit(cmd)
	if err != nil {
		return nil, 0, err
	}
	if !offsetDO || len(resp.Data) == 0 {
		return resp.Data, resp.Status, nil
	}

	do, err := tlv.Decode(resp.Data)
	if err != nil || do.Tag != 0x53 {
		return nil, 0, &FileError{ID: id, SW: resp.Status, Err: ErrUnexpectedStatus}
	}
	return do.Value, resp.Status, nil
}

func (r *FileReader) debug(msg string, args ...any) {
	if r.Logger != nil {
		r.Logger.Debug(msg, args...)
	}
}
