// Package tarstream implements a restartable pull-parser (C3) that extracts
// named sub-files out of a USTAR tar byte-stream delivered in arbitrarily
// sized chunks, emitting payload slices as they arrive without ever
// buffering an entire file in memory.
package tarstream

import (
	"errors"
	"strconv"
	"strings"
)

const blockSize = 512

// ErrMalformed is returned when a header block fails its checksum, or
// declares a size field this parser cannot decode. The deployment engine
// surfaces this to the caller as an unsupported/rejected artifact rather
// than retrying.
var ErrMalformed = errors.New("tarstream: malformed or truncated header")

type state int

const (
	stateHeader state = iota
	stateFile
	statePadding
	stateDone
)

// Kind identifies what, if anything, a call to Parse produced.
type Kind int

const (
	// NeedMore means the chunk was fully consumed and produced no event;
	// the caller should supply more bytes from the stream.
	NeedMore Kind = iota
	// Header means a new file header is available in Event.Header.
	Header
	// Data means a slice of the current file's payload is available in
	// Event.Data, a zero-copy view into the chunk passed to Parse.
	Data
	// EOF means a zero-filled block was reached; the archive is
	// complete. Any remaining bytes in later chunks are ignored.
	EOF
)

// FileHeader is the subset of a USTAR header this parser exposes.
type FileHeader struct {
	Name string
	Size int64
}

// Event describes the outcome of one Parse call.
type Event struct {
	Kind   Kind
	Header FileHeader
	Data   []byte
	// Offset is the position within the current file's payload where
	// Data begins.
	Offset int64
}

// Parser is a USTAR pull-parser over a chunked byte-stream. The zero value
// is ready to use. A Parser is not safe for concurrent use.
type Parser struct {
	st state

	hdrBuf [blockSize]byte
	hdrLen int

	current       FileHeader
	fileRemaining int64
	fileOffset    int64
	padRemaining  int64
}

// New creates a Parser positioned at the start of an archive.
func New() *Parser {
	return &Parser{st: stateHeader}
}

// Parse consumes a prefix of chunk and returns how many bytes it consumed
// along with at most one Event. Call Parse repeatedly with the unconsumed
// remainder (chunk[consumed:]) until it reports NeedMore with consumed ==
// len(chunk), then feed the next chunk from the stream. Chunks may be any
// size, including a single byte, and the parser carries partial state
// (at most one buffered header) across calls.
func (p *Parser) Parse(chunk []byte) (consumed int, ev Event, err error) {
	for {
		switch p.st {
		case stateDone:
			// Trailing slack after the final file is ignored.
			return len(chunk), Event{Kind: NeedMore}, nil

		case stateHeader:
			need := blockSize - p.hdrLen
			avail := len(chunk) - consumed
			if avail == 0 {
				return consumed, Event{Kind: NeedMore}, nil
			}
			take := min(need, avail)
			copy(p.hdrBuf[p.hdrLen:], chunk[consumed:consumed+take])
			p.hdrLen += take
			consumed += take
			if p.hdrLen < blockSize {
				return consumed, Event{Kind: NeedMore}, nil
			}

			p.hdrLen = 0
			if isZeroBlock(p.hdrBuf[:]) {
				p.st = stateDone
				return consumed, Event{Kind: EOF}, nil
			}

			hdr, herr := parseHeader(p.hdrBuf[:])
			if herr != nil {
				p.st = stateDone
				return consumed, Event{}, herr
			}

			p.current = hdr
			p.fileRemaining = hdr.Size
			p.fileOffset = 0
			p.padRemaining = (blockSize - (hdr.Size % blockSize)) % blockSize
			if p.fileRemaining == 0 {
				if p.padRemaining == 0 {
					p.st = stateHeader
				} else {
					p.st = statePadding
				}
			} else {
				p.st = stateFile
			}
			return consumed, Event{Kind: Header, Header: hdr}, nil

		case stateFile:
			avail := len(chunk) - consumed
			if avail == 0 {
				return consumed, Event{Kind: NeedMore}, nil
			}
			take := int64(avail)
			if take > p.fileRemaining {
				take = p.fileRemaining
			}
			data := chunk[consumed : consumed+int(take)]
			ev := Event{Kind: Data, Data: data, Offset: p.fileOffset}
			consumed += int(take)
			p.fileOffset += take
			p.fileRemaining -= take
			if p.fileRemaining == 0 {
				if p.padRemaining == 0 {
					p.st = stateHeader
				} else {
					p.st = statePadding
				}
			}
			return consumed, ev, nil

		case statePadding:
			avail := len(chunk) - consumed
			if avail == 0 {
				return consumed, Event{Kind: NeedMore}, nil
			}
			take := int64(avail)
			if take > p.padRemaining {
				take = p.padRemaining
			}
			consumed += int(take)
			p.padRemaining -= take
			if p.padRemaining == 0 {
				p.st = stateHeader
			}
			// Padding never produces an event on its own; loop back
			// around to see whether there's more to do with the rest
			// of the chunk.
			continue
		}
	}
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func parseHeader(b []byte) (FileHeader, error) {
	if !checksumValid(b) {
		return FileHeader{}, ErrMalformed
	}
	name := cString(b[0:100])
	size, err := parseOctal(b[124:136])
	if err != nil {
		return FileHeader{}, ErrMalformed
	}
	return FileHeader{Name: name, Size: size}, nil
}

func checksumValid(b []byte) bool {
	stored, err := parseOctal(b[148:156])
	if err != nil {
		return false
	}
	var sum int64
	for i, c := range b {
		if i >= 148 && i < 156 {
			sum += int64(' ')
			continue
		}
		sum += int64(c)
	}
	return sum == stored
}

func cString(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), " ")
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func parseOctal(b []byte) (int64, error) {
	s := cString(b)
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}
