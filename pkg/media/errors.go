package media

import (
	"errors"
	"io"
	"io/fs"
	"net"
)

// Error taxonomy. Every error leaving the demuxer or a decoder wraps one of
// these, so callers can branch with errors.Is.
var (
	ErrThread          = errors.New("thread error")
	ErrMemory          = errors.New("memory error")
	ErrTimeout         = errors.New("timeout")
	ErrEndOfStream     = errors.New("end of stream")
	ErrUserCancelled   = errors.New("user cancelled")
	ErrCodecNotFound   = errors.New("codec not found")
	ErrInvalidFormat   = errors.New("invalid format")
	ErrIO              = errors.New("i/o error")
	ErrNeedInput       = errors.New("codec needs more input")
	ErrSeekUnsupported = errors.New("seek not supported")
	ErrClosed          = errors.New("closed")
)

// MapError maps an error reported by a collaborator (container reader,
// codec, filesystem) into the taxonomy. Errors already in the taxonomy are
// returned unchanged; unrecognized errors are wrapped as ErrInvalidFormat
// since they almost always come from bitstream parsers.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if inTaxonomy(err) {
		return err
	}

	switch {
	case errors.Is(err, io.EOF):
		return ErrEndOfStream
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, fs.ErrClosed):
		return errors.Join(ErrIO, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return errors.Join(ErrIO, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errors.Join(ErrTimeout, err)
		}
		return errors.Join(ErrIO, err)
	}
	return errors.Join(ErrInvalidFormat, err)
}

func inTaxonomy(err error) bool {
	for _, target := range []error{
		ErrThread, ErrMemory, ErrTimeout, ErrEndOfStream, ErrUserCancelled,
		ErrCodecNotFound, ErrInvalidFormat, ErrIO, ErrNeedInput,
		ErrSeekUnsupported, ErrClosed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
