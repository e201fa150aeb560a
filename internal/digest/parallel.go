package digest

import (
	"hash"
	"io"
)

// blockSize is the unit the reader goroutine reads into: a typical
// 1 MiB chunk.
const blockSize = 1 << 20

// slotCount is the number of ring-buffer slots between the reader and
// the folder.
const slotCount = 4

// ParallelHash runs every hasher in hashers over r, in strict byte
// order, using one reader goroutine and one folding goroutine
// connected by a bounded channel: a producer/consumer pipeline narrowed
// here to a single reader paired with a single folder. The reader
// signals a clean EOF by sending a zero-length slot; on a read error
// it reports the error and closes the channel instead.
func ParallelHash(r io.Reader, hashers ...hash.Hash) error {
	if len(hashers) == 0 {
		_, err := io.Copy(io.Discard, r)
		return err
	}

	slots := make(chan []byte, slotCount)
	errc := make(chan error, 1)

	go func() {
		defer close(slots)
		for {
			buf := make([]byte, blockSize)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				slots <- buf[:n]
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				slots <- buf[:0]
				return
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	for buf := range slots {
		if len(buf) == 0 {
			break
		}
		for _, h := range hashers {
			// hash.Hash.Write never returns an error per its contract.
			h.Write(buf)
		}
	}

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}
