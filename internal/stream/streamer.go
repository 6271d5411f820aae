package stream

import (
	"context"
	"time"
)

// Polling and batching parameters.
const (
	ActivePollInterval = 100 * time.Millisecond
	IdlePollInterval   = 500 * time.Millisecond
	IdleThreshold      = 5 // consecutive empty polls before backing off

	MaxBatchChunks = 50
	MaxBatchBytes  = 100000
)

// Sink receives constructed output messages. A batch of exactly one
// chunk goes through SendOutput for consumers that predate batching.
type Sink interface {
	SendOutput(data []byte) error
	SendBatch(chunks [][]byte) error
}

// Streamer converts a Buffer into a delivery stream. Delivery is
// at-least-once per cursor position: the cursor advances when a chunk is
// included in a constructed batch, not on confirmed delivery, so output
// lost to a mid-batch transport failure is not retried.
type Streamer struct {
	buf  *Buffer
	sink Sink

	cursor           uint64
	consecutiveEmpty int
}

// NewStreamer builds a streamer reading buf from the beginning.
func NewStreamer(buf *Buffer, sink Sink) *Streamer {
	return &Streamer{buf: buf, sink: sink}
}

// Interval returns the current effective poll interval: fast while
// output is flowing, slow after IdleThreshold consecutive empty polls.
func (s *Streamer) Interval() time.Duration {
	if s.consecutiveEmpty >= IdleThreshold {
		return IdlePollInterval
	}
	return ActivePollInterval
}

// Poll reads pending output, delivers it in batches, and updates the
// adaptive interval state. It returns the number of chunks consumed and
// the first transport error, if any.
func (s *Streamer) Poll() (int, error) {
	pending := s.buf.ReadSince(s.cursor)
	if len(pending) == 0 {
		s.consecutiveEmpty++
		return 0, nil
	}
	s.consecutiveEmpty = 0

	consumed := 0
	var sendErr error
	for len(pending) > 0 {
		batch := nextBatch(pending)
		pending = pending[len(batch):]

		// Cursor advances on construction; a failed send drops this
		// position rather than replaying it.
		s.cursor = batch[len(batch)-1].Seq + 1
		consumed += len(batch)

		if sendErr != nil {
			continue
		}
		if len(batch) == 1 {
			sendErr = s.sink.SendOutput(batch[0].Data)
		} else {
			data := make([][]byte, len(batch))
			for i, c := range batch {
				data[i] = c.Data
			}
			sendErr = s.sink.SendBatch(data)
		}
	}
	return consumed, sendErr
}

// Run polls until ctx is done or the sink fails.
func (s *Streamer) Run(ctx context.Context) error {
	for {
		if _, err := s.Poll(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Interval()):
		}
	}
}

// nextBatch takes the longest prefix of pending that fits the batch
// bounds. A chunk bigger than MaxBatchBytes still ships alone.
func nextBatch(pending []Chunk) []Chunk {
	count := 0
	bytes := 0
	for _, c := range pending {
		if count == MaxBatchChunks {
			break
		}
		if count > 0 && bytes+len(c.Data) > MaxBatchBytes {
			break
		}
		count++
		bytes += len(c.Data)
	}
	return pending[:count]
}
