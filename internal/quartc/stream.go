package quartc

import (
	"errors"
	"io"
	"log"
	"sync"

	quic "github.com/quic-go/quic-go"

	"quartc/internal/metrics"
)

// ErrStreamClosed is returned by Write after the write side closed.
var ErrStreamClosed = errors.New("quartc: stream closed for writing")

// readChunkSize is the per-read buffer for delegate delivery.
const readChunkSize = 4096

type sendChunk struct {
	data []byte
	fin  bool
}

// Stream is one reliable, ordered byte stream multiplexed over a session.
// Write never blocks: data the engine cannot take yet is buffered locally
// and drained by a background writer, observable via BytesBuffered and the
// delegate's OnBufferChanged.
//
// A stream is fully closed when both directions finish or when either side
// resets it; the delegate's OnClose fires exactly once either way.
type Stream struct {
	session *Session
	qs      *quic.Stream
	id      quic.StreamID

	mu             sync.Mutex
	delegate       StreamDelegate
	readStarted    bool
	sendQueue      []sendChunk
	buffered       int
	writeSideOpen  bool
	discardReads   bool
	readDone       bool
	writeDone      bool
	errorCode      quic.StreamErrorCode
	hasError       bool
	maxRetransmits int // <0: retransmit without bound
	lossCount      int
	cancelPending  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	finishOne sync.Once
}

func newStream(s *Session, qs *quic.Stream) *Stream {
	st := &Stream{
		session:        s,
		qs:             qs,
		id:             qs.StreamID(),
		writeSideOpen:  true,
		maxRetransmits: -1,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	go st.writeLoop()
	return st
}

// ID returns the stream's identifier, unique within its session.
func (s *Stream) ID() quic.StreamID { return s.id }

// SetDelegate registers the stream's delegate and starts inbound delivery.
// Re-registering logs a warning and replaces the previous delegate.
func (s *Stream) SetDelegate(d StreamDelegate) {
	s.mu.Lock()
	if s.delegate != nil && d != nil {
		log.Printf("quartc: stream %d delegate replaced", s.id)
	}
	s.delegate = d
	start := !s.readStarted && d != nil
	if start {
		s.readStarted = true
	}
	s.mu.Unlock()
	if start {
		go s.readLoop()
	}
}

// SetCancelOnLoss opts the stream into the reset-instead-of-retransmit
// policy: the first detected loss cancels the stream at the next write
// opportunity. Real-time payloads prefer dropping a stale stream over
// recovering it.
func (s *Stream) SetCancelOnLoss(cancel bool) {
	s.mu.Lock()
	if cancel {
		s.maxRetransmits = 0
	} else {
		s.maxRetransmits = -1
	}
	s.mu.Unlock()
}

// SetMaxRetransmissionCount sets how many loss events the stream survives
// before it is cancelled. Negative means unbounded (the default).
func (s *Stream) SetMaxRetransmissionCount(n int) {
	s.mu.Lock()
	s.maxRetransmits = n
	s.mu.Unlock()
}

// CancelOnLoss reports whether the stream cancels on first loss.
func (s *Stream) CancelOnLoss() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRetransmits == 0
}

// Write enqueues data, optionally closing the write side behind it (fin).
// It never blocks; the bytes sit in the local buffer until the engine
// accepts them.
func (s *Stream) Write(data []byte, fin bool) error {
	s.mu.Lock()
	if !s.writeSideOpen {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	chunk := sendChunk{fin: fin}
	if len(data) > 0 {
		chunk.data = make([]byte, len(data))
		copy(chunk.data, data)
		s.buffered += len(data)
	}
	if fin {
		s.writeSideOpen = false
	}
	s.sendQueue = append(s.sendQueue, chunk)
	s.mu.Unlock()

	s.notifyBufferChanged()
	s.kick()
	return nil
}

// FinishWriting closes the write side without further data.
func (s *Stream) FinishWriting() error { return s.Write(nil, true) }

// FinishReading discards all further inbound data. The stream still needs a
// fin or reset to fully close.
func (s *Stream) FinishReading() {
	s.mu.Lock()
	s.discardReads = true
	s.mu.Unlock()
}

// BytesBuffered returns the locally buffered, not-yet-sent byte count.
func (s *Stream) BytesBuffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// Error returns the stream error code, if the stream ended in a reset.
func (s *Stream) Error() (quic.StreamErrorCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCode, s.hasError
}

// Close tears the stream down through its session. No Write calls are valid
// afterwards.
func (s *Stream) Close() {
	s.reset(StreamErrorCancelled)
}

// reset cancels both directions with code and finishes the stream.
func (s *Stream) reset(code quic.StreamErrorCode) {
	s.mu.Lock()
	if s.readDone && s.writeDone {
		s.mu.Unlock()
		return
	}
	s.writeSideOpen = false
	s.sendQueue = nil
	s.buffered = 0
	if !s.hasError {
		s.hasError = true
		s.errorCode = code
	}
	s.readDone = true
	s.writeDone = true
	s.mu.Unlock()

	s.qs.CancelWrite(code)
	s.qs.CancelRead(code)
	s.closeOnce.Do(func() { close(s.done) })
	s.finish()
}

// handleLoss records one lost-frame event and arms cancellation once the
// retransmission budget is exhausted.
func (s *Stream) handleLoss() {
	s.mu.Lock()
	s.lossCount++
	arm := s.maxRetransmits >= 0 && s.lossCount > s.maxRetransmits && !s.cancelPending
	if arm {
		s.cancelPending = true
	}
	s.mu.Unlock()
	if arm {
		s.kick()
	}
}

// cancelIfPending performs the deferred cancel-on-loss reset. Called from
// the session's write-opportunity path.
func (s *Stream) cancelIfPending() {
	s.mu.Lock()
	pending := s.cancelPending
	s.mu.Unlock()
	if pending {
		metrics.StreamCancelled()
		s.reset(StreamErrorCancelled)
	}
}

// abort finishes the stream without touching the engine; used when the whole
// connection is already gone.
func (s *Stream) abort(code quic.StreamErrorCode) {
	s.mu.Lock()
	s.writeSideOpen = false
	s.sendQueue = nil
	s.buffered = 0
	if !s.hasError {
		s.hasError = true
		s.errorCode = code
	}
	s.readDone = true
	s.writeDone = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	s.finish()
}

func (s *Stream) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) writeLoop() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			if s.cancelPending {
				s.mu.Unlock()
				s.cancelIfPending()
				return
			}
			if len(s.sendQueue) == 0 {
				s.mu.Unlock()
				break
			}
			chunk := s.sendQueue[0]
			s.sendQueue = s.sendQueue[1:]
			s.mu.Unlock()

			if len(chunk.data) > 0 {
				if _, err := s.qs.Write(chunk.data); err != nil {
					s.handleWriteError(err)
					return
				}
				s.mu.Lock()
				s.buffered -= len(chunk.data)
				s.mu.Unlock()
				s.notifyBufferChanged()
			}
			if chunk.fin {
				if err := s.qs.Close(); err != nil {
					s.handleWriteError(err)
					return
				}
				s.markWriteDone()
				return
			}
		}
	}
}

func (s *Stream) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := s.qs.Read(buf)
		if n > 0 {
			s.deliver(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.deliverFin()
				s.markReadDone()
				return
			}
			s.handleReadError(err)
			return
		}
	}
}

func (s *Stream) deliver(data []byte) {
	s.mu.Lock()
	d := s.delegate
	discard := s.discardReads
	s.mu.Unlock()
	if d == nil || discard {
		return
	}
	out := make([]byte, len(data))
	copy(out, data)
	s.session.invokeCallback(func() { d.OnReceived(s, out) })
}

func (s *Stream) deliverFin() {
	s.mu.Lock()
	d := s.delegate
	discard := s.discardReads
	s.mu.Unlock()
	if d == nil || discard {
		return
	}
	s.session.invokeCallback(func() { d.OnReceived(s, nil) })
}

func (s *Stream) notifyBufferChanged() {
	s.mu.Lock()
	d := s.delegate
	s.mu.Unlock()
	if d == nil {
		return
	}
	s.session.invokeCallback(func() { d.OnBufferChanged(s) })
}

func (s *Stream) markWriteDone() {
	s.mu.Lock()
	s.writeDone = true
	full := s.readDone
	s.mu.Unlock()
	if full {
		s.finish()
	}
}

func (s *Stream) markReadDone() {
	s.mu.Lock()
	s.readDone = true
	full := s.writeDone
	s.mu.Unlock()
	if full {
		s.finish()
	}
}

func (s *Stream) handleWriteError(err error) {
	s.recordStreamError(err)
	s.mu.Lock()
	s.sendQueue = nil
	s.buffered = 0
	s.writeSideOpen = false
	s.writeDone = true
	s.readDone = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	s.finish()
}

func (s *Stream) handleReadError(err error) {
	s.recordStreamError(err)
	s.mu.Lock()
	s.readDone = true
	s.writeDone = true
	s.writeSideOpen = false
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	s.finish()
}

func (s *Stream) recordStreamError(err error) {
	var se *quic.StreamError
	if errors.As(err, &se) {
		s.mu.Lock()
		if !s.hasError {
			s.hasError = true
			s.errorCode = se.ErrorCode
		}
		s.mu.Unlock()
	}
}

// finish fires OnClose exactly once and detaches the stream from its
// session. Reentrant teardown paths all funnel here.
func (s *Stream) finish() {
	s.finishOne.Do(func() {
		metrics.StreamClosed()
		s.session.streamEnded(s.id)
		s.mu.Lock()
		d := s.delegate
		s.mu.Unlock()
		if d != nil {
			s.session.invokeCallback(func() { d.OnClose(s) })
		}
	})
}
