package manager

import (
	"image"
	"sync"
	"time"

	"github.com/proctorly/engine/internal/fusion"
	"github.com/proctorly/engine/internal/logging"
	"github.com/proctorly/engine/internal/session"
	"github.com/proctorly/engine/internal/smoothing"
	"github.com/proctorly/engine/internal/vision"
)

// queueCap bounds each session's pending frames. Substreams arrive at
// ~10 fps, so this is roughly 1.5 seconds of backlog before eviction.
const queueCap = 32

// Frame is one decoded frame with its arrival time.
type Frame struct {
	Image image.Image
	At    time.Time
}

type item struct {
	stream session.Substream
	frame  Frame
}

// runner drives one session. All detection state is touched only by the
// runner goroutine; the queue is the sole synchronised surface.
type runner struct {
	m    *Manager
	sess *session.Session
	sink Sink

	camera *vision.CameraAdapter
	screen *vision.ScreenDetector
	det    *fusion.Detector

	smVisible *smoothing.Signal
	smTyping  *smoothing.Signal
	smScreen  *smoothing.Signal

	// faceOK/handOK gate the checks whose primitive initialised. A missing
	// primitive must mute its detections, not turn them into violations.
	faceOK bool
	handOK bool

	screenTyping bool

	cameraErrLogged bool

	mu       sync.Mutex
	queue    []item
	active   time.Time
	closed   bool
	notify   chan struct{}
	stopCh   chan struct{}
	finished chan struct{}
}

func newRunner(m *Manager, connID, studentID, examID string, sink Sink) *runner {
	det := m.cfg.Detection
	now := m.now()
	sess := session.New(connID, studentID, examID, det.HistoryCapacity, now)

	faces, faceErr := vision.NewFacePrimitive()
	if faceErr != nil {
		sess.MarkDegraded("face")
		log.Warn("face primitive unavailable, face checks disabled",
			logging.KeySessionID, connID, logging.KeyError, faceErr)
	}
	hands, handErr := vision.NewHandPrimitive()
	if handErr != nil {
		sess.MarkDegraded("hand")
		log.Warn("hand primitive unavailable, ghost typing detection disabled",
			logging.KeySessionID, connID, logging.KeyError, handErr)
	}

	return &runner{
		m:    m,
		sess: sess,
		sink: sink,
		camera: vision.NewCameraAdapter(vision.CameraConfig{
			TypingConfidence: det.TypingConfidenceThreshold,
			TypingPosition:   det.TypingPositionThreshold,
		}, faces, hands),
		screen: vision.NewScreenDetector(vision.ScreenConfig{
			EditorTop:    det.EditorTop,
			EditorBottom: det.EditorBottom,
			EditorLeft:   det.EditorLeft,
			EditorRight:  det.EditorRight,
		}),
		det:       fusion.New(det, now),
		smVisible: smoothing.NewSignal(det.SmoothWindow, det.SmoothRatio),
		smTyping:  smoothing.NewSignal(det.SmoothWindow, det.SmoothRatio),
		smScreen:  smoothing.NewSignal(det.SmoothWindow, det.SmoothRatio),
		faceOK:    faceErr == nil,
		handOK:    handErr == nil,
		active:    now,
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// enqueue adds a frame to the pending queue. When full, the oldest pending
// frame of the same substream is evicted; if the backlog is all the other
// substream, the new frame is dropped.
func (r *runner) enqueue(stream session.Substream, frame Frame) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.active = r.m.now()
	if len(r.queue) >= queueCap {
		evicted := false
		for i, it := range r.queue {
			if it.stream == stream {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			r.mu.Unlock()
			return
		}
	}
	r.queue = append(r.queue, item{stream: stream, frame: frame})
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *runner) lastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// stop shuts the queue and waits for the runner goroutine to exit, after
// which the session state is safe to read from the caller.
func (r *runner) stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.finished
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.finished
	r.camera.Close()
}

func (r *runner) loop() {
	defer close(r.finished)
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.notify:
			for {
				r.mu.Lock()
				if len(r.queue) == 0 {
					r.mu.Unlock()
					break
				}
				it := r.queue[0]
				r.queue = r.queue[1:]
				r.mu.Unlock()

				r.process(it)
			}
		}
	}
}

func (r *runner) process(it item) {
	switch it.stream {
	case session.SubstreamScreen:
		r.processScreen(it.frame)
	default:
		r.processCamera(it.frame)
	}
}

func (r *runner) processCamera(f Frame) {
	obs, err := r.camera.Analyze(f.Image)
	if err != nil {
		if !r.cameraErrLogged {
			log.Error("camera analysis failed, dropping frames with this fault",
				logging.KeySessionID, r.sess.ID, logging.KeyError, err)
			r.cameraErrLogged = true
		}
		return
	}

	var emitted []session.Violation

	// Detection clocks run on server time. The frame's capture timestamp is
	// client-supplied and only annotates the sample; letting it drive the
	// evaluation intervals would let a client stall detection.
	now := r.m.now()

	if r.faceOK {
		if v := r.det.FaceCheck(r.sess, obs.FaceCount, now); v != nil {
			emitted = append(emitted, *v)
		}
	}

	if r.handOK {
		r.smVisible.Observe(obs.HandsVisible)
		r.smTyping.Observe(obs.HandsTyping)

		r.sess.Append(session.Sample{
			Seq:              r.sess.NextSeq(),
			At:               f.At,
			HandsVisible:     r.smVisible.Stable(),
			HandsTyping:      r.smTyping.Stable(),
			ScreenTyping:     r.screenTyping,
			HandCount:        obs.HandCount,
			TypingConfidence: obs.TypingConfidence,
		})

		if v := r.det.Tick(r.sess, now); v != nil {
			emitted = append(emitted, *v)
		}
	}

	if len(emitted) > 0 {
		r.sink.Violations(emitted, "camera")
	}

	n := r.sess.CountFrame(session.SubstreamCamera)
	statusEvery := uint64(r.m.cfg.Detection.StatusEvery)
	if statusEvery > 0 && n%statusEvery == 0 {
		frames, screenFrames := r.sess.FrameCounts()
		r.sink.Status(Status{
			FramesProcessed:       frames,
			ScreenFramesProcessed: screenFrames,
			TotalViolations:       len(r.sess.Violations()),
			GhostTypingCount:      r.sess.EmitCount(session.KindGhostTyping),
		})
	}
}

func (r *runner) processScreen(f Frame) {
	obs := r.screen.Analyze(f.Image, f.At)
	r.smScreen.Observe(obs.Typing)
	r.screenTyping = r.smScreen.Stable()
	r.sess.CountFrame(session.SubstreamScreen)
}
