// Package track follows detected objects across frames.
//
// Object detectors are noisy. A single high-confidence detection is not
// enough to act on: shadows, headlights and foliage all produce one-frame
// phantoms. So we associate detections across frames into tracked objects,
// and only promote an object to "genuine" once it has moved a minimum
// distance through a minimum number of distinct positions. Phantoms tend to
// either not move, or not persist.
package track

import (
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/logs"
	"github.com/peregrinecam/peregrine/pkg/nn"
)

type Settings struct {
	PositionHistorySize  int           // Ring buffer of the last N positions of each object
	MaxObjectsPerFrame   int           // Only the N largest detections in a frame are tracked
	MinDistanceForObject float32       // Fraction of frame width an object must travel to be genuine
	MinDistinctPositions int           // Distinct positions an object must occupy to be genuine
	ObjectForgetTime     time.Duration // Forget an object after not seeing it for this long
	ClassFilter          []int         // Track only these classes. Empty means all.
	Verbose              bool
}

func DefaultSettings() Settings {
	return Settings{
		PositionHistorySize:  30,
		MaxObjectsPerFrame:   10,
		MinDistanceForObject: 0.02,
		MinDistinctPositions: 3,
		ObjectForgetTime:     15 * time.Second,
	}
}

// A time and position where we saw an object
type timeAndPosition struct {
	time      time.Time
	detection nn.ObjectDetection
}

// Internal state of an object that we're tracking
type trackedObject struct {
	id             int64
	firstDetection nn.ObjectDetection
	frameWidth     int
	frameHeight    int
	lastPosition   nn.Rect // equivalent to mostRecent().detection.Box, kept for lookup speed
	history        ringbuffer.RingP[timeAndPosition]
	genuine        bool // True once we're convinced this is not a phantom
}

func (t *trackedObject) mostRecent() timeAndPosition {
	return t.history.Peek(t.history.Len() - 1)
}

func (t *trackedObject) numDistinctPositions() int {
	n := 0
	seen := map[[4]int32]bool{}
	for i := 0; i < t.history.Len(); i++ {
		box := t.history.Peek(i).detection.Box
		key := [4]int32{int32(box.X), int32(box.Y), int32(box.Width), int32(box.Height)}
		if !seen[key] {
			n++
			seen[key] = true
		}
	}
	return n
}

func (t *trackedObject) distanceFromOrigin() float32 {
	return t.firstDetection.Box.Center().Distance(t.mostRecent().detection.Box.Center())
}

// TrackedObject is the public snapshot of one tracked object
type TrackedObject struct {
	ID         int64   `json:"id"`
	Class      int     `json:"class"`
	Box        nn.Rect `json:"box"`
	Confidence float32 `json:"confidence"`
	Genuine    bool    `json:"genuine"`
	LastSeen   time.Time `json:"lastSeen"`
}

// State is what the tracker knows after ingesting one frame's detections
type State struct {
	FrameSeq int64               `json:"frameSeq"`
	Input    *nn.DetectionResult `json:"input"`
	Objects  []TrackedObject     `json:"objects"`
}

// SYNC-WATCHER-CHANNEL-SIZE
const WatcherChannelSize = 100

// Tracker consumes detection results from the pipeline and maintains tracked
// objects. It implements pipeline.Consumer, so all mutation happens on the
// decode thread; snapshots for other threads go through the lock.
type Tracker struct {
	Log      logs.Log
	settings Settings

	classFilter map[int]bool
	nextID      int64
	tracked     []*trackedObject
	lastWarnAt  time.Time

	stateLock sync.Mutex
	lastState *State

	watchersLock sync.RWMutex
	watchers     []chan *State
}

func NewTracker(log logs.Log, settings Settings) *Tracker {
	t := &Tracker{
		Log:      log,
		settings: settings,
	}
	if len(settings.ClassFilter) != 0 {
		t.classFilter = map[int]bool{}
		for _, c := range settings.ClassFilter {
			t.classFilter[c] = true
		}
	}
	return t
}

// AddWatcher registers for tracker state after every frame. The channel is
// dropped-into, never blocked on: a watcher that falls more than
// WatcherChannelSize frames behind loses the oldest states.
func (t *Tracker) AddWatcher() chan *State {
	t.watchersLock.Lock()
	defer t.watchersLock.Unlock()
	ch := make(chan *State, WatcherChannelSize)
	t.watchers = append(t.watchers, ch)
	return ch
}

func (t *Tracker) RemoveWatcher(ch chan *State) {
	t.watchersLock.Lock()
	defer t.watchersLock.Unlock()
	for i, w := range t.watchers {
		if w == ch {
			t.watchers[i] = t.watchers[len(t.watchers)-1]
			t.watchers = t.watchers[:len(t.watchers)-1]
			return
		}
	}
	t.Log.Warnf("Tracker.RemoveWatcher failed to find channel")
}

// OnDetections ingests one frame's detections. Called by the pipeline's
// decode thread.
func (t *Tracker) OnDetections(result *nn.DetectionResult) {
	now := time.Now()

	// Discard detections of classes that we're not interested in
	shortList := make([]int, 0, len(result.Objects))
	for i, det := range result.Objects {
		if t.classFilter == nil || t.classFilter[det.Class] {
			shortList = append(shortList, i)
		}
	}

	// Retain only the N largest
	if len(shortList) > t.settings.MaxObjectsPerFrame {
		sortByAreaDesc(result.Objects, shortList)
		shortList = shortList[:t.settings.MaxObjectsPerFrame]
	}

	// Greedily match each detection to the closest tracked object of the same
	// class. IOU is the primary signal, but when the effective frame rate is
	// low an object can move so far between frames that the boxes don't
	// overlap at all, so with zero IOU we fall back to center distance.
	matched := make([]bool, len(t.tracked))
	for _, i := range shortList {
		det := result.Objects[i]
		bestJ := -1
		bestIOU := float32(0)
		bestDistance := float32(9e20)
		for j, tracked := range t.tracked {
			if matched[j] || tracked.firstDetection.Class != det.Class {
				continue
			}
			iou := det.Box.IOU(tracked.lastPosition)
			distance := det.Box.Center().Distance(tracked.lastPosition.Center())
			if iou > bestIOU {
				bestIOU = iou
				bestJ = j
			} else if bestIOU == 0 && distance < bestDistance {
				bestDistance = distance
				bestJ = j
			}
		}
		if bestJ != -1 {
			matched[bestJ] = true
		} else {
			bestJ = len(t.tracked)
			matched = append(matched, true)
			t.nextID++
			t.tracked = append(t.tracked, &trackedObject{
				id:             t.nextID,
				firstDetection: det,
				frameWidth:     result.ImageWidth,
				frameHeight:    result.ImageHeight,
				history:        ringbuffer.NewRingP[timeAndPosition](nextPowerOf2(t.settings.PositionHistorySize)),
			})
			if t.settings.Verbose {
				t.Log.Infof("Tracker: New '%v' at %v,%v", className(det.Class), det.Box.Center().X, det.Box.Center().Y)
			}
		}
		t.tracked[bestJ].lastPosition = det.Box
		t.tracked[bestJ].history.Add(timeAndPosition{
			time:      now,
			detection: det,
		})
	}

	// Promote objects that have moved far enough through enough positions
	for _, tracked := range t.tracked {
		if !tracked.genuine &&
			tracked.distanceFromOrigin() > t.settings.MinDistanceForObject*float32(tracked.frameWidth) &&
			tracked.numDistinctPositions() >= t.settings.MinDistinctPositions {
			if t.settings.Verbose {
				center := tracked.mostRecent().detection.Box.Center()
				t.Log.Infof("Tracker: Genuine '%v' at %v,%v (%.1f px, %v positions)", className(tracked.firstDetection.Class),
					center.X, center.Y, tracked.distanceFromOrigin(), tracked.numDistinctPositions())
			}
			tracked.genuine = true
		}
	}

	// Forget objects that we haven't seen in a while
	remaining := t.tracked[:0]
	for _, tracked := range t.tracked {
		if now.Sub(tracked.mostRecent().time) > t.settings.ObjectForgetTime {
			if t.settings.Verbose {
				t.Log.Infof("Tracker: '%v' disappeared after %.1f px, %v positions", className(tracked.firstDetection.Class),
					tracked.distanceFromOrigin(), tracked.numDistinctPositions())
			}
		} else {
			remaining = append(remaining, tracked)
		}
	}
	t.tracked = remaining

	state := &State{
		FrameSeq: result.FrameSeq,
		Input:    result,
		Objects:  make([]TrackedObject, 0, len(t.tracked)),
	}
	for _, tracked := range t.tracked {
		recent := tracked.mostRecent()
		state.Objects = append(state.Objects, TrackedObject{
			ID:         tracked.id,
			Class:      tracked.firstDetection.Class,
			Box:        recent.detection.Box,
			Confidence: recent.detection.Confidence,
			Genuine:    tracked.genuine,
			LastSeen:   recent.time,
		})
	}

	t.stateLock.Lock()
	t.lastState = state
	t.stateLock.Unlock()

	t.sendToWatchers(state)
}

// LastState returns the tracker state after the most recent frame, or nil if
// nothing has been processed yet
func (t *Tracker) LastState() *State {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	return t.lastState
}

// BestTarget returns the largest genuine object from the most recent frame.
// This is what an actuator (alarm, recorder, PTZ follow) keys off.
func (t *Tracker) BestTarget() (TrackedObject, bool) {
	state := t.LastState()
	if state == nil {
		return TrackedObject{}, false
	}
	best := TrackedObject{}
	found := false
	for _, obj := range state.Objects {
		if obj.Genuine && (!found || obj.Box.Area() > best.Box.Area()) {
			best = obj
			found = true
		}
	}
	return best, found
}

func (t *Tracker) sendToWatchers(state *State) {
	t.watchersLock.RLock()
	defer t.watchersLock.RUnlock()
	nDropped := 0
	for _, ch := range t.watchers {
		select {
		case ch <- state:
		default:
			// Watcher has fallen behind. Shed its oldest state to make room,
			// so a stalled watcher sees a gap, not ancient history.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
			nDropped++
		}
	}
	if nDropped != 0 && time.Now().Sub(t.lastWarnAt) > 15*time.Second {
		t.Log.Warnf("Tracker: %v watchers are falling behind", nDropped)
		t.lastWarnAt = time.Now()
	}
}

func sortByAreaDesc(objects []nn.ObjectDetection, indices []int) {
	// Insertion sort. The list is tiny.
	for i := 1; i < len(indices); i++ {
		for j := i; j > 0 && objects[indices[j]].Box.Area() > objects[indices[j-1]].Box.Area(); j-- {
			indices[j], indices[j-1] = indices[j-1], indices[j]
		}
	}
}

func className(class int) string {
	if class >= 0 && class < len(nn.COCOClasses) {
		return nn.COCOClasses[class]
	}
	return "unknown"
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}
