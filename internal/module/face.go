package module

import (
	"sync"
	"time"
)

// FaceMode is the expression shown on the companion display.
type FaceMode string

const (
	FaceNormal   FaceMode = "normal_smile"
	FaceGreeting FaceMode = "greeting"
	FaceMoving   FaceMode = "moving"
	FaceStop     FaceMode = "stop"
	FaceSpeaking FaceMode = "speaking"
)

// Face is a point-in-time copy of the face state.
type Face struct {
	Mode      FaceMode  `json:"faceMode"`
	UpdatedAt time.Time `json:"lastUpdate"`
}

// FaceState is the shared face handle. Modules write it, the UI endpoint
// reads it; it is created once and passed to both.
type FaceState struct {
	mu   sync.RWMutex
	face Face
	now  func() time.Time
}

func NewFaceState() *FaceState {
	f := &FaceState{now: time.Now}
	f.face = Face{Mode: FaceNormal, UpdatedAt: f.now()}
	return f
}

func (f *FaceState) Set(mode FaceMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.face = Face{Mode: mode, UpdatedAt: f.now()}
}

func (f *FaceState) Get() Face {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.face
}
