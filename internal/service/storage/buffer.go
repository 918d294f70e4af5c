// Package storage keeps the latest camera frame of every station view and
// writes still captures to disk.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"canedump/internal/logger"
	"canedump/internal/model"
)

var (
	// ErrNoFrame is returned when no usable frame is buffered for a view.
	ErrNoFrame = errors.New("no frame buffered")
	// ErrNotJPEG is returned when an uploaded frame is not a complete JPEG.
	ErrNotJPEG = errors.New("frame is not a JPEG image")
)

const snapshotTimeFormat = "20060102_150405.000"

// Frame is one buffered camera image.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

type frameKey struct {
	station string
	view    model.CameraView
}

// FrameStore buffers the latest frame per (station, view) and snapshots it
// to disk on demand.
type FrameStore struct {
	imagesDir string
	maxAge    time.Duration
	frames    map[frameKey]Frame
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewFrameStore creates a FrameStore writing under imagesDir. Frames older
// than maxAge at snapshot time are not used; zero disables the check.
func NewFrameStore(imagesDir string, maxAge time.Duration, logger *logger.Logger) *FrameStore {
	return &FrameStore{
		imagesDir: imagesDir,
		maxAge:    maxAge,
		frames:    make(map[frameKey]Frame),
		logger:    logger,
	}
}

// Put replaces the buffered frame of a view.
func (s *FrameStore) Put(stationID string, view model.CameraView, data []byte, at time.Time) error {
	if !isJPEG(data) {
		return ErrNotJPEG
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := frameKey{stationID, view}
	if cur, ok := s.frames[key]; ok && at.Before(cur.ReceivedAt) {
		return nil
	}
	s.frames[key] = Frame{Data: buf, ReceivedAt: at}
	return nil
}

// Latest returns the buffered frame of a view.
func (s *FrameStore) Latest(stationID string, view model.CameraView) (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.frames[frameKey{stationID, view}]
	return f, ok
}

// Snapshot writes the buffered frame of a view for a capture slot and returns
// the file path as frame reference.
func (s *FrameStore) Snapshot(stationID string, view model.CameraView, sessionID string, slot model.CaptureSlot, at time.Time) (string, error) {
	f, ok := s.Latest(stationID, view)
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", stationID, view, ErrNoFrame)
	}
	if s.maxAge > 0 && at.Sub(f.ReceivedAt) > s.maxAge {
		return "", fmt.Errorf("%s/%s frame is %s old: %w", stationID, view, at.Sub(f.ReceivedAt), ErrNoFrame)
	}

	dir := filepath.Join(s.imagesDir, stationID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s_%s_%s.jpg", stationID, shortID(sessionID), slot, at.Format(snapshotTimeFormat))
	fullpath := filepath.Join(dir, filename)
	if err := os.WriteFile(fullpath, f.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to save frame %s: %w", filename, err)
	}

	s.logger.Debug("Saved %s frame of %s for %s as %s", view, stationID, slot, filename)
	return fullpath, nil
}

// Forget drops the buffered frames of a station.
func (s *FrameStore) Forget(stationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.frames {
		if key.station == stationID {
			delete(s.frames, key)
		}
	}
}

func isJPEG(data []byte) bool {
	return len(data) > 4 &&
		bytes.HasPrefix(data, []byte{0xFF, 0xD8}) &&
		bytes.HasSuffix(data, []byte{0xFF, 0xD9})
}

// shortID returns the first eight characters of an id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
