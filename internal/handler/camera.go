package handler

import (
	"bytes"
	"context"
	"net"
	"strconv"

	"canedump/internal/config"
	"canedump/internal/logger"
)

var (
	jpegHeader = []byte{0xFF, 0xD8}
	jpegFooter = []byte{0xFF, 0xD9}
)

// maxFrameSize caps a frame under reassembly; a source that never sends a
// footer cannot grow its buffer without bound.
const maxFrameSize = 8 << 20

// FrameSink receives complete JPEG frames keyed by sender address.
type FrameSink interface {
	HandleCameraImage(image []byte, source string)
}

// frameAssembler rebuilds JPEG frames split across UDP datagrams.
// Not safe for concurrent use.
type frameAssembler struct {
	buffers map[string]*bytes.Buffer
}

func newFrameAssembler() *frameAssembler {
	return &frameAssembler{buffers: make(map[string]*bytes.Buffer)}
}

// add appends one datagram from source and returns the frame it completes.
func (a *frameAssembler) add(source string, data []byte) []byte {
	buf, ok := a.buffers[source]
	if !ok {
		buf = new(bytes.Buffer)
		a.buffers[source] = buf
	}

	if bytes.HasPrefix(data, jpegHeader) {
		buf.Reset()
	} else if buf.Len() == 0 {
		// Tail of a frame whose start was lost.
		return nil
	}
	if buf.Len()+len(data) > maxFrameSize {
		buf.Reset()
		return nil
	}
	buf.Write(data)

	if !bytes.HasSuffix(data, jpegFooter) {
		return nil
	}
	frame := make([]byte, buf.Len())
	copy(frame, buf.Bytes())
	buf.Reset()
	return frame
}

// UDPCameraHandler listens for UDP packets from cameras, reconstructs JPEG
// frames, and forwards complete frames to sink until ctx is done.
func UDPCameraHandler(ctx context.Context, sink FrameSink, logger *logger.Logger, config *config.Config) {
	port := strconv.Itoa(config.CamerasPort)

	addr, err := net.ResolveUDPAddr("udp", ":"+port)
	if err != nil {
		logger.Error("Failed to resolve UDP address: %v", err)
		return
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		logger.Error("Failed to listen on UDP port %s: %v", port, err)
		return
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	logger.Info("UDP Camera handler started on port %s", port)
	buffer := make([]byte, 65535)
	assembler := newFrameAssembler()

	for {
		n, remoteAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("UDP Camera handler stopped")
				return
			}
			logger.Error("Error reading UDP packet: %v", err)
			continue
		}

		source := remoteAddr.IP.String()
		if frame := assembler.add(source, buffer[:n]); frame != nil {
			sink.HandleCameraImage(frame, source)
		}
	}
}
