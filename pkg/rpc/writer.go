// Package rpc carries progress and result frames from the broker's core
// back to an HTTP client, streaming chunked JSON as work proceeds.
package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"

	"github.com/docker/docker/pkg/ioutils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mozilla-services/loadbroker/pkg/logging"
)

// ChunkType distinguishes the payloads streamed to a client.
type ChunkType string

const (
	ChunkTypeProgress ChunkType = "progress"
	ChunkTypeResult   ChunkType = "result"
	ChunkTypeError    ChunkType = "error"
)

type Chunk struct {
	Type    ChunkType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *chunkError `json:"error,omitempty"`
}

type chunkError struct {
	Message string `json:"message"`
}

// OutputWriter is a structured logger whose writes are also streamed as
// progress chunks to an HTTP response, and which can emit one final result
// or error chunk.
type OutputWriter struct {
	sync.Mutex
	*zap.SugaredLogger
	*progressWriter

	out io.Writer
}

var _ io.Writer = (*OutputWriter)(nil)

// New wraps an HTTP response as an OutputWriter, tagging every log line with
// the given request id.
func New(w http.ResponseWriter, requestID string) *OutputWriter {
	w.Header().Set("Content-Type", "application/json")

	httpWriter := ioutils.NewWriteFlusher(w)

	pw := &progressWriter{out: httpWriter}
	writeSyncer := zapcore.Lock(zapcore.AddSync(pw))

	logger := logging.NewLogger(writeSyncer, zap.String("req_id", requestID))

	ow := &OutputWriter{
		SugaredLogger:  logger.Sugar(),
		out:            httpWriter,
		progressWriter: pw,
	}
	pw.ow = ow
	return ow
}

// Discard returns an OutputWriter whose writes go nowhere; useful for
// background work that has no HTTP client attached (e.g. the Run Manager's
// own scheduling loop).
func Discard() *OutputWriter {
	pw := &progressWriter{out: ioutil.Discard}
	ow := &OutputWriter{
		SugaredLogger:  zap.NewNop().Sugar(),
		out:            ioutil.Discard,
		progressWriter: pw,
	}
	pw.ow = ow
	return ow
}

type progressWriter struct {
	ow  *OutputWriter
	out io.Writer
}

var _ io.Writer = (*progressWriter)(nil)

func (w *progressWriter) Write(p []byte) (n int, err error) {
	if p == nil {
		return 0, nil
	}

	msg := Chunk{Type: ChunkTypeProgress, Payload: string(p)}
	b, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	w.ow.Lock()
	defer w.ow.Unlock()
	return w.out.Write(b)
}

// With returns a derived OutputWriter, matching zap's With semantics for the
// embedded logger.
func (ow *OutputWriter) With(args ...interface{}) *OutputWriter {
	return &OutputWriter{
		SugaredLogger:  ow.SugaredLogger.With(args...),
		out:            ow.out,
		progressWriter: ow.progressWriter,
	}
}

func (ow *OutputWriter) WriteResult(res interface{}) {
	msg := Chunk{Type: ChunkTypeResult, Payload: res}
	b, err := json.Marshal(msg)
	if err != nil {
		logging.S().Errorw("could not marshal result", "err", err)
		return
	}

	ow.Lock()
	defer ow.Unlock()
	if _, err := ow.out.Write(b); err != nil {
		logging.S().Errorw("could not write result", "err", err)
	}
}

func (ow *OutputWriter) WriteError(message string, keysAndValues ...interface{}) {
	ow.Warnw(message, keysAndValues...)

	if len(keysAndValues) > 0 {
		b := &strings.Builder{}
		for i := 0; i < len(keysAndValues); i += 2 {
			fmt.Fprintf(b, "%v: %v;", keysAndValues[i], keysAndValues[i+1])
		}
		kvs := b.String()
		message = message + "; " + kvs[:len(kvs)-1]
	}

	msg := Chunk{Type: ChunkTypeError, Error: &chunkError{message}}
	b, err := json.Marshal(msg)
	if err != nil {
		logging.S().Errorw("could not marshal error", "err", err)
		return
	}

	ow.Lock()
	defer ow.Unlock()
	if _, err := ow.out.Write(b); err != nil {
		logging.S().Errorw("could not write error", "err", err)
	}
}

func (ow *OutputWriter) Flush() {
	if f, ok := ow.out.(http.Flusher); ok {
		f.Flush()
	}
}
