// Package trace implements the structured trace emitter: a hierarchical,
// append-only event log of realization, production and consumption activity,
// for diagnosing what a pipeline actually did.
//
// Every emitted event is assigned a session-scoped, monotonically increasing
// id. Nesting is expressed by each event carrying the id of its enclosing
// event, never by stream order: with concurrent realizations open, emission
// order is interleaved, and only ParentID is meaningful. The ownership
// hierarchy looks like:
//
//	begin_realization
//	   produce
//	     store
//	     update
//	     load/store
//	     consume
//	     load
//	     end_consume
//	   end_realization
//
// Sinks: a binary stream of fixed-layout records (see package abi), a
// human-readable text stream (the default when no file was ever configured),
// or JSON lines. Trace I/O failures are reported and logged but never abort
// the running computation.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loopforge/loopforge/abi"
)

// ErrTraceIO reports a sink write/flush/close failure. Non-fatal to the
// pipeline: events keep being assigned ids even when the sink is broken.
var ErrTraceIO = errors.New("trace sink I/O failure")

// TraceFileEnvVar names the trace output file. When set (and no sink was
// configured programmatically), the emitter opens it lazily on the first
// event and writes the binary format.
const TraceFileEnvVar = "LOOPFORGE_TRACE_FILE"

// Event is one trace record as emitted by a kernel. Value carries the raw
// little-endian bytes of the traced value(s): VectorWidth lanes of Bits bits
// each. Coordinates locate the event inside the function's domain.
type Event struct {
	Func        string
	Kind        abi.EventCode
	ParentID    int32
	TypeCode    abi.TypeCode
	Bits        int32
	VectorWidth int32
	ValueIndex  int32
	Value       []byte
	Coordinates []int32
}

// Format selects the sink encoding.
type Format int

const (
	// FormatText is a line-per-event human-readable stream.
	FormatText Format = iota
	// FormatBinary is the fixed-layout record stream (abi.TraceEventRecord
	// followed by the variable payloads it sizes).
	FormatBinary
	// FormatJSON is one JSON object per line.
	FormatJSON
)

// binaryMagic starts a binary trace stream, followed by the 16-byte session
// UUID.
const binaryMagic = "LFTRACE0"

// Emitter assigns event ids and writes events to its sink. Safe for
// concurrent use; id assignment and the write happen under one lock, so in
// the stream the record order matches id order.
type Emitter struct {
	mu       sync.Mutex
	nextID   int32
	session  uuid.UUID
	resolved bool // sink selection already ran (configured or lazy)
	format   Format
	buf      *bufio.Writer
	closer   io.Closer
	file     *os.File // the file sink, nil for in-memory/stream sinks
	err      error    // sticky, reported by Shutdown
}

// NewEmitter returns an emitter with no sink configured yet: the first event
// resolves one from the environment, falling back to human-readable text on
// stdout.
func NewEmitter() *Emitter {
	return &Emitter{session: uuid.New()}
}

// Session returns the emitter's session identity, stamped into binary and
// JSON sinks.
func (e *Emitter) Session() uuid.UUID { return e.session }

// SetOutput directs events to w using the given format. A nil w restores
// the default human-readable stream on stdout. If w is an io.Closer it is
// closed by Shutdown.
func (e *Emitter) SetOutput(w io.Writer, format Format) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockedCloseSink()
	if w == nil {
		e.resolved = false
		return
	}
	e.resolved = true
	e.format = format
	e.buf = bufio.NewWriter(w)
	if closer, ok := w.(io.Closer); ok {
		e.closer = closer
	}
	if f, ok := w.(*os.File); ok {
		e.file = f
	}
	e.lockedWriteHeader()
}

// SetTraceFile selects f as the binary event sink. A nil f (the analogue of
// file descriptor 0) selects the human-readable textual stream instead.
func (e *Emitter) SetTraceFile(f *os.File) {
	if f == nil {
		e.SetOutput(nil, FormatText)
		return
	}
	e.SetOutput(f, FormatBinary)
}

// TraceFile returns the file the emitter writes events to, resolving the
// environment default on first query (so querying before any event still
// reports the sink the first event will use). Nil means a non-file sink:
// the human-readable stream or a programmatic writer.
func (e *Emitter) TraceFile() *os.File {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockedResolveSink()
	return e.file
}

// Trace assigns and returns a new unique, monotonically increasing id for
// event, writing it to the sink. The caller supplies the enclosing event's
// id in event.ParentID when the event logically nests inside one.
func (e *Emitter) Trace(event *Event) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockedResolveSink()
	e.nextID++
	id := e.nextID

	var err error
	switch e.format {
	case FormatBinary:
		err = e.lockedWriteBinary(id, event)
	case FormatJSON:
		err = e.lockedWriteJSON(id, event)
	default:
		err = e.lockedWriteText(id, event)
	}
	if err != nil {
		// Tracing must never take the pipeline down with it.
		if e.err == nil {
			klog.Warningf("trace: sink failure (further failures suppressed): %v", err)
		}
		e.err = errors.Wrap(ErrTraceIO, err.Error())
	}
	return id
}

// Shutdown flushes and closes the active sink. Idempotent. It returns the
// sticky sink error, if any I/O failed during the session.
func (e *Emitter) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockedCloseSink()
	e.resolved = false
	return e.err
}

// lockedResolveSink picks a sink on first use: the environment-named file
// for binary output, else text on stdout.
func (e *Emitter) lockedResolveSink() {
	if e.resolved {
		return
	}
	e.resolved = true
	if path := os.Getenv(TraceFileEnvVar); path != "" {
		f, err := os.Create(path)
		if err != nil {
			klog.Warningf("trace: cannot open %s=%q, falling back to stdout: %v", TraceFileEnvVar, path, err)
		} else {
			e.format = FormatBinary
			e.buf = bufio.NewWriter(f)
			e.closer = f
			e.file = f
			e.lockedWriteHeader()
			return
		}
	}
	e.format = FormatText
	e.buf = bufio.NewWriter(os.Stdout)
	e.closer = nil // never close stdout
}

func (e *Emitter) lockedWriteHeader() {
	if e.format != FormatBinary {
		return
	}
	if _, err := e.buf.WriteString(binaryMagic); err != nil {
		e.err = errors.Wrap(ErrTraceIO, err.Error())
		return
	}
	if _, err := e.buf.Write(e.session[:]); err != nil {
		e.err = errors.Wrap(ErrTraceIO, err.Error())
	}
}

func (e *Emitter) lockedCloseSink() {
	if e.buf != nil {
		if err := e.buf.Flush(); err != nil && e.err == nil {
			e.err = errors.Wrap(ErrTraceIO, err.Error())
		}
		e.buf = nil
	}
	if e.closer != nil {
		if err := e.closer.Close(); err != nil && e.err == nil {
			e.err = errors.Wrap(ErrTraceIO, err.Error())
		}
		e.closer = nil
	}
	e.file = nil
}

// lockedWriteBinary writes the fixed record followed by its variable
// payloads. In the stream encoding the three token slots carry the byte
// lengths of the payloads that follow, in order: function name, value bytes,
// coordinates (4 bytes per coordinate).
func (e *Emitter) lockedWriteBinary(id int32, event *Event) error {
	rec := abi.TraceEventRecord{
		FuncToken:        uint64(len(event.Func)),
		Kind:             event.Kind,
		ParentID:         event.ParentID,
		TypeCode:         event.TypeCode,
		Bits:             event.Bits,
		VectorWidth:      event.VectorWidth,
		ValueIndex:       event.ValueIndex,
		ValueToken:       uint64(len(event.Value)),
		Dimensions:       int32(len(event.Coordinates)),
		CoordinatesToken: uint64(4 * len(event.Coordinates)),
	}
	payload := rec.AppendTo(nil)
	payload = append(payload, event.Func...)
	payload = append(payload, event.Value...)
	for _, c := range event.Coordinates {
		payload = append(payload, byte(c), byte(c>>8), byte(c>>16), byte(c>>24))
	}
	_, err := e.buf.Write(payload)
	return err
}

// jsonEvent is the JSON-lines wire form of an event.
type jsonEvent struct {
	ID          int32   `json:"id"`
	ParentID    int32   `json:"parent"`
	Kind        string  `json:"kind"`
	Func        string  `json:"func"`
	ValueIndex  int32   `json:"value_index"`
	TypeCode    string  `json:"type"`
	Bits        int32   `json:"bits"`
	VectorWidth int32   `json:"vector_width"`
	Coordinates []int32 `json:"coordinates,omitempty"`
	Value       []byte  `json:"value,omitempty"`
}

func (e *Emitter) lockedWriteJSON(id int32, event *Event) error {
	data, err := json.Marshal(&jsonEvent{
		ID:          id,
		ParentID:    event.ParentID,
		Kind:        event.Kind.String(),
		Func:        event.Func,
		ValueIndex:  event.ValueIndex,
		TypeCode:    event.TypeCode.String(),
		Bits:        event.Bits,
		VectorWidth: event.VectorWidth,
		Coordinates: event.Coordinates,
		Value:       event.Value,
	})
	if err != nil {
		return err
	}
	if _, err = e.buf.Write(data); err != nil {
		return err
	}
	return e.buf.WriteByte('\n')
}

func (e *Emitter) lockedWriteText(id int32, event *Event) error {
	coords := make([]string, len(event.Coordinates))
	for i, c := range event.Coordinates {
		coords[i] = fmt.Sprint(c)
	}
	_, err := fmt.Fprintf(e.buf, "[%d <- %d] %s %s.%d(%s)\n",
		id, event.ParentID, event.Kind, event.Func, event.ValueIndex, strings.Join(coords, ", "))
	if err != nil {
		return err
	}
	// Text output is for watching live; don't let it lag behind the
	// computation it describes.
	return e.buf.Flush()
}

// Process-wide default emitter backing the package-level entry points.
var defaultEmitter = NewEmitter()

// Default returns the process-wide emitter.
func Default() *Emitter { return defaultEmitter }

// Trace emits event through the default emitter and returns its id.
func Trace(event *Event) int32 { return defaultEmitter.Trace(event) }

// SetTraceFile selects the default emitter's binary sink; nil selects the
// human-readable stream.
func SetTraceFile(f *os.File) { defaultEmitter.SetTraceFile(f) }

// TraceFile returns the default emitter's file sink, if any.
func TraceFile() *os.File { return defaultEmitter.TraceFile() }

// Shutdown flushes and closes the default emitter's sink.
func Shutdown() error { return defaultEmitter.Shutdown() }
