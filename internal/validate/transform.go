package validate

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Built-in transformer IDs. Rules refer to transformers by ID; the set is
// closed and registered at startup, there is no dynamic loading.
const (
	TransformerNoop         = "noop"
	TransformerIM2          = "im2"
	TransformerPMPinInsert  = "pm_pin_insert"
	TransformerPMPinRewrite = "pm_pin_rewrite"
)

// Transformer rewrites single lines of a delimited file. A transformer may
// return the line unchanged, return a modified line, or drop the line by
// returning keep=false.
type Transformer interface {
	ID() string
	TransformLine(line string, lineNumber int64) (out string, keep bool)
}

// Registry holds the closed set of named transformers.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Transformer
}

// NewRegistry returns a registry pre-populated with the built-in
// transformers.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[string]Transformer)}
	for _, t := range []Transformer{
		noopTransformer{},
		im2Transformer{},
		pmPinInsertTransformer{},
		pmPinRewriteTransformer{},
	} {
		r.byID[t.ID()] = t
	}
	return r
}

// Register adds a transformer. Registering an already-registered ID is an
// error; transformers are configuration, not runtime state.
func (r *Registry) Register(t Transformer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[t.ID()]; exists {
		return fmt.Errorf("transformer %q already registered", t.ID())
	}
	r.byID[t.ID()] = t
	return nil
}

// Lookup resolves a transformer by ID. An empty ID resolves to the no-op
// transformer.
func (r *Registry) Lookup(id string) (Transformer, bool) {
	if id == "" {
		id = TransformerNoop
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// noopTransformer passes every line through unchanged.
type noopTransformer struct{}

func (noopTransformer) ID() string { return TransformerNoop }
func (noopTransformer) TransformLine(line string, _ int64) (string, bool) {
	return line, true
}

// im2Transformer trims whitespace from every tab-delimited field and blanks
// the sentinel date 0000/00/00 in the fourth field, which the sink's date
// column cannot store.
type im2Transformer struct{}

func (im2Transformer) ID() string { return TransformerIM2 }

func (im2Transformer) TransformLine(line string, _ int64) (string, bool) {
	fields := strings.Split(line, "\t")
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	if len(fields) > 3 && fields[3] == "0000/00/00" {
		fields[3] = ""
	}
	return strings.Join(fields, "\t"), true
}

// pinStart is the byte offset of the 4-digit PIN block in fixed-width PM
// records.
const pinStart = 6

// pmPinInsertTransformer repairs PM records whose PIN block was lost
// entirely: when the byte at the PIN offset is not a digit, a zero PIN is
// inserted and the rest of the record shifts right.
type pmPinInsertTransformer struct{}

func (pmPinInsertTransformer) ID() string { return TransformerPMPinInsert }

func (pmPinInsertTransformer) TransformLine(line string, _ int64) (string, bool) {
	if len(line) <= pinStart || isDigit(line[pinStart]) {
		return line, true
	}
	return line[:pinStart] + "0000" + line[pinStart:], true
}

// pmPinRewriteTransformer repairs PM records whose PIN block is present but
// corrupted: the 4 bytes at the PIN offset are overwritten with a zero PIN.
type pmPinRewriteTransformer struct{}

func (pmPinRewriteTransformer) ID() string { return TransformerPMPinRewrite }

func (pmPinRewriteTransformer) TransformLine(line string, _ int64) (string, bool) {
	if len(line) < pinStart+4 || isDigit(line[pinStart]) {
		return line, true
	}
	return line[:pinStart] + "0000" + line[pinStart+4:], true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// transformChunkCap bounds how many lines the producer may run ahead of the
// consumer.
const transformChunkCap = 256

// TransformReader applies a Transformer to a line stream. A producer
// goroutine reads, transforms and sends lines over a bounded channel; the
// Read side consumes them, so a slow sink backpressures the transform
// instead of buffering the whole file.
//
// Issues and Dropped are safe to call only after Read has returned io.EOF
// or the reader has been closed.
type TransformReader struct {
	ch     chan []byte
	closed chan struct{}

	closeOnce sync.Once
	buf       []byte

	mu      sync.Mutex
	issues  []Issue
	dropped int64
	err     error
}

// NewTransformReader starts the producer over src using t. Recorded
// DATA_TRANSFORMATION issues carry batchID and fileName.
func NewTransformReader(src io.Reader, t Transformer, batchID uuid.UUID, fileName string) *TransformReader {
	tr := &TransformReader{
		ch:     make(chan []byte, transformChunkCap),
		closed: make(chan struct{}),
	}
	go tr.produce(src, t, batchID, fileName)
	return tr
}

func (tr *TransformReader) produce(src io.Reader, t Transformer, batchID uuid.UUID, fileName string) {
	defer close(tr.ch)

	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var lineNo int64
	for sc.Scan() {
		lineNo++
		line := sc.Text()

		out, keep := t.TransformLine(line, lineNo)

		if !keep {
			tr.record(Issue{
				BatchID:      batchID,
				FileName:     fileName,
				LineNumber:   lineNo,
				Type:         IssueDataTransformation,
				Severity:     SeverityWarning,
				AutoFixed:    true,
				OriginalLine: sampleLine(line),
				Description:  fmt.Sprintf("line dropped by transformer %q", t.ID()),
			})
			tr.mu.Lock()
			tr.dropped++
			tr.mu.Unlock()
			continue
		}

		if out != line {
			tr.record(Issue{
				BatchID:       batchID,
				FileName:      fileName,
				LineNumber:    lineNo,
				Type:          IssueDataTransformation,
				Severity:      SeverityWarning,
				AutoFixed:     true,
				OriginalLine:  sampleLine(line),
				CorrectedLine: sampleLine(out),
				Description:   fmt.Sprintf("line rewritten by transformer %q", t.ID()),
			})
		}

		select {
		case tr.ch <- append([]byte(out), '\n'):
		case <-tr.closed:
			return
		}
	}
	if err := sc.Err(); err != nil {
		tr.mu.Lock()
		tr.err = err
		tr.mu.Unlock()
	}
}

func (tr *TransformReader) record(iss Issue) {
	tr.mu.Lock()
	tr.issues = append(tr.issues, iss)
	tr.mu.Unlock()
}

// Read implements io.Reader over the transformed line stream.
func (tr *TransformReader) Read(p []byte) (int, error) {
	for len(tr.buf) == 0 {
		chunk, ok := <-tr.ch
		if !ok {
			tr.mu.Lock()
			err := tr.err
			tr.mu.Unlock()
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		tr.buf = chunk
	}
	n := copy(p, tr.buf)
	tr.buf = tr.buf[n:]
	return n, nil
}

// Close stops the producer. It is safe to call multiple times and after EOF.
func (tr *TransformReader) Close() error {
	tr.closeOnce.Do(func() { close(tr.closed) })
	return nil
}

// Issues returns the DATA_TRANSFORMATION issues recorded while streaming.
func (tr *TransformReader) Issues() []Issue {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.issues
}

// Dropped returns the number of lines the transformer removed.
func (tr *TransformReader) Dropped() int64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.dropped
}
