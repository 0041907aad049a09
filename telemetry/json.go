package telemetry

import (
	"strconv"
	"time"

	"openenterprise/dimmer/version"
)

// jsonWriter appends JSON to a caller-owned buffer without reflection.
// Writes past max are dropped so a document never outgrows its buffer.
type jsonWriter struct {
	buf []byte
	max int
}

func newJSONWriter(dst []byte, max int) *jsonWriter {
	return &jsonWriter{buf: dst, max: max}
}

func (w *jsonWriter) writeRaw(s string) {
	if len(w.buf)+len(s) > w.max {
		return
	}
	w.buf = append(w.buf, s...)
}

func (w *jsonWriter) writeByte(b byte) {
	if len(w.buf) < w.max {
		w.buf = append(w.buf, b)
	}
}

// writeString writes a quoted JSON string. Non-printable bytes are dropped.
func (w *jsonWriter) writeString(s string) {
	w.writeByte('"')
	for i := 0; i < len(s); i++ {
		switch b := s[i]; b {
		case '"':
			w.writeRaw(`\"`)
		case '\\':
			w.writeRaw(`\\`)
		case '\n':
			w.writeRaw(`\n`)
		case '\r':
			w.writeRaw(`\r`)
		case '\t':
			w.writeRaw(`\t`)
		default:
			if b >= 32 && b < 127 {
				w.writeByte(b)
			}
		}
	}
	w.writeByte('"')
}

func (w *jsonWriter) writeInt(n int64) {
	var tmp [20]byte
	w.writeRaw(string(strconv.AppendInt(tmp[:0], n, 10)))
}

func (w *jsonWriter) writeUint(n uint64) {
	var tmp [20]byte
	w.writeRaw(string(strconv.AppendUint(tmp[:0], n, 10)))
}

func (w *jsonWriter) writeBool(b bool) {
	if b {
		w.writeRaw("true")
		return
	}
	w.writeRaw("false")
}

// field writes "key": with a leading comma unless first.
func (w *jsonWriter) field(key string, first bool) {
	if !first {
		w.writeByte(',')
	}
	w.writeString(key)
	w.writeByte(':')
}

func (w *jsonWriter) bytes() []byte { return w.buf }

// MaxDocumentSize bounds status and log documents.
const MaxDocumentSize = 1024

// Status is the periodic device status document.
type Status struct {
	Device    string
	Partition string
	Uptime    time.Duration
	Light     uint16 // raw sensor reading
	Duty      uint32
	Mode      string

	OTAState string
	OTABytes uint64
	OTAKind  string
	OTAErr   string
}

// AppendStatusJSON appends s as a JSON object to dst.
func AppendStatusJSON(dst []byte, s Status) []byte {
	w := newJSONWriter(dst, len(dst)+MaxDocumentSize)
	w.writeByte('{')
	w.field("device", true)
	w.writeString(s.Device)
	w.field("version", false)
	w.writeString(version.Version)
	w.field("sha", false)
	w.writeString(version.ShortSHA())
	w.field("partition", false)
	w.writeString(s.Partition)
	w.field("uptime_s", false)
	w.writeInt(int64(s.Uptime / time.Second))
	w.field("light", false)
	w.writeUint(uint64(s.Light))
	w.field("duty", false)
	w.writeUint(uint64(s.Duty))
	if s.Mode != "" {
		w.field("mode", false)
		w.writeString(s.Mode)
	}
	w.field("ota", false)
	w.writeByte('{')
	w.field("state", true)
	w.writeString(s.OTAState)
	w.field("bytes", false)
	w.writeUint(s.OTABytes)
	if s.OTAErr != "" {
		w.field("kind", false)
		w.writeString(s.OTAKind)
		w.field("err", false)
		w.writeString(s.OTAErr)
	}
	w.writeRaw("}}")
	return w.bytes()
}

// AppendLogsJSON appends entries as {"logs":[...]} to dst. It stops adding
// entries once the document would exceed MaxDocumentSize and returns how
// many it wrote.
func AppendLogsJSON(dst []byte, entries []LogEntry) ([]byte, int) {
	limit := len(dst) + MaxDocumentSize
	dst = append(dst, `{"logs":[`...)
	var scratch [256]byte
	n := 0
	for _, e := range entries {
		w := newJSONWriter(scratch[:0], MaxDocumentSize)
		if n > 0 {
			w.writeByte(',')
		}
		w.writeByte('{')
		w.field("ts", true)
		w.writeInt(e.Time.UnixMilli())
		w.field("level", false)
		w.writeString(e.Level.String())
		w.field("msg", false)
		w.writeString(e.Message)
		w.writeByte('}')
		if len(dst)+len(w.buf)+2 > limit {
			break
		}
		dst = append(dst, w.buf...)
		n++
	}
	return append(dst, "]}"...), n
}

// Update is the result document of one firmware update attempt.
type Update struct {
	Session    uint32
	URL        string
	State      string
	StatusCode int
	Bytes      uint64
	Kind       string
	Err        string
	SHA256     string
	Duration   time.Duration
}

// AppendUpdateJSON appends u as a JSON object to dst.
func AppendUpdateJSON(dst []byte, u Update) []byte {
	w := newJSONWriter(dst, len(dst)+MaxDocumentSize)
	w.writeByte('{')
	w.field("session", true)
	w.writeUint(uint64(u.Session))
	w.field("url", false)
	w.writeString(u.URL)
	w.field("state", false)
	w.writeString(u.State)
	if u.StatusCode != 0 {
		w.field("status", false)
		w.writeInt(int64(u.StatusCode))
	}
	w.field("bytes", false)
	w.writeUint(u.Bytes)
	w.field("ms", false)
	w.writeInt(u.Duration.Milliseconds())
	if u.SHA256 != "" {
		w.field("sha256", false)
		w.writeString(u.SHA256)
	}
	if u.Err != "" {
		w.field("kind", false)
		w.writeString(u.Kind)
		w.field("err", false)
		w.writeString(u.Err)
	}
	w.writeByte('}')
	return w.bytes()
}
