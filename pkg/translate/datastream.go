package translate

import (
	"encoding/json"
	"log/slog"

	"github.com/nstogner/agcluster/pkg/sandbox"
)

// Data stream part codes, as read by AI SDK style clients. Each part is a
// line of the form "<code>:<json>\n".
const (
	PartText   = "0"
	PartData   = "2"
	PartFinish = "d"
)

// DataStream renders a raw event stream as data stream parts: assistant
// text as text parts, every other event as an out-of-band data part, and a
// single finish part at the end.
type DataStream struct {
	usage *Usage
	done  bool
}

type finishPart struct {
	FinishReason string     `json:"finishReason"`
	Usage        *partUsage `json:"usage,omitempty"`
}

type partUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Done reports whether the finish part has been produced.
func (s *DataStream) Done() bool { return s.done }

// Next returns the parts for raw. Events after the finish part are ignored.
func (s *DataStream) Next(raw sandbox.Event) []string {
	if s.done {
		return nil
	}
	ev, ok := Translate(raw)
	if !ok {
		return nil
	}
	switch ev.Kind {
	case KindText:
		return compact(Part(PartText, ev.Text))
	case KindComplete:
		return compact(s.finish(FinishStop))
	case KindError:
		return compact(Part(PartText, ErrorText(ev.Error)), s.finish(FinishError))
	case KindMetadata:
		u := ev.Metadata.Usage
		s.usage = &u
	}
	return compact(Part(PartData, []Event{ev}))
}

// Finish returns the finish part for a stream that ended without one, or
// an empty string when it already finished.
func (s *DataStream) Finish(reason string) string {
	if s.done {
		return ""
	}
	return s.finish(reason)
}

func (s *DataStream) finish(reason string) string {
	s.done = true
	p := finishPart{FinishReason: reason}
	if s.usage != nil {
		p.Usage = &partUsage{PromptTokens: s.usage.InputTokens, CompletionTokens: s.usage.OutputTokens}
	}
	return Part(PartFinish, p)
}

// Part formats one data stream line. Values that cannot be encoded yield an
// empty string.
func Part(code string, v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Dropping unencodable stream part", "code", code, "error", err)
		return ""
	}
	return code + ":" + string(b) + "\n"
}

func compact(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
