package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultSoftCap is the rune count after which a unit without sentence
// punctuation is cut at the next whitespace.
const DefaultSoftCap = 200

// hardCapFactor times the soft cap is the longest unit ever buffered. Text
// without whitespace (CJK, URLs) is cut there mid-run.
const hardCapFactor = 2

type splitState int

const (
	// stateInWord: ordinary text; no boundary pending.
	stateInWord splitState = iota

	// stateAtBoundaryCandidate: the last significant rune was terminal
	// punctuation. Whitespace confirms the boundary; anything else except
	// more punctuation or closing quotes cancels it ("3.14", "e.g.x").
	stateAtBoundaryCandidate

	// stateAfterWideTerminal: the last significant rune was full-width
	// terminal punctuation ('。', '！', '？'). The next rune that is not
	// punctuation or a closer starts a new unit, whitespace or not.
	stateAfterWideTerminal
)

// Splitter cuts a stream of LLM tokens into synthesis units as soon as each
// unit is complete. Token boundaries are irrelevant: a unit may span many
// tokens and one token may close several units.
//
// A unit ends at:
//   - '.', '!' or '?' followed by whitespace or the end of the stream. Runs of
//     terminal punctuation ("?!", "...") and closing quotes or brackets stay
//     with the sentence they end.
//   - '。', '！' or '？', whether or not whitespace follows.
//   - a newline.
//   - the first whitespace after the unit reached the soft cap.
//   - twice the soft cap, when no whitespace came to cut at.
//
// Units are returned trimmed; blank units are never returned. [Splitter.Emitted]
// locates the end of the last unit in the untrimmed stream.
//
// A Splitter is not safe for concurrent use.
type Splitter struct {
	softCap int
	state   splitState
	buf     strings.Builder
	runes   int

	offset  int // bytes pushed since the last Flush
	emitted int // offset just past the last returned unit
}

// NewSplitter creates a Splitter with the given soft cap in runes.
// Non-positive softCap uses DefaultSoftCap.
func NewSplitter(softCap int) *Splitter {
	if softCap <= 0 {
		softCap = DefaultSoftCap
	}
	return &Splitter{softCap: softCap}
}

// Push feeds the next token and returns the units it completed, in order.
func (s *Splitter) Push(token string) []string {
	var units []string
	for _, r := range token {
		// Every boundary falls before r.
		if u, ok := s.step(r); ok {
			units = append(units, u)
			s.emitted = s.offset
		}
		s.offset += utf8.RuneLen(r)
	}
	return units
}

// Emitted returns the number of stream bytes pushed since the last Flush up
// to the end of the last unit returned by Push.
func (s *Splitter) Emitted() int { return s.emitted }

// Flush ends the stream and returns the remaining unit, or "" if nothing but
// whitespace is buffered. The Splitter is reset and may be reused.
func (s *Splitter) Flush() string {
	s.offset, s.emitted = 0, 0
	return s.take()
}

func (s *Splitter) step(r rune) (string, bool) {
	if s.runes == 0 && unicode.IsSpace(r) {
		return "", false
	}

	if r == '\n' || r == '\r' {
		return s.cut()
	}

	switch s.state {
	case stateAfterWideTerminal:
		switch {
		case unicode.IsSpace(r):
			return s.cut()
		case isTerminal(r), isWideTerminal(r), isCloser(r):
			s.write(r)
			return "", false
		default:
			return s.cutBefore(r)
		}

	case stateAtBoundaryCandidate:
		switch {
		case unicode.IsSpace(r):
			return s.cut()
		case isTerminal(r), isCloser(r):
			s.write(r)
			return "", false
		default:
			s.state = stateInWord
			s.write(r)
			return "", false
		}

	default:
		if unicode.IsSpace(r) && s.runes >= s.softCap {
			return s.cut()
		}
		if s.runes >= hardCapFactor*s.softCap {
			return s.cutBefore(r)
		}
		s.write(r)
		switch {
		case isWideTerminal(r):
			s.state = stateAfterWideTerminal
		case isTerminal(r):
			s.state = stateAtBoundaryCandidate
		}
		return "", false
	}
}

// cutBefore ends the buffered unit and starts the next one with r.
func (s *Splitter) cutBefore(r rune) (string, bool) {
	u, ok := s.cut()
	s.step(r)
	return u, ok
}

func (s *Splitter) write(r rune) {
	s.buf.WriteRune(r)
	s.runes++
}

func (s *Splitter) cut() (string, bool) {
	u := s.take()
	return u, u != ""
}

func (s *Splitter) take() string {
	u := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	s.runes = 0
	s.state = stateInWord
	return u
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isWideTerminal(r rune) bool {
	switch r {
	case '。', '！', '？':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '»', '”', '’', '」', '』', '）':
		return true
	}
	return false
}
